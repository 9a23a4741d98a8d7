package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func TestAccountRepo_GetByID_Success(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewAccountRepo(dbm)

	dbm.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "acct_1"
			*dest[1].(*string) = "owner@example.com"
			cus := "cus_123"
			*dest[2].(**string) = &cus
			return nil
		}})

	acct, err := repo.GetByID(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", acct.ID)
	assert.Equal(t, "owner@example.com", acct.BillingEmail)
	assert.Equal(t, "cus_123", acct.CustomerID)
}

func TestAccountRepo_GetByID_UnboundCustomer(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewAccountRepo(dbm)

	dbm.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "acct_1"
			*dest[1].(*string) = "owner@example.com"
			return nil
		}})

	acct, err := repo.GetByID(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Empty(t, acct.CustomerID)
}

func TestAccountRepo_GetIDByCustomerID_NotFound(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewAccountRepo(dbm)

	dbm.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetIDByCustomerID(context.Background(), "cus_unknown")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundAccount, appErr.Code)
}

func TestAccountRepo_SetCustomerID_Success(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewAccountRepo(dbm)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.SetCustomerID(context.Background(), "acct_1", "cus_123")
	require.NoError(t, err)
	dbm.AssertExpectations(t)
}

func TestAccountRepo_SetCustomerID_AlreadyBoundElsewhere(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewAccountRepo(dbm)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.SetCustomerID(context.Background(), "acct_1", "cus_other")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictConcurrent, appErr.Code)
}
