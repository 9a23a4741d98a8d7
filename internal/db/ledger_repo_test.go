package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

// mockDBTX and mockRow are defined in subscription_repo_test.go.

func TestIdempotencyLedgerRepo_TryClaim_Wins(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	claimed, err := repo.TryClaim(context.Background(), "evt_1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, claimed)
	dbm.AssertExpectations(t)
}

func TestIdempotencyLedgerRepo_TryClaim_Duplicate(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	claimed, err := repo.TryClaim(context.Background(), "evt_1", time.Now().UTC())
	require.NoError(t, err, "a duplicate is not an error")
	assert.False(t, claimed)
}

func TestIdempotencyLedgerRepo_TryClaim_DBError(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.TryClaim(context.Background(), "evt_1", time.Now().UTC())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestIdempotencyLedgerRepo_FinalizeOutcome_Success(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.FinalizeOutcome(context.Background(), "evt_1", types.OutcomeApplied)
	require.NoError(t, err)
	dbm.AssertExpectations(t)
}

func TestIdempotencyLedgerRepo_FinalizeOutcome_NotClaimed(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.FinalizeOutcome(context.Background(), "evt_1", types.OutcomeApplied)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalInvariant, appErr.Code)
}

func TestIdempotencyLedgerRepo_ReleaseClaim(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	err := repo.ReleaseClaim(context.Background(), "evt_1")
	require.NoError(t, err)
	dbm.AssertExpectations(t)
}

func TestIdempotencyLedgerRepo_TakeOverClaim_AdoptsStale(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	now := time.Now().UTC()
	taken, err := repo.TakeOverClaim(context.Background(), "evt_1", now.Add(-time.Minute), now)
	require.NoError(t, err)
	assert.True(t, taken)
	dbm.AssertExpectations(t)
}

func TestIdempotencyLedgerRepo_TakeOverClaim_LosesRace(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	// The original processor finalized first, or another redelivery refreshed
	// the claim; the conditional update matches nothing.
	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	now := time.Now().UTC()
	taken, err := repo.TakeOverClaim(context.Background(), "evt_1", now.Add(-time.Minute), now)
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestIdempotencyLedgerRepo_TakeOverClaim_DBError(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	now := time.Now().UTC()
	_, err := repo.TakeOverClaim(context.Background(), "evt_1", now.Add(-time.Minute), now)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestIdempotencyLedgerRepo_Get_Absent(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	rec, err := repo.Get(context.Background(), "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIdempotencyLedgerRepo_Get_Found(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	processedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	dbm.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "evt_1"
			*dest[1].(*time.Time) = processedAt
			*dest[2].(*types.LedgerOutcome) = types.OutcomeApplied
			return nil
		}})

	rec, err := repo.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "evt_1", rec.ExternalEventID)
	assert.Equal(t, types.OutcomeApplied, rec.Outcome)
	assert.Equal(t, processedAt, rec.ProcessedAt)
}

func TestIdempotencyLedgerRepo_DeleteExpired(t *testing.T) {
	dbm := new(mockDBTX)
	repo := NewIdempotencyLedgerRepo(dbm, nil)

	dbm.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 42"), nil)

	count, err := repo.DeleteExpired(context.Background(), time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}
