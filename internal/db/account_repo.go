package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// AccountRepo is the narrow read/bind surface over the accounts table that
// the engine consumes. Account lifecycle itself is owned by the host
// application; the engine only reads the billing email and maintains the
// provider customer binding.
type AccountRepo struct {
	db DBTX
}

// NewAccountRepo creates a new AccountRepo backed by the given database
// connection (pool or transaction).
func NewAccountRepo(db DBTX) *AccountRepo {
	return &AccountRepo{db: db}
}

// GetByID returns the account projection for the given ID.
func (r *AccountRepo) GetByID(ctx context.Context, accountID string) (*types.Account, error) {
	var acct types.Account
	var customerID *string
	err := r.db.QueryRow(ctx,
		`SELECT id, billing_email, external_customer_id
		 FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&acct.ID, &acct.BillingEmail, &customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(
				types.ErrCodeNotFoundAccount,
				"account "+accountID+" not found",
				err,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read account", err)
	}
	if customerID != nil {
		acct.CustomerID = *customerID
	}
	return &acct, nil
}

// GetIDByCustomerID resolves the account bound to a provider customer ID.
// Returns not_found_account if no account carries the binding.
func (r *AccountRepo) GetIDByCustomerID(ctx context.Context, customerID string) (string, error) {
	var accountID string
	err := r.db.QueryRow(ctx,
		`SELECT id FROM accounts WHERE external_customer_id = $1`,
		customerID,
	).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(
				types.ErrCodeNotFoundAccount,
				"no account bound to customer "+customerID,
				err,
			)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve customer binding", err)
	}
	return accountID, nil
}

// SetCustomerID binds the provider customer ID to the account. The binding
// is immutable once set: the update only applies when the column is NULL or
// already holds the same value.
func (r *AccountRepo) SetCustomerID(ctx context.Context, accountID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET external_customer_id = $1, updated_at = NOW()
		 WHERE id = $2
		   AND (external_customer_id IS NULL OR external_customer_id = $1)`,
		customerID,
		accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to bind customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(
			types.ErrCodeConflictConcurrent,
			"account "+accountID+" is already bound to a different customer",
			nil,
		)
	}
	return nil
}
