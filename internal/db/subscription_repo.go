package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// SubscriptionStateRepo is the authoritative local store for subscription
// records. The row for a given account is the only shared mutable resource in
// the engine; all mutation goes through ApplyTransition, which enforces
// optimistic concurrency via the version column.
type SubscriptionStateRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionStateRepo creates a new SubscriptionStateRepo backed by the
// given database connection (pool or transaction).
func NewSubscriptionStateRepo(db DBTX, logger *slog.Logger) *SubscriptionStateRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionStateRepo{db: db, logger: logger}
}

// subscriptionColumns is the standard column set for subscription queries.
// Used consistently across all query methods to avoid column drift.
const subscriptionColumns = `account_id, external_customer_id, external_subscription_id,
	plan_id, status, current_period_end, cancel_at_period_end,
	last_applied_event_at, version`

// scanSubscription scans a single subscription row. The columns must match
// the order defined in subscriptionColumns.
func scanSubscription(row pgx.Row) (*types.SubscriptionRecord, error) {
	var rec types.SubscriptionRecord
	var externalSubID *string
	var periodEnd, lastApplied *time.Time

	err := row.Scan(
		&rec.AccountID,
		&rec.ExternalCustomerID,
		&externalSubID,
		&rec.PlanID,
		&rec.Status,
		&periodEnd,
		&rec.CancelAtPeriodEnd,
		&lastApplied,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	if externalSubID != nil {
		rec.ExternalSubscriptionID = *externalSubID
	}
	if periodEnd != nil {
		rec.CurrentPeriodEnd = periodEnd.UTC()
	}
	if lastApplied != nil {
		rec.LastAppliedEventAt = lastApplied.UTC()
	}
	return &rec, nil
}

// GetByAccountID returns the subscription record for the given account.
// Returns an AppError with code not_found_subscription if no record exists.
func (r *SubscriptionStateRepo) GetByAccountID(ctx context.Context, accountID string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`,
		accountID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(
				types.ErrCodeNotFoundSubscription,
				"no subscription record for account "+accountID,
				err,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription record", err)
	}
	return rec, nil
}

// GetByCustomerID returns the subscription record bound to the given provider
// customer ID. Webhook events identify accounts by customer ID.
func (r *SubscriptionStateRepo) GetByCustomerID(ctx context.Context, customerID string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_customer_id = $1`,
		customerID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(
				types.ErrCodeNotFoundSubscription,
				"no subscription record for customer "+customerID,
				err,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription record", err)
	}
	return rec, nil
}

// CreateIfAbsent lazily creates the initial record for an account on its
// first billing interaction: status none, version 0, no provider
// subscription. Safe under concurrent creation; the loser of the insert race
// reads the winner's row.
func (r *SubscriptionStateRepo) CreateIfAbsent(ctx context.Context, accountID, customerID string) (*types.SubscriptionRecord, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions
		 (account_id, external_customer_id, plan_id, status, cancel_at_period_end, version)
		 VALUES ($1, $2, $3, $4, FALSE, 0)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID,
		customerID,
		types.PlanFree,
		types.SubStatusNone,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription record", err)
	}
	return r.GetByAccountID(ctx, accountID)
}

// ApplyTransition writes the computed record, guarded by the version the
// caller read. The write succeeds only if the stored version still equals
// expectedVersion; zero rows affected means a concurrent writer won and the
// caller must re-read and retry the whole transition.
//
// The external customer binding is immutable once set; the update never
// touches external_customer_id.
func (r *SubscriptionStateRepo) ApplyTransition(ctx context.Context, rec *types.SubscriptionRecord, expectedVersion int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET external_subscription_id = $1,
		     plan_id = $2,
		     status = $3,
		     current_period_end = $4,
		     cancel_at_period_end = $5,
		     last_applied_event_at = $6,
		     version = $7 + 1,
		     updated_at = NOW()
		 WHERE account_id = $8
		   AND version = $7`,
		nilIfEmpty(rec.ExternalSubscriptionID),
		rec.PlanID,
		rec.Status,
		nilIfZeroTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd,
		rec.LastAppliedEventAt,
		expectedVersion,
		rec.AccountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription transition", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "optimistic lock conflict on subscription apply",
			slog.String("account_id", rec.AccountID),
			slog.Int64("expected_version", expectedVersion),
		)
		return types.NewAppError(
			types.ErrCodeConflictConcurrent,
			"subscription record was modified concurrently",
			nil,
		)
	}

	rec.Version = expectedVersion + 1
	return nil
}

// nilIfEmpty returns nil for an empty string so the column is stored as NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nilIfZeroTime returns nil for the zero time so the column is stored as NULL.
func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
