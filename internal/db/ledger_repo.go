package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"subsync/internal/types"
)

// IdempotencyLedgerRepo records which provider event IDs have been applied,
// rejecting replays. The claim is an insert-if-absent on the primary key:
// the insert succeeding is the signal to proceed, a unique-constraint
// violation is the signal to short-circuit as a duplicate. This is safe under
// concurrent delivery of the same event.
type IdempotencyLedgerRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewIdempotencyLedgerRepo creates a new IdempotencyLedgerRepo backed by the
// given database connection (pool or transaction).
func NewIdempotencyLedgerRepo(db DBTX, logger *slog.Logger) *IdempotencyLedgerRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyLedgerRepo{db: db, logger: logger}
}

// TryClaim atomically claims an event ID. Returns true if the caller won the
// claim and must proceed with processing; false if the event was already
// claimed or processed (benign duplicate).
func (r *IdempotencyLedgerRepo) TryClaim(ctx context.Context, externalEventID string, now time.Time) (bool, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_event_ledger (external_event_id, processed_at, outcome)
		 VALUES ($1, $2, $3)`,
		externalEventID,
		now,
		types.OutcomePending,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.logger.InfoContext(ctx, "duplicate billing event rejected by ledger",
				slog.String("event_id", externalEventID),
			)
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim billing event", err)
	}
	return true, nil
}

// FinalizeOutcome records the terminal result of processing a claimed event.
// After this call the row is immutable until it is purged.
func (r *IdempotencyLedgerRepo) FinalizeOutcome(ctx context.Context, externalEventID string, outcome types.LedgerOutcome) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_event_ledger
		 SET outcome = $1, processed_at = NOW()
		 WHERE external_event_id = $2 AND outcome = $3`,
		outcome,
		externalEventID,
		types.OutcomePending,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finalize ledger outcome", err)
	}
	if tag.RowsAffected() == 0 {
		// Row missing or already terminal. Both indicate a protocol bug
		// upstream of the ledger, not a recoverable condition here.
		return types.NewAppError(
			types.ErrCodeInternalInvariant,
			"ledger row for event "+externalEventID+" is not in claimed state",
			nil,
		)
	}
	return nil
}

// ReleaseClaim deletes a claimed-but-unfinished row after a transient
// processing failure, so a provider redelivery can re-claim the event.
// Terminal rows are never released.
func (r *IdempotencyLedgerRepo) ReleaseClaim(ctx context.Context, externalEventID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM billing_event_ledger
		 WHERE external_event_id = $1 AND outcome = $2`,
		externalEventID,
		types.OutcomePending,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release ledger claim", err)
	}
	return nil
}

// TakeOverClaim adopts a pending claim left behind by a delivery that
// crashed between claiming and finalizing. The update succeeds only while
// the row is still pending and was claimed before staleBefore; the winner's
// processed_at is refreshed so concurrent redeliveries cannot also take it.
// Returns false when the original processor finished first or another
// redelivery won the takeover.
func (r *IdempotencyLedgerRepo) TakeOverClaim(ctx context.Context, externalEventID string, staleBefore, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_event_ledger
		 SET processed_at = $1
		 WHERE external_event_id = $2 AND outcome = $3 AND processed_at < $4`,
		now,
		externalEventID,
		types.OutcomePending,
		staleBefore,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to take over ledger claim", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	r.logger.WarnContext(ctx, "took over abandoned ledger claim",
		slog.String("event_id", externalEventID),
	)
	return true, nil
}

// Get returns the ledger record for an event ID, or nil if none exists.
func (r *IdempotencyLedgerRepo) Get(ctx context.Context, externalEventID string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	err := r.db.QueryRow(ctx,
		`SELECT external_event_id, processed_at, outcome
		 FROM billing_event_ledger WHERE external_event_id = $1`,
		externalEventID,
	).Scan(&rec.ExternalEventID, &rec.ProcessedAt, &rec.Outcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read ledger record", err)
	}
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	return &rec, nil
}

// DeleteExpired purges ledger rows older than the cutoff. Entries may be
// removed once the provider's maximum redelivery window has elapsed.
// Returns the number of rows deleted.
func (r *IdempotencyLedgerRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM billing_event_ledger WHERE processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge expired ledger entries", err)
	}
	return int(tag.RowsAffected()), nil
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint
// violation (error code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
