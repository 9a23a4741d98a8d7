// Package scheduler contains the scheduled maintenance jobs for the
// reconciliation engine. Jobs run out of band (Lambda on a cron schedule)
// and share no state with the request path.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LedgerPurger abstracts the ledger deletion the cleanup job needs.
type LedgerPurger interface {
	// DeleteExpired removes ledger rows processed before the cutoff.
	// Returns the number of rows deleted.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupService purges idempotency ledger rows older than the provider's
// maximum redelivery window. A purged event ID arriving again would be
// re-applied, but by then it is guaranteed stale and lands as
// ignored-as-stale, so the purge never risks double application.
type CleanupService struct {
	ledger    LedgerPurger
	retention time.Duration
	logger    *slog.Logger
}

// NewCleanupService creates the cleanup job. retention should exceed the
// provider's maximum redelivery window; 30 days is the recommended floor.
func NewCleanupService(ledger LedgerPurger, retention time.Duration, logger *slog.Logger) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &CleanupService{
		ledger:    ledger,
		retention: retention,
		logger:    logger,
	}
}

// PurgeExpiredLedgerEntries removes ledger rows older than the retention
// window. Returns the count of deleted rows.
func (c *CleanupService) PurgeExpiredLedgerEntries(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-c.retention)

	count, err := c.ledger.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging expired ledger entries: %w", err)
	}

	if count > 0 {
		c.logger.InfoContext(ctx, "purged expired ledger entries",
			"count", count,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return count, nil
}
