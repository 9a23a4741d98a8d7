// Package main is the scheduled maintenance Lambda. It runs on a cron
// schedule (EventBridge) and purges idempotency ledger rows older than the
// provider's maximum redelivery window.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jackc/pgx/v5/pgxpool"

	"subsync/internal/config"
	"subsync/internal/db"
	"subsync/internal/scheduler"
)

// Handler holds the maintenance job dependencies.
type Handler struct {
	cleanup *scheduler.CleanupService
	logger  *slog.Logger
}

// Result reports what the run removed.
type Result struct {
	LedgerEntriesPurged int `json:"ledger_entries_purged"`
}

// Handle runs one maintenance pass.
func (h *Handler) Handle(ctx context.Context) (Result, error) {
	count, err := h.cleanup.PurgeExpiredLedgerEntries(ctx, time.Now().UTC())
	if err != nil {
		return Result{}, err
	}
	return Result{LedgerEntriesPurged: count}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(context.Background(), cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}

	retention := time.Duration(cfg.Billing.LedgerRetentionDays) * 24 * time.Hour
	cleanup := scheduler.NewCleanupService(
		db.NewIdempotencyLedgerRepo(pool, logger),
		retention,
		logger,
	)

	handler := &Handler{cleanup: cleanup, logger: logger}

	logger.Info("maintenance job initialized",
		"ledger_retention_days", cfg.Billing.LedgerRetentionDays,
	)

	lambda.Start(handler.Handle)
}
