// Package main is the reconcile worker Lambda. It drains the parked-events
// SQS queue and re-applies each billing event through the reconciler.
// Events land here only after the synchronous webhook path exhausted its
// optimistic-lock retries; by re-applying under the same staleness rules,
// late processing can never regress the record.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"subsync/internal/billing"
	"subsync/internal/cache"
	"subsync/internal/config"
	"subsync/internal/db"
	"subsync/internal/metrics"
	"subsync/internal/types"

	"github.com/redis/go-redis/v9"
)

// Handler holds the dependencies for the reconcile worker.
type Handler struct {
	reconciler *billing.Reconciler
	logger     *slog.Logger
}

// Handle processes an SQS batch of parked events. Lambda SQS integration
// uses partial batch responses: messages that fail transiently are returned
// in batchItemFailures so SQS redelivers only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process parked event",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage re-applies a single parked event.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.ParkedEventMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.ErrorContext(ctx, "unparseable parked event message dropped",
			"message_id", record.MessageId,
			"error", err,
		)
		// Permanent parse failure; acking avoids an infinite redelivery loop.
		return nil
	}

	ev := msg.Event.ToBillingEvent()
	logger := h.logger.With(
		"event_id", ev.ExternalEventID,
		"trace_id", msg.TraceID,
		"parked_attempts", msg.Attempts,
	)

	result, err := h.reconciler.ApplyParked(ctx, ev)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "parked event re-applied",
		"outcome", string(result.Outcome),
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}

	subRepo := db.NewSubscriptionStateRepo(pool, logger)
	ledgerRepo := db.NewIdempotencyLedgerRepo(pool, logger)
	accountRepo := db.NewAccountRepo(pool)

	var invalidator billing.CacheInvalidator = cache.NoopInvalidator{}
	if cfg.Cache.RedisURL.Unmask() != "" {
		redisOpts, err := redis.ParseURL(cfg.Cache.RedisURL.Unmask())
		if err != nil {
			logger.Error("failed to parse redis url", "error", err)
			os.Exit(1)
		}
		invalidator = cache.NewRedisInvalidator(redis.NewClient(redisOpts), cfg.Cache.KeyPrefix, cfg.Cache.Timeout, logger)
	}

	var recorder billing.ReconcileMetrics = metrics.NoopReconcileMetrics{}
	if cfg.Metrics.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.AWSRegion))
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		recorder = metrics.NewCloudWatchReconcileMetrics(
			cloudwatch.NewFromConfig(awsCfg),
			fmt.Sprintf("%s/Worker", cfg.Metrics.Namespace),
			logger,
		)
	}

	// No parker here: a second exhaustion inside the worker surfaces as a
	// batch item failure and SQS redelivers with backoff.
	reconciler := billing.NewReconciler(
		subRepo,
		ledgerRepo,
		accountRepo,
		billing.DefaultPlanCatalog(),
		invalidator,
		nil,
		recorder,
		logger,
		billing.WithRetryLimit(cfg.Billing.ApplyRetryLimit),
	)

	handler := &Handler{reconciler: reconciler, logger: logger}

	logger.Info("reconcile worker initialized",
		"queue", cfg.Queue.ParkedQueueURL,
	)

	lambda.Start(handler.Handle)
}
