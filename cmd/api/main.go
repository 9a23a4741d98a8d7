// Package main is the entry point for the subsync API server.
//
// It loads configuration, connects the Postgres pool, wires the billing
// provider client, reconciler, and HTTP handlers, and serves until SIGINT or
// SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"subsync/internal/api/handlers"
	"subsync/internal/billing"
	"subsync/internal/cache"
	"subsync/internal/config"
	"subsync/internal/core"
	"subsync/internal/db"
	"subsync/internal/external"
	"subsync/internal/metrics"
	"subsync/internal/queue"
	"subsync/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("subsync API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Repositories.
	subRepo := db.NewSubscriptionStateRepo(pool, logger)
	ledgerRepo := db.NewIdempotencyLedgerRepo(pool, logger)
	accountRepo := db.NewAccountRepo(pool)

	// Cache invalidator: best effort, noop unless Redis is configured.
	var invalidator billing.CacheInvalidator = cache.NoopInvalidator{}
	if cfg.Cache.RedisURL.Unmask() != "" {
		redisOpts, err := redis.ParseURL(cfg.Cache.RedisURL.Unmask())
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		invalidator = cache.NewRedisInvalidator(redisClient, cfg.Cache.KeyPrefix, cfg.Cache.Timeout, logger)
	}

	// AWS-backed collaborators: parked-event queue and metrics.
	var parker billing.EventParker
	var recorder billing.ReconcileMetrics = metrics.NoopReconcileMetrics{}
	if cfg.Queue.ParkedQueueURL != "" || cfg.Metrics.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.AWSRegion))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		if cfg.Queue.ParkedQueueURL != "" {
			sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.Queue.AWSEndpointURL != "" {
					o.BaseEndpoint = &cfg.Queue.AWSEndpointURL
				}
			})
			parker = queue.NewParkedEventProducer(sqsClient, cfg.Queue, logger)
		}
		if cfg.Metrics.Enabled {
			cwClient := cloudwatch.NewFromConfig(awsCfg)
			recorder = metrics.NewCloudWatchReconcileMetrics(cwClient, cfg.Metrics.Namespace, logger)
		}
	}

	// Outbound billing client.
	httpClient := &http.Client{Timeout: cfg.Billing.ProviderTimeout}
	stripeClient := external.NewStripeClient(httpClient, accountRepo, external.StripeClientConfig{
		SecretKey: cfg.Billing.ProviderSecretKey,
		BaseURL:   cfg.Billing.ProviderBaseURL,
		Logger:    logger,
	})

	// Core engine.
	catalog := billing.DefaultPlanCatalog()
	reconciler := billing.NewReconciler(
		subRepo,
		ledgerRepo,
		accountRepo,
		catalog,
		invalidator,
		parker,
		recorder,
		logger,
		billing.WithRetryLimit(cfg.Billing.ApplyRetryLimit),
	)
	service := billing.NewService(stripeClient, subRepo, accountRepo, reconciler, catalog, logger)

	codec := billing.NewEventCodec(&external.StripeVerifier{}, cfg.Billing.WebhookSecret)

	// HTTP surface.
	validator := core.NewValidator(logger)
	webhookHandler := handlers.NewWebhookHandler(codec, reconciler, cfg.Server.WebhookBudget, logger)
	billingHandler := handlers.NewBillingHandler(service, validator, strings.TrimSuffix(cfg.Server.DashboardURL, "/"), logger)

	router := chi.NewRouter()
	router.Use(core.Recoverer(logger))
	router.Use(core.RequestID)
	router.Use(core.RequestLogger(logger))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeInternalDB, "database unreachable", err))
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "ok"}})
	})

	// Webhooks are public; signature verification is the auth.
	router.Group(webhookHandler.RegisterRoutes)

	// Authentication is owned by the upstream gateway; it forwards the
	// resolved identity in X-Account-Id.
	router.Route("/v1", func(r chi.Router) {
		r.Use(core.RequireAccount(headerAccountResolver{}))
		billingHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newPool builds the pgx connection pool from configuration.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// headerAccountResolver trusts the gateway-forwarded identity header.
type headerAccountResolver struct{}

func (headerAccountResolver) ResolveAccount(r *http.Request) (string, error) {
	accountID := r.Header.Get("X-Account-Id")
	if accountID == "" {
		return "", types.NewAppError(
			types.ErrCodeValidationFailed,
			"missing account identity",
			nil,
		)
	}
	return accountID, nil
}

// newLogger builds the process-wide JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
