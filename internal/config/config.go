// Package config defines the global configuration structure for the subsync
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: values come from the
// OS environment, optionally seeded by a dotenv file in local development.
//
// Any missing required value or invalid format fails the load immediately
// (fail fast).
package config

import (
	"time"

	"subsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"subsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Cache    CacheConfig
	Queue    QueueConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// DashboardURL is used to construct server-controlled redirect URLs for
	// checkout and portal sessions (no trailing slash).
	DashboardURL    string        `envconfig:"DASHBOARD_URL" default:"http://localhost:3000" validate:"required,url"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	// WebhookBudget bounds webhook processing; the provider interprets a
	// timed-out response as "retry me".
	WebhookBudget time.Duration `envconfig:"WEBHOOK_BUDGET" default:"5s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// BillingConfig holds provider integration credentials and tuning.
type BillingConfig struct {
	ProviderSecretKey   SecretString  `envconfig:"BILLING_SECRET_KEY" validate:"required"`
	WebhookSecret       SecretString  `envconfig:"BILLING_WEBHOOK_SECRET" validate:"required"`
	ProviderTimeout     time.Duration `envconfig:"BILLING_PROVIDER_TIMEOUT" default:"20s"`
	ProviderBaseURL     string        `envconfig:"BILLING_PROVIDER_BASE_URL"` // override for testing
	ApplyRetryLimit     int           `envconfig:"BILLING_APPLY_RETRY_LIMIT" default:"5"`
	LedgerRetentionDays int           `envconfig:"BILLING_LEDGER_RETENTION_DAYS" default:"30"`
}

// CacheConfig holds settings for the response-cache invalidator collaborator.
type CacheConfig struct {
	RedisURL SecretString `envconfig:"REDIS_URL"`
	// KeyPrefix namespaces the cached subscription-dependent views owned by
	// the host application.
	KeyPrefix string        `envconfig:"CACHE_KEY_PREFIX" default:"subsync:view"`
	Timeout   time.Duration `envconfig:"CACHE_INVALIDATE_TIMEOUT" default:"500ms"`
}

// QueueConfig holds the SQS queue for parked reconciliation events.
type QueueConfig struct {
	ParkedQueueURL string `envconfig:"SQS_PARKED_EVENTS"`
	AWSRegion      string `envconfig:"AWS_REGION" default:"us-east-1"`
	// LocalStack support (empty in prod)
	AWSEndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// MetricsConfig holds telemetry settings.
type MetricsConfig struct {
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"SubSync"`
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"true"`
}
