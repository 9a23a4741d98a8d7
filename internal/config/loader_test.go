package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://subsync:pw@localhost:5432/subsync")
	t.Setenv("BILLING_SECRET_KEY", "sk_test_123")
	t.Setenv("BILLING_WEBHOOK_SECRET", "whsec_test")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "subsync", cfg.Service)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.WebhookBudget)
	assert.Equal(t, 10, cfg.Database.MaxConns)
	assert.Equal(t, 5, cfg.Billing.ApplyRetryLimit)
	assert.Equal(t, 30, cfg.Billing.LedgerRetentionDays)
	assert.Equal(t, "subsync:view", cfg.Cache.KeyPrefix)
	assert.Equal(t, "us-east-1", cfg.Queue.AWSRegion)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("BILLING_APPLY_RETRY_LIMIT", "8")
	t.Setenv("WEBHOOK_BUDGET", "2s")
	t.Setenv("DASHBOARD_URL", "https://dashboard.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, 8, cfg.Billing.ApplyRetryLimit)
	assert.Equal(t, 2*time.Second, cfg.Server.WebhookBudget)
	assert.Equal(t, "https://dashboard.example.com", cfg.Server.DashboardURL)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	t.Setenv("BILLING_SECRET_KEY", "sk_test_123")
	t.Setenv("BILLING_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrValidation, cfgErr.Type)
}

func TestLoadConfig_InvalidEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "qa")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrValidation, cfgErr.Type)
}

func TestLoadConfig_UnparsableValue(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_MAX_CONNS", "plenty")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrParsing, cfgErr.Type)
}

func TestLoadConfig_SecretsAreRedacted(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "***REDACTED***", cfg.Database.URL.String())
	assert.Equal(t, "sk_test_123", cfg.Billing.ProviderSecretKey.Unmask())
}
