package main

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := newLogger(tt.level)
			require.NotNil(t, logger)
			assert.True(t, logger.Enabled(nil, tt.want))
			if tt.want > slog.LevelDebug {
				assert.False(t, logger.Enabled(nil, tt.want-4))
			}
		})
	}
}

func TestHeaderAccountResolver(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/billing/subscription", nil)
	r.Header.Set("X-Account-Id", "acct_42")

	accountID, err := headerAccountResolver{}.ResolveAccount(r)
	require.NoError(t, err)
	assert.Equal(t, "acct_42", accountID)
}

func TestHeaderAccountResolver_MissingHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/billing/subscription", nil)

	_, err := headerAccountResolver{}.ResolveAccount(r)
	require.Error(t, err)

	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeValidationFailed, appErr.Code)
}
