package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/scheduler"
)

type stubPurger struct {
	count int
	err   error
}

func (s *stubPurger) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return s.count, s.err
}

func newTestHandler(purger *stubPurger) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Handler{
		cleanup: scheduler.NewCleanupService(purger, 30*24*time.Hour, logger),
		logger:  logger,
	}
}

func TestHandle_ReportsPurgedCount(t *testing.T) {
	h := newTestHandler(&stubPurger{count: 17})

	result, err := h.Handle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Result{LedgerEntriesPurged: 17}, result)
}

func TestHandle_SurfacesPurgeFailure(t *testing.T) {
	h := newTestHandler(&stubPurger{err: errors.New("connection reset")})

	_, err := h.Handle(context.Background())

	require.Error(t, err)
	assert.ErrorContains(t, err, "purging expired ledger entries")
}
