package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPurger struct {
	cutoff time.Time
	count  int
	err    error
}

func (p *stubPurger) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	p.cutoff = cutoff
	if p.err != nil {
		return 0, p.err
	}
	return p.count, nil
}

func TestCleanupService_PurgeExpiredLedgerEntries(t *testing.T) {
	purger := &stubPurger{count: 17}
	svc := NewCleanupService(purger, 30*24*time.Hour, nil)

	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	count, err := svc.PurgeExpiredLedgerEntries(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 17, count)
	assert.Equal(t, now.Add(-30*24*time.Hour), purger.cutoff)
}

func TestCleanupService_DefaultRetention(t *testing.T) {
	purger := &stubPurger{}
	svc := NewCleanupService(purger, 0, nil)

	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	_, err := svc.PurgeExpiredLedgerEntries(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*24*time.Hour), purger.cutoff)
}

func TestCleanupService_PurgeFailure(t *testing.T) {
	purger := &stubPurger{err: errors.New("db down")}
	svc := NewCleanupService(purger, time.Hour, nil)

	_, err := svc.PurgeExpiredLedgerEntries(context.Background(), time.Now().UTC())
	require.Error(t, err)
	assert.ErrorContains(t, err, "purging expired ledger entries")
}
