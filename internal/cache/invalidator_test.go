package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvalidator(t *testing.T) (*RedisInvalidator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisInvalidator(client, "subsync:view", time.Second, nil), mr
}

func TestRedisInvalidator_Invalidate(t *testing.T) {
	inv, mr := newTestInvalidator(t)

	require.NoError(t, mr.Set("subsync:view:acct_1:subscription", "{}"))
	require.NoError(t, mr.Set("subsync:view:acct_1:entitlements", "{}"))
	require.NoError(t, mr.Set("subsync:view:acct_2:subscription", "{}"))

	err := inv.Invalidate(context.Background(), "acct_1")
	require.NoError(t, err)

	assert.False(t, mr.Exists("subsync:view:acct_1:subscription"))
	assert.False(t, mr.Exists("subsync:view:acct_1:entitlements"))
	assert.True(t, mr.Exists("subsync:view:acct_2:subscription"), "other accounts must be untouched")
}

func TestRedisInvalidator_Invalidate_NoKeys(t *testing.T) {
	inv, _ := newTestInvalidator(t)

	err := inv.Invalidate(context.Background(), "acct_empty")
	require.NoError(t, err)
}

func TestRedisInvalidator_Invalidate_ManyKeys(t *testing.T) {
	inv, mr := newTestInvalidator(t)

	// Spill past the 100-key delete batch.
	for i := 0; i < 250; i++ {
		require.NoError(t, mr.Set("subsync:view:acct_1:view"+string(rune('a'+i%26))+string(rune('a'+i/26)), "{}"))
	}

	err := inv.Invalidate(context.Background(), "acct_1")
	require.NoError(t, err)

	for _, key := range mr.Keys() {
		assert.NotContains(t, key, "acct_1")
	}
}

func TestNoopInvalidator(t *testing.T) {
	assert.NoError(t, NoopInvalidator{}.Invalidate(context.Background(), "acct_1"))
}
