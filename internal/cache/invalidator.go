// Package cache notifies the response cache that subscription-dependent
// views for an account must be dropped. Invalidation is best effort: the
// reconciler never blocks or fails a transition on it.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Invalidator drops cached views for an account.
type Invalidator interface {
	Invalidate(ctx context.Context, accountID string) error
}

// RedisInvalidator removes every cached view keyed under the account from a
// shared Redis. The response cache itself is owned by the host application;
// this side only knows the key layout.
type RedisInvalidator struct {
	client    redis.UniversalClient
	keyPrefix string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRedisInvalidator creates an invalidator over the given Redis client.
// keyPrefix is the cache's namespace, e.g. "subsync:view".
func NewRedisInvalidator(client redis.UniversalClient, keyPrefix string, timeout time.Duration, logger *slog.Logger) *RedisInvalidator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisInvalidator{
		client:    client,
		keyPrefix: keyPrefix,
		timeout:   timeout,
		logger:    logger,
	}
}

// Invalidate deletes all cached views for the account. Keys are discovered
// with SCAN rather than KEYS to avoid blocking the Redis event loop on large
// keyspaces.
func (r *RedisInvalidator) Invalidate(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pattern := fmt.Sprintf("%s:%s:*", r.keyPrefix, accountID)

	var deleted int64
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	keys := make([]string, 0, 16)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("cache: failed to delete keys for account %s: %w", accountID, err)
			}
			deleted += n
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan failed for account %s: %w", accountID, err)
	}
	if len(keys) > 0 {
		n, err := r.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("cache: failed to delete keys for account %s: %w", accountID, err)
		}
		deleted += n
	}

	if deleted > 0 {
		r.logger.DebugContext(ctx, "invalidated cached views",
			slog.String("account_id", accountID),
			slog.Int64("keys", deleted),
		)
	}
	return nil
}

// NoopInvalidator satisfies Invalidator for deployments without a response
// cache.
type NoopInvalidator struct{}

func (NoopInvalidator) Invalidate(context.Context, string) error { return nil }
