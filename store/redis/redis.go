/*
Package redis provides a Redis-backed CounterStore.

PURPOSE:
  Moves the hot counter path (daily caps, task progress, event dedup) off
  the primary database. INCR is atomic and the TTL is native, so buckets
  expire without a janitor sweep.

KEY LAYOUT:
  counter:{scope}:{scopeID}:{key}:{bucket} -> integer count

  The TTL is set only when the key is created (NX), so the bucket keeps
  the expiry of its first increment.

SEE ALSO:
  - ledger/store.go: CounterStore definition
  - ledger/ratelimit.go: The limiter running on top of this
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/coin-ledger/ledger"
)

// Counters implements ledger.CounterStore on a Redis instance.
type Counters struct {
	client *redis.Client
}

var _ ledger.CounterStore = (*Counters)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Counters, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return &Counters{client: client}, nil
}

// NewFromClient wraps an existing client. Test hook.
func NewFromClient(client *redis.Client) *Counters {
	return &Counters{client: client}
}

// Close releases the client.
func (c *Counters) Close() error {
	return c.client.Close()
}

func counterKey(scope, scopeID, key, bucket string) string {
	return fmt.Sprintf("counter:%s:%s:%s:%s", scope, scopeID, key, bucket)
}

func (c *Counters) IncrementCounter(ctx context.Context, scope, scopeID, key, bucket string, ttl time.Duration) (int64, error) {
	k := counterKey(scope, scopeID, key, bucket)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return incr.Val(), nil
}

func (c *Counters) GetCounter(ctx context.Context, scope, scopeID, key, bucket string) (int64, error) {
	count, err := c.client.Get(ctx, counterKey(scope, scopeID, key, bucket)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return count, nil
}

// PurgeExpiredCounters is a no-op: Redis expires keys natively.
func (c *Counters) PurgeExpiredCounters(context.Context, time.Time) (int64, error) {
	return 0, nil
}
