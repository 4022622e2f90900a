/*
ratelimit.go - Per-scope, per-key, per-day counters

PURPOSE:
  Caps earn events per calendar day and tracks task progress, backed by the
  generic CounterStore. Buckets are created on first increment with a
  future expiry and cleaned up by the janitor (or native TTL on redis)
  regardless of whether the limit was hit.

OVER-LIMIT POLICY:
  The increment is persisted BEFORE the limit check, so the stored count
  records real attempts and may exceed the limit. Clamping would make a
  rejected attempt indistinguishable from one never made. The check is
  count > limit after incrementing, so retries of an over-limit call fail
  deterministically.
*/
package ledger

import (
	"context"
	"time"
)

// DefaultCounterRetention bounds bucket lifetime: two days covers "today"
// plus any stragglers from clock skew across instances.
const DefaultCounterRetention = 48 * time.Hour

// RateLimiter enforces per-day caps over a CounterStore.
type RateLimiter struct {
	counters  CounterStore
	retention time.Duration
}

func NewRateLimiter(counters CounterStore, retention time.Duration) *RateLimiter {
	if retention <= 0 {
		retention = DefaultCounterRetention
	}
	return &RateLimiter{counters: counters, retention: retention}
}

// IncrementDaily increments the (scope, scopeID, key) counter for the given
// day and returns the persisted count. When the post-increment count exceeds
// limit it also returns a DailyLimitError; the increment has already been
// persisted (see over-limit policy above).
func (r *RateLimiter) IncrementDaily(ctx context.Context, scope, scopeID, key string, day DayKey, limit int64) (int64, error) {
	count, err := r.counters.IncrementCounter(ctx, scope, scopeID, key, string(day), r.retention)
	if err != nil {
		return 0, err
	}
	if limit > 0 && count > limit {
		return count, &DailyLimitError{
			Scope:   scope,
			ScopeID: scopeID,
			Key:     key,
			Bucket:  string(day),
			Count:   count,
			Limit:   limit,
		}
	}
	return count, nil
}

// Count reads a counter without incrementing; zero when absent or expired.
func (r *RateLimiter) Count(ctx context.Context, scope, scopeID, key string, day DayKey) (int64, error) {
	return r.counters.GetCounter(ctx, scope, scopeID, key, string(day))
}

// Increment bumps a counter without a limit (progress tracking).
func (r *RateLimiter) Increment(ctx context.Context, scope, scopeID, key string, day DayKey) (int64, error) {
	return r.counters.IncrementCounter(ctx, scope, scopeID, key, string(day), r.retention)
}

// MarkOnce records a one-shot event under bucket and reports whether this
// call was the first. Used for per-event dedup: a re-delivered event sees
// first=false and is ignored.
func (r *RateLimiter) MarkOnce(ctx context.Context, scope, scopeID, key, bucket string) (bool, error) {
	count, err := r.counters.IncrementCounter(ctx, scope, scopeID, key, bucket, r.retention)
	if err != nil {
		return false, err
	}
	return count == 1, nil
}
