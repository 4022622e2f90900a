/*
coordinator.go - Retryable, best-effort-atomic unit-of-work envelope

PURPOSE:
  Wraps one or more Store calls in a multi-statement atomic context when the
  backend supports it, retries transient conflicts, and degrades gracefully
  (logged, never silent) when atomic execution is unavailable.

DEGRADATION:
  Two signals trigger the non-atomic fallback:
  - the configured store does not implement AtomicStore at all, or
  - WithAtomic reports ErrAtomicityUnsupported at runtime (topology-
    dependent backends).
  In either case the unit of work re-runs without the wrapper. Each
  individual store operation still provides its own atomicity; only
  cross-collection atomicity is lost. The fallback is logged at warning
  level once per process.

RETRIES:
  Only ErrTransientConflict is retried, with a short linear backoff and a
  fixed attempt bound. Retries are safe because ApplyDelta is idempotent
  per idempotency key. Domain outcomes are values, not errors, so they are
  never retried. On exhaustion the conflict propagates to the caller.
*/
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 25 * time.Millisecond
)

// Coordinator executes units of work against a Store.
type Coordinator struct {
	store       Store
	maxAttempts int
	backoff     time.Duration

	warnOnce sync.Once
}

func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// WithMaxAttempts overrides the retry bound (minimum 1).
func (c *Coordinator) WithMaxAttempts(n int) *Coordinator {
	if n < 1 {
		n = 1
	}
	c.maxAttempts = n
	return c
}

// WithBackoff overrides the per-attempt backoff.
func (c *Coordinator) WithBackoff(d time.Duration) *Coordinator {
	c.backoff = d
	return c
}

// Store exposes the underlying store for direct single-operation reads.
func (c *Coordinator) Store() Store {
	return c.store
}

// Execute runs fn inside an atomic context when available, retrying
// transient conflicts with the same inputs.
func (c *Coordinator) Execute(ctx context.Context, fn func(Store) error) error {
	atomic, ok := c.store.(AtomicStore)
	if !ok {
		c.warnFallback("store does not implement atomic execution")
		return c.retry(ctx, func() error { return fn(c.store) })
	}

	err := c.retry(ctx, func() error { return atomic.WithAtomic(ctx, fn) })
	if errors.Is(err, ErrAtomicityUnsupported) {
		c.warnFallback("store reports atomic execution unsupported in this topology")
		return c.retry(ctx, func() error { return fn(c.store) })
	}
	return err
}

func (c *Coordinator) retry(ctx context.Context, attempt func() error) error {
	var err error
	for i := 1; i <= c.maxAttempts; i++ {
		err = attempt()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if i == c.maxAttempts {
			break
		}
		log.WithFields(log.Fields{
			"attempt": i,
			"max":     c.maxAttempts,
		}).Debug("transient store conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * c.backoff):
		}
	}
	return err
}

func (c *Coordinator) warnFallback(why string) {
	c.warnOnce.Do(func() {
		log.WithField("reason", why).
			Warn("degrading to non-atomic execution; per-operation atomicity still holds")
	})
}
