package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/ledger/store"
)

// flakyAtomicStore fails WithAtomic with a transient conflict a fixed number
// of times before succeeding.
type flakyAtomicStore struct {
	*store.Memory
	failures int
	calls    int
}

func (f *flakyAtomicStore) WithAtomic(_ context.Context, fn func(ledger.Store) error) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("serialization failure: %w", ledger.ErrTransientConflict)
	}
	return fn(f.Memory)
}

// unsupportedAtomicStore advertises AtomicStore but reports the capability as
// unavailable at runtime, like a transactional backend behind a pooler.
type unsupportedAtomicStore struct {
	*store.Memory
	withAtomicCalls int
}

func (u *unsupportedAtomicStore) WithAtomic(_ context.Context, _ func(ledger.Store) error) error {
	u.withAtomicCalls++
	return ledger.ErrAtomicityUnsupported
}

func TestCoordinator_PlainStoreRunsWithoutWrapper(t *testing.T) {
	// GIVEN: a store with no AtomicStore capability
	// THEN: the unit of work still runs (degraded, per-op atomicity only)

	coord := ledger.NewCoordinator(store.NewMemory())

	ran := false
	err := coord.Execute(context.Background(), func(s ledger.Store) error {
		ran = true
		_, err := s.EnsureWallet(context.Background(), "u1")
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCoordinator_AtomicRollbackOnError(t *testing.T) {
	// GIVEN: a transactional store
	// WHEN: the unit of work applies a delta then fails
	// THEN: nothing is persisted

	ctx := context.Background()
	mem := store.NewTxMemory()
	coord := ledger.NewCoordinator(mem)

	boom := errors.New("boom")
	err := coord.Execute(ctx, func(s ledger.Store) error {
		if _, err := ledger.NewLedger(s).ApplyDelta(ctx, earn("u1", 10, "k1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = mem.GetWallet(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)

	tx, err := mem.FindTransactionByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestCoordinator_RetriesTransientConflict(t *testing.T) {
	flaky := &flakyAtomicStore{Memory: store.NewMemory(), failures: 2}
	coord := ledger.NewCoordinator(flaky).WithMaxAttempts(3).WithBackoff(time.Millisecond)

	ran := 0
	err := coord.Execute(context.Background(), func(ledger.Store) error {
		ran++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, ran)
}

func TestCoordinator_ExhaustedRetriesPropagate(t *testing.T) {
	flaky := &flakyAtomicStore{Memory: store.NewMemory(), failures: 10}
	coord := ledger.NewCoordinator(flaky).WithMaxAttempts(3).WithBackoff(time.Millisecond)

	err := coord.Execute(context.Background(), func(ledger.Store) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrTransientConflict)
	assert.Equal(t, 3, flaky.calls)
}

func TestCoordinator_UnsupportedAtomicityFallsBack(t *testing.T) {
	// GIVEN: a store that reports ErrAtomicityUnsupported at runtime
	// THEN: the work re-runs without the wrapper and succeeds

	ctx := context.Background()
	unsupported := &unsupportedAtomicStore{Memory: store.NewMemory()}
	coord := ledger.NewCoordinator(unsupported)

	var res ledger.Result
	err := coord.Execute(ctx, func(s ledger.Store) error {
		var applyErr error
		res, applyErr = ledger.NewLedger(s).ApplyDelta(ctx, earn("u1", 10, "k1"))
		return applyErr
	})
	require.NoError(t, err)
	assert.Equal(t, 1, unsupported.withAtomicCalls)
	assert.Equal(t, ledger.OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(10), res.Balance)
}

func TestCoordinator_DomainOutcomesAreNotRetried(t *testing.T) {
	// Insufficient funds is a Result value, not an error: the envelope
	// commits it and never retries.

	ctx := context.Background()
	mem := store.NewTxMemory()
	coord := ledger.NewCoordinator(mem)

	runs := 0
	var res ledger.Result
	err := coord.Execute(ctx, func(s ledger.Store) error {
		runs++
		var applyErr error
		res, applyErr = ledger.NewLedger(s).ApplyDelta(ctx, spend("u1", -10, "k2"))
		return applyErr
	})
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	assert.Equal(t, ledger.OutcomeInsufficientFunds, res.Outcome)

	// The attempt row survives the commit.
	tx, err := mem.FindTransactionByIdempotencyKey(ctx, "k2")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, int64(-10), tx.Delta)
}

func TestCoordinator_CancelledContextStopsRetries(t *testing.T) {
	flaky := &flakyAtomicStore{Memory: store.NewMemory(), failures: 10}
	coord := ledger.NewCoordinator(flaky).WithMaxAttempts(5).WithBackoff(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := coord.Execute(ctx, func(ledger.Store) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
