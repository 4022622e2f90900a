package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger() (*ledger.Ledger, *store.Memory) {
	s := store.NewMemory()
	return ledger.NewLedger(s), s
}

func earn(user string, delta int64, key string) ledger.ApplyInput {
	return ledger.ApplyInput{
		UserID:         ledger.UserID(user),
		Delta:          delta,
		Reason:         ledger.ReasonEarnDailyLogin,
		IdempotencyKey: key,
	}
}

func spend(user string, delta int64, key string) ledger.ApplyInput {
	return ledger.ApplyInput{
		UserID:         ledger.UserID(user),
		Delta:          delta,
		Reason:         ledger.ReasonSpendShop,
		IdempotencyKey: key,
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestApplyDelta_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	cases := []struct {
		name string
		in   ledger.ApplyInput
	}{
		{"zero delta", ledger.ApplyInput{UserID: "u1", Delta: 0, Reason: "earn:x", IdempotencyKey: "k"}},
		{"empty reason", ledger.ApplyInput{UserID: "u1", Delta: 1, Reason: "", IdempotencyKey: "k"}},
		{"bad reason namespace", ledger.ApplyInput{UserID: "u1", Delta: 1, Reason: "bonus", IdempotencyKey: "k"}},
		{"missing idempotency key", ledger.ApplyInput{UserID: "u1", Delta: 1, Reason: "earn:x"}},
		{"empty user", ledger.ApplyInput{Delta: 1, Reason: "earn:x", IdempotencyKey: "k"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.ApplyDelta(ctx, tc.in)
			assert.ErrorIs(t, err, ledger.ErrInvalidInput)
		})
	}

	// No wallet or transaction should exist after rejected input.
	_, err := l.History(ctx, "u1", 10)
	require.NoError(t, err)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestApplyDelta_EarnThenExactRetry(t *testing.T) {
	// GIVEN: wallet starts at 0
	// WHEN: +10 with key "k1" is applied twice
	// THEN: balance is 10 both times; second call reports idempotent

	ctx := context.Background()
	l, _ := newTestLedger()

	first, err := l.ApplyDelta(ctx, earn("u1", 10, "k1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, first.Outcome)
	assert.Equal(t, int64(10), first.Balance)
	assert.False(t, first.Idempotent)
	assert.NotEmpty(t, first.TransactionID)

	second, err := l.ApplyDelta(ctx, earn("u1", 10, "k1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, int64(10), second.Balance)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	// Only one transaction row exists.
	history, err := l.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApplyDelta_ConcurrentSameKey_AppliesOnce(t *testing.T) {
	// GIVEN: 20 goroutines racing the same idempotency key
	// THEN: exactly one applies; everyone else observes the duplicate

	ctx := context.Background()
	l, _ := newTestLedger()

	const workers = 20
	results := make([]ledger.Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.ApplyDelta(ctx, earn("u1", 5, "race-key"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	applied := 0
	for _, res := range results {
		if res.Outcome == ledger.OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, ledger.OutcomeDuplicate, res.Outcome)
		}
	}
	assert.Equal(t, 1, applied)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

// =============================================================================
// DEDUPE KEY EXCLUSIVITY
// =============================================================================

func TestApplyDelta_DedupeKeyBlocksSecondIdempotencyKey(t *testing.T) {
	// GIVEN: a transaction with dedupe key "daily_login:2025-03-10"
	// WHEN: a different idempotency key targets the same dedupe key
	// THEN: no second delta is applied

	ctx := context.Background()
	l, _ := newTestLedger()

	in1 := earn("u1", 10, "attempt-1")
	in1.DedupeKey = "daily_login:2025-03-10"
	first, err := l.ApplyDelta(ctx, in1)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, first.Outcome)

	in2 := earn("u1", 10, "attempt-2")
	in2.DedupeKey = "daily_login:2025-03-10"
	second, err := l.ApplyDelta(ctx, in2)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeDuplicate, second.Outcome)
	assert.True(t, second.Idempotent)
	assert.Equal(t, int64(10), second.Balance)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	// The same dedupe key on a DIFFERENT user is independent.
	in3 := earn("u2", 10, "attempt-3")
	in3.DedupeKey = "daily_login:2025-03-10"
	third, err := l.ApplyDelta(ctx, in3)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, third.Outcome)
}

// =============================================================================
// NON-NEGATIVITY
// =============================================================================

func TestApplyDelta_SpendBeyondBalanceRejected(t *testing.T) {
	// GIVEN: wallet at 5
	// WHEN: spending 10
	// THEN: InsufficientFunds outcome, balance stays 5, attempt row remains

	ctx := context.Background()
	l, _ := newTestLedger()

	_, err := l.ApplyDelta(ctx, earn("u1", 5, "seed"))
	require.NoError(t, err)

	res, err := l.ApplyDelta(ctx, spend("u1", -10, "k2"))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeInsufficientFunds, res.Outcome)
	assert.Equal(t, int64(5), res.Balance)
	assert.False(t, res.Idempotent)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	// The attempt is recorded even though the wallet is unchanged.
	history, err := l.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestApplyDelta_ConcurrentSpends_ExactlyOneWins(t *testing.T) {
	// GIVEN: wallet at 5, two concurrent -5 spends with distinct keys
	// THEN: exactly one applies (balance 0), the other is rejected

	ctx := context.Background()
	l, _ := newTestLedger()

	_, err := l.ApplyDelta(ctx, earn("u1", 5, "seed"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]ledger.Result, 2)
	errs := make([]error, 2)
	for i, key := range []string{"k3a", "k3b"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i], errs[i] = l.ApplyDelta(ctx, spend("u1", -5, key))
		}(i, key)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	outcomes := map[ledger.Outcome]int{}
	for _, res := range results {
		outcomes[res.Outcome]++
	}
	assert.Equal(t, 1, outcomes[ledger.OutcomeApplied])
	assert.Equal(t, 1, outcomes[ledger.OutcomeInsufficientFunds])

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestApplyDelta_ManyConcurrentSpends_NeverOverspend(t *testing.T) {
	// GIVEN: wallet at 50, 30 concurrent -10 spends
	// THEN: at most 5 apply; accepted spends never exceed the balance

	ctx := context.Background()
	l, _ := newTestLedger()

	_, err := l.ApplyDelta(ctx, earn("u1", 50, "seed"))
	require.NoError(t, err)

	const workers = 30
	results := make([]ledger.Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.ApplyDelta(ctx, spend("u1", -10, fmt.Sprintf("spend-%d", i)))
		}(i)
	}
	wg.Wait()

	accepted := int64(0)
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Outcome == ledger.OutcomeApplied {
			accepted += 10
		}
	}
	assert.Equal(t, int64(50), accepted)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

// =============================================================================
// WALLET LIFECYCLE
// =============================================================================

func TestEnsureWallet_ConcurrentFirstTouch(t *testing.T) {
	ctx := context.Background()
	_, s := newTestLedger()

	const workers = 10
	wallets := make([]ledger.Wallet, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wallets[i], errs[i] = s.EnsureWallet(ctx, "u1")
		}(i)
	}
	wg.Wait()

	for i := range wallets {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(0), wallets[i].Balance)
		assert.Equal(t, ledger.WalletActive, wallets[i].Status)
	}

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
}

func TestGetWallet_Unknown(t *testing.T) {
	_, s := newTestLedger()
	_, err := s.GetWallet(context.Background(), "nobody")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestHistory_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	for i := 0; i < 5; i++ {
		_, err := l.ApplyDelta(ctx, earn("u1", 1, fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	history, err := l.History(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].CreatedAt.After(history[i-1].CreatedAt))
	}
}
