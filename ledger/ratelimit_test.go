package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/ledger/store"
)

func TestRateLimiter_MonotonicUntilLimit(t *testing.T) {
	// GIVEN: limit 5
	// WHEN: 6 sequential increments
	// THEN: calls 1-5 succeed with count == N; call 6 reports the limit,
	//       and the persisted count overshoots to 6

	ctx := context.Background()
	limiter := ledger.NewRateLimiter(store.NewMemory(), 0)
	day := ledger.DayKey("2025-03-10")

	for n := int64(1); n <= 5; n++ {
		count, err := limiter.IncrementDaily(ctx, "earn", "u1", "message", day, 5)
		require.NoError(t, err)
		assert.Equal(t, n, count)
	}

	count, err := limiter.IncrementDaily(ctx, "earn", "u1", "message", day, 5)
	assert.ErrorIs(t, err, ledger.ErrDailyLimitReached)
	assert.Equal(t, int64(6), count)

	var limitErr *ledger.DailyLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, int64(6), limitErr.Count)
	assert.Equal(t, int64(5), limitErr.Limit)
}

func TestRateLimiter_BucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := ledger.NewRateLimiter(store.NewMemory(), 0)

	day := ledger.DayKey("2025-03-10")
	next := day.Next()

	for i := 0; i < 3; i++ {
		_, err := limiter.IncrementDaily(ctx, "earn", "u1", "message", day, 3)
		require.NoError(t, err)
	}
	_, err := limiter.IncrementDaily(ctx, "earn", "u1", "message", day, 3)
	assert.ErrorIs(t, err, ledger.ErrDailyLimitReached)

	// A new day, another user, and another key all start fresh.
	count, err := limiter.IncrementDaily(ctx, "earn", "u1", "message", next, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = limiter.IncrementDaily(ctx, "earn", "u2", "message", day, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = limiter.IncrementDaily(ctx, "earn", "u1", "call", day, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRateLimiter_ZeroLimitMeansUncapped(t *testing.T) {
	ctx := context.Background()
	limiter := ledger.NewRateLimiter(store.NewMemory(), 0)

	for i := 0; i < 10; i++ {
		_, err := limiter.Increment(ctx, "progress", "u1", "task-1", "2025-03-10")
		require.NoError(t, err)
	}
	count, err := limiter.Count(ctx, "progress", "u1", "task-1", "2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
}

func TestRateLimiter_MarkOnce(t *testing.T) {
	ctx := context.Background()
	limiter := ledger.NewRateLimiter(store.NewMemory(), 0)

	first, err := limiter.MarkOnce(ctx, "dedupe", "u1", "earn:message", "evt-42")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := limiter.MarkOnce(ctx, "dedupe", "u1", "earn:message", "evt-42")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := limiter.MarkOnce(ctx, "dedupe", "u1", "earn:message", "evt-43")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestCounterStore_ExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	base := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	now := base
	mem.SetClock(func() time.Time { return now })

	limiter := ledger.NewRateLimiter(mem, time.Hour)
	_, err := limiter.IncrementDaily(ctx, "earn", "u1", "message", "2025-03-10", 5)
	require.NoError(t, err)

	// Still alive within the retention window.
	count, err := limiter.Count(ctx, "earn", "u1", "message", "2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// After expiry the bucket reads as zero and the janitor can purge it.
	now = base.Add(2 * time.Hour)
	count, err = limiter.Count(ctx, "earn", "u1", "message", "2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	purged, err := mem.PurgeExpiredCounters(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestDayKey_Math(t *testing.T) {
	at := time.Date(2025, time.March, 10, 23, 59, 0, 0, time.UTC)
	day := ledger.DayKeyAt(at)
	assert.Equal(t, ledger.DayKey("2025-03-10"), day)
	assert.Equal(t, ledger.DayKey("2025-03-11"), day.Next())
	assert.Equal(t, ledger.DayKey("2025-03-09"), day.Prev())

	// Month and year boundaries.
	assert.Equal(t, ledger.DayKey("2025-04-01"), ledger.DayKey("2025-03-31").Next())
	assert.Equal(t, ledger.DayKey("2024-12-31"), ledger.DayKey("2025-01-01").Prev())

	// Day keys are UTC: an instant late in a western timezone maps to the
	// UTC day.
	tz := time.FixedZone("UTC-8", -8*3600)
	assert.Equal(t, ledger.DayKey("2025-03-11"), ledger.DayKeyAt(time.Date(2025, time.March, 10, 20, 0, 0, 0, tz)))
}
