package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/engine"
	"github.com/warp/coin-ledger/ledger"
)

// driveProgress pushes enough events through the tracker to complete taskID.
func driveProgress(t *testing.T, fx *fixture, userID ledger.UserID, eventKey string, n int, dayStr string) {
	t.Helper()
	p := engine.NewProgress(fx.limiter, fx.catalog, 0)
	for i := 0; i < n; i++ {
		res, err := p.Track(context.Background(),
			engine.Event{UserID: userID, EventKey: eventKey, EventID: fmt.Sprintf("%s-%s-%d", eventKey, dayStr, i)},
			day(dayStr))
		require.NoError(t, err)
		require.Equal(t, engine.TrackAccepted, res.Status)
	}
}

func TestTasks_UnknownTask(t *testing.T) {
	fx := newFixture(t)
	tasks := engine.NewTasks(fx.coord, fx.limiter, fx.catalog)

	_, err := tasks.Claim(context.Background(), "u1", "task_nope", day("2025-03-10"))
	assert.ErrorIs(t, err, engine.ErrUnknownTask)
}

func TestTasks_IncompleteClaimRejected(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	tasks := engine.NewTasks(fx.coord, fx.limiter, fx.catalog)

	driveProgress(t, fx, "u1", "call", 2, "2025-03-10") // task_caller needs 3

	res, err := tasks.Claim(ctx, "u1", "task_caller", day("2025-03-10"))
	assert.ErrorIs(t, err, engine.ErrTaskIncomplete)
	assert.Equal(t, int64(2), res.Progress)
	assert.Equal(t, int64(3), res.Target)

	// No attempt row: an incomplete claim never reaches the ledger.
	_, err = fx.store.GetWallet(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestTasks_CompletedClaimPaysOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	tasks := engine.NewTasks(fx.coord, fx.limiter, fx.catalog)

	driveProgress(t, fx, "u1", "call", 3, "2025-03-10")

	first, err := tasks.Claim(ctx, "u1", "task_caller", day("2025-03-10"))
	require.NoError(t, err)
	assert.True(t, first.Claimed)
	assert.Equal(t, int64(30), first.Reward)
	assert.Equal(t, int64(30), first.Balance)

	second, err := tasks.Claim(ctx, "u1", "task_caller", day("2025-03-10"))
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.True(t, second.AlreadyClaimed)
	assert.Equal(t, int64(30), second.Balance)

	history, err := fx.store.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTasks_ClaimableAgainNextDay(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	tasks := engine.NewTasks(fx.coord, fx.limiter, fx.catalog)

	driveProgress(t, fx, "u1", "call", 3, "2025-03-10")
	first, err := tasks.Claim(ctx, "u1", "task_caller", day("2025-03-10"))
	require.NoError(t, err)
	require.True(t, first.Claimed)

	// Progress resets with the calendar day.
	_, err = tasks.Claim(ctx, "u1", "task_caller", day("2025-03-11"))
	assert.ErrorIs(t, err, engine.ErrTaskIncomplete)

	driveProgress(t, fx, "u1", "call", 3, "2025-03-11")
	next, err := tasks.Claim(ctx, "u1", "task_caller", day("2025-03-11"))
	require.NoError(t, err)
	assert.True(t, next.Claimed)
	assert.Equal(t, int64(60), next.Balance)
}

func TestTasks_ProgressIsPerUser(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	tasks := engine.NewTasks(fx.coord, fx.limiter, fx.catalog)

	driveProgress(t, fx, "u1", "call", 3, "2025-03-10")

	_, err := tasks.Claim(ctx, "u2", "task_caller", day("2025-03-10"))
	assert.ErrorIs(t, err, engine.ErrTaskIncomplete)
}
