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

// fund credits the user directly through the ledger.
func fund(t *testing.T, fx *fixture, userID ledger.UserID, amount int64) {
	t.Helper()
	_, err := ledger.NewLedger(fx.store).ApplyDelta(context.Background(), ledger.ApplyInput{
		UserID:         userID,
		Delta:          amount,
		Reason:         ledger.ReasonAdminGrant,
		IdempotencyKey: fmt.Sprintf("fund:%s:%d", userID, amount),
	})
	require.NoError(t, err)
}

func TestShop_Purchase(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	shop := engine.NewShop(fx.coord, fx.store, fx.catalog)

	fund(t, fx, "u1", 200)

	res, err := shop.Purchase(ctx, "u1", "item_badge_star", "")
	require.NoError(t, err)
	assert.True(t, res.Purchased)
	assert.Equal(t, int64(120), res.Price)
	assert.Equal(t, int64(80), res.Balance)

	owned, err := shop.Owns(ctx, "u1", "item_badge_star")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestShop_InsufficientFundsRejected(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	shop := engine.NewShop(fx.coord, fx.store, fx.catalog)

	fund(t, fx, "u1", 100)

	res, err := shop.Purchase(ctx, "u1", "item_badge_star", "")
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.False(t, res.Purchased)

	// Balance untouched, no ownership, but the rejected attempt is on record.
	w, err := fx.store.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Balance)

	owned, err := shop.Owns(ctx, "u1", "item_badge_star")
	require.NoError(t, err)
	assert.False(t, owned)

	history, err := fx.store.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2) // funding + rejected attempt
}

func TestShop_DoublePurchaseIsOwnedNotCharged(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	shop := engine.NewShop(fx.coord, fx.store, fx.catalog)

	fund(t, fx, "u1", 500)

	first, err := shop.Purchase(ctx, "u1", "item_theme_night", "")
	require.NoError(t, err)
	require.True(t, first.Purchased)

	second, err := shop.Purchase(ctx, "u1", "item_theme_night", "")
	require.NoError(t, err)
	assert.True(t, second.AlreadyOwned)
	assert.False(t, second.Purchased)
	assert.Equal(t, first.Balance, second.Balance)
}

func TestShop_RetryWithSameKeyChargesOnce(t *testing.T) {
	// GIVEN: a purchase with an explicit idempotency key
	// WHEN: the exact request is retried
	// THEN: the user keeps the item and is charged exactly once

	ctx := context.Background()
	fx := newFixture(t)
	shop := engine.NewShop(fx.coord, fx.store, fx.catalog)

	fund(t, fx, "u1", 500)

	first, err := shop.Purchase(ctx, "u1", "item_frame_gold", "req-42")
	require.NoError(t, err)
	require.True(t, first.Purchased)

	second, err := shop.Purchase(ctx, "u1", "item_frame_gold", "req-42")
	require.NoError(t, err)
	assert.True(t, second.AlreadyOwned)
	assert.Equal(t, int64(0), second.Balance)

	history, err := fx.store.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2) // funding + one spend
}

func TestShop_RetryAfterRejectedAttemptCharges(t *testing.T) {
	// GIVEN: a purchase rejected for insufficient funds
	// WHEN: the user tops up and buys again
	// THEN: the retry is charged and grants the item; the recorded rejection
	//       never resolves into a free purchase

	ctx := context.Background()
	fx := newFixture(t)
	shop := engine.NewShop(fx.coord, fx.store, fx.catalog)

	fund(t, fx, "u1", 100)
	first, err := shop.Purchase(ctx, "u1", "item_badge_star", "")
	require.NoError(t, err)
	require.True(t, first.Rejected)

	fund(t, fx, "u1", 50)
	second, err := shop.Purchase(ctx, "u1", "item_badge_star", "")
	require.NoError(t, err)
	assert.True(t, second.Purchased)
	assert.False(t, second.AlreadyOwned)
	assert.Equal(t, int64(30), second.Balance)

	owned, err := shop.Owns(ctx, "u1", "item_badge_star")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestShop_SameKeyRetryAfterRejectionStaysRejected(t *testing.T) {
	// A caller-supplied key whose attempt was rejected keeps answering
	// "rejected": the recorded attempt never applied, so a replay of that
	// key grants nothing and charges nothing.

	ctx := context.Background()
	fx := newFixture(t)
	shop := engine.NewShop(fx.coord, fx.store, fx.catalog)

	fund(t, fx, "u1", 100)
	first, err := shop.Purchase(ctx, "u1", "item_badge_star", "req-7")
	require.NoError(t, err)
	require.True(t, first.Rejected)

	fund(t, fx, "u1", 50)
	second, err := shop.Purchase(ctx, "u1", "item_badge_star", "req-7")
	require.NoError(t, err)
	assert.True(t, second.Rejected)
	assert.False(t, second.AlreadyOwned)
	assert.False(t, second.Purchased)

	owned, err := shop.Owns(ctx, "u1", "item_badge_star")
	require.NoError(t, err)
	assert.False(t, owned)

	w, err := fx.store.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), w.Balance)
}

func TestShop_UnknownAndDisabledItems(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	shop := engine.NewShop(fx.coord, fx.store, fx.catalog)

	_, err := shop.Purchase(ctx, "u1", "item_nope", "")
	assert.ErrorIs(t, err, engine.ErrItemUnavailable)

	_, err = shop.Purchase(ctx, "u1", "item_legacy_hat", "")
	assert.ErrorIs(t, err, engine.ErrItemUnavailable)
}

func TestShop_OwnershipIsPerUser(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	shop := engine.NewShop(fx.coord, fx.store, fx.catalog)

	fund(t, fx, "u1", 200)
	fund(t, fx, "u2", 200)

	_, err := shop.Purchase(ctx, "u1", "item_theme_night", "")
	require.NoError(t, err)

	res, err := shop.Purchase(ctx, "u2", "item_theme_night", "")
	require.NoError(t, err)
	assert.True(t, res.Purchased)
}
