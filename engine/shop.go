/*
shop.go - Shop purchases

PURPOSE:
  Spends currency on a catalog item. Each user can own an item at most
  once: ownership is a unique (user, item) record written in the same unit
  of work as the spend, and that record - not ledger key reuse - is what
  makes a purchase once-per-item. An insufficient-funds outcome is a
  purchase rejection, not a system error; the rejected attempt stays on
  record and a later retry starts with a clean key.
*/
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/coin-ledger/ledger"
)

// ErrItemUnavailable is returned for unknown or disabled items.
var ErrItemUnavailable = errors.New("item unavailable")

// Shop spends wallet balance on catalog items.
type Shop struct {
	coord   *ledger.Coordinator
	state   ledger.StateStore
	catalog *Catalog
}

func NewShop(coord *ledger.Coordinator, state ledger.StateStore, catalog *Catalog) *Shop {
	return &Shop{coord: coord, state: state, catalog: catalog}
}

// PurchaseResult reports one purchase attempt. Exactly one of Purchased,
// AlreadyOwned, or Rejected is set.
type PurchaseResult struct {
	Purchased    bool
	AlreadyOwned bool
	Rejected     bool // the spend did not apply (insufficient funds, or a replayed key whose attempt was rejected)
	Price        int64
	Balance      int64
}

// Purchase buys the item for the user. idempotencyKey may be empty, in which
// case a fresh key is derived for this attempt - a rejected attempt's row
// must not shadow the retry after the user tops up, and the ownership
// uniqueness already makes a purchase once-per-item.
func (e *Shop) Purchase(ctx context.Context, userID ledger.UserID, itemID, idempotencyKey string) (PurchaseResult, error) {
	if userID == "" {
		return PurchaseResult{}, fmt.Errorf("%w: empty user id", ledger.ErrInvalidInput)
	}
	item, ok := e.catalog.Item(itemID)
	if !ok || !item.Enabled {
		return PurchaseResult{}, fmt.Errorf("%w: %q", ErrItemUnavailable, itemID)
	}

	owned, err := e.state.OwnsItem(ctx, userID, item.ID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("ownership check: %w", err)
	}
	if owned {
		balance, err := ledger.NewLedger(e.coord.Store()).Balance(ctx, userID)
		if err != nil {
			return PurchaseResult{}, err
		}
		return PurchaseResult{AlreadyOwned: true, Price: item.Price, Balance: balance}, nil
	}

	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("shop:%s:%s:%s", userID, item.ID, ledger.NewTransactionID())
	}

	var res ledger.Result
	err = e.coord.Execute(ctx, func(s ledger.Store) error {
		var applyErr error
		res, applyErr = ledger.NewLedger(s).ApplyDelta(ctx, ledger.ApplyInput{
			UserID:         userID,
			Delta:          -item.Price,
			Reason:         ledger.ReasonSpendShop,
			IdempotencyKey: idempotencyKey,
			Meta:           ledger.Meta{"item_id": item.ID},
		})
		if applyErr != nil {
			return applyErr
		}
		if res.Outcome != ledger.OutcomeApplied {
			return nil
		}

		st, ok := s.(ledger.StateStore)
		if !ok {
			return fmt.Errorf("%w: ownership requires StateStore", ledger.ErrStoreRequired)
		}
		// ErrAlreadyOwned here means a concurrent purchase won the item
		// between the ownership pre-check and this write; propagating it
		// rolls the spend back with the unit of work.
		return st.InsertOwnership(ctx, userID, item.ID)
	})
	if errors.Is(err, ledger.ErrAlreadyOwned) {
		balance, berr := ledger.NewLedger(e.coord.Store()).Balance(ctx, userID)
		if berr != nil {
			return PurchaseResult{}, berr
		}
		return PurchaseResult{AlreadyOwned: true, Price: item.Price, Balance: balance}, nil
	}
	if err != nil {
		return PurchaseResult{}, err
	}

	out := PurchaseResult{Price: item.Price, Balance: res.Balance}
	switch res.Outcome {
	case ledger.OutcomeApplied:
		out.Purchased = true
	case ledger.OutcomeDuplicate:
		// Only reachable with a caller-supplied key. Ownership is written in
		// the same unit of work as the spend, so its presence tells whether
		// that key's original attempt applied or was rejected.
		owned, oerr := e.state.OwnsItem(ctx, userID, item.ID)
		if oerr != nil {
			return PurchaseResult{}, oerr
		}
		if owned {
			out.AlreadyOwned = true
		} else {
			out.Rejected = true
		}
	case ledger.OutcomeInsufficientFunds:
		out.Rejected = true
	}
	return out, nil
}

// Owns reports whether the user owns the item.
func (e *Shop) Owns(ctx context.Context, userID ledger.UserID, itemID string) (bool, error) {
	return e.state.OwnsItem(ctx, userID, itemID)
}
