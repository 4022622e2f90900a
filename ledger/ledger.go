/*
ledger.go - Idempotent balance mutation

PURPOSE:
  ApplyDelta is the single write path for wallet balances. It records the
  mutation in the append-only transaction log (where idempotency is
  enforced) and then applies the delta through the store's conditional
  update, so the sufficiency check and the increment happen in one atomic
  store operation.

GUARANTEES:
  - Concurrent calls with different idempotency keys: linearizable balance
    increments; the conditional update prevents lost updates and negative
    balances.
  - Concurrent calls with the same idempotency key: exactly one delta is
    applied; all other callers observe Idempotent=true.
  - A retried attempt never creates a second transaction or re-applies the
    delta.

FAILURE SHAPE:
  An insufficient-funds rejection leaves the transaction row in place (it
  recorded a real attempt) and the wallet unchanged. This is a Result
  outcome, not an error: callers must handle it explicitly and must not
  treat it as success.

SEE ALSO:
  - store.go: The primitives this composes
  - coordinator.go: Retryable atomic envelope around units of work
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger applies balance mutations through a Store.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// ApplyDelta applies one balance mutation at most once.
//
// Algorithm:
//  1. Validate input (no I/O on caller bugs).
//  2. Ensure the wallet exists (idempotent upsert).
//  3. Insert the transaction row; a uniqueness violation means the logical
//     mutation was already applied - look up the original and return a
//     Duplicate outcome without touching the balance.
//  4. Conditionally update the balance; a non-match on a negative delta is
//     an InsufficientFunds outcome (the transaction row remains).
func (l *Ledger) ApplyDelta(ctx context.Context, in ApplyInput) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	if _, err := l.store.EnsureWallet(ctx, in.UserID); err != nil {
		return Result{}, fmt.Errorf("ensure wallet: %w", err)
	}

	tx := Transaction{
		ID:             NewTransactionID(),
		UserID:         in.UserID,
		Delta:          in.Delta,
		Reason:         in.Reason,
		IdempotencyKey: in.IdempotencyKey,
		DedupeKey:      in.DedupeKey,
		Meta:           in.Meta,
		CreatedAt:      time.Now().UTC(),
	}

	err := l.store.InsertTransaction(ctx, tx)
	switch {
	case err == nil:
		// fall through to the balance update
	case errors.Is(err, ErrDuplicateIdempotencyKey), errors.Is(err, ErrDuplicateDedupeKey):
		return l.resolveDuplicate(ctx, in)
	default:
		return Result{}, fmt.Errorf("insert transaction: %w", err)
	}

	balance, applied, err := l.store.ApplyBalanceDelta(ctx, in.UserID, in.Delta)
	if err != nil {
		return Result{}, fmt.Errorf("apply balance delta: %w", err)
	}
	if !applied {
		return Result{
			Outcome:       OutcomeInsufficientFunds,
			Balance:       balance,
			TransactionID: tx.ID,
		}, nil
	}

	return Result{
		Outcome:       OutcomeApplied,
		Balance:       balance,
		TransactionID: tx.ID,
	}, nil
}

// resolveDuplicate locates the transaction a retried attempt collided with
// and returns the current balance. The delta is never re-applied.
func (l *Ledger) resolveDuplicate(ctx context.Context, in ApplyInput) (Result, error) {
	existing, err := l.store.FindTransactionByIdempotencyKey(ctx, in.IdempotencyKey)
	if err != nil {
		return Result{}, fmt.Errorf("lookup by idempotency key: %w", err)
	}
	if existing == nil && in.DedupeKey != "" {
		existing, err = l.store.FindTransactionByDedupeKey(ctx, in.UserID, in.DedupeKey)
		if err != nil {
			return Result{}, fmt.Errorf("lookup by dedupe key: %w", err)
		}
	}

	wallet, err := l.store.GetWallet(ctx, in.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}

	res := Result{
		Outcome:    OutcomeDuplicate,
		Balance:    wallet.Balance,
		Idempotent: true,
	}
	if existing != nil {
		res.TransactionID = existing.ID
	}
	return res, nil
}

// Balance returns the current balance, creating the wallet if needed.
func (l *Ledger) Balance(ctx context.Context, userID UserID) (int64, error) {
	w, err := l.store.EnsureWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// History returns the user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.store.Transactions(ctx, userID, limit)
}
