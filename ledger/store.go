/*
store.go - Persistence interfaces for wallets, transactions, and counters

PURPOSE:
  Defines the interface between the ledger engine and the database. All
  correctness relies on the store's atomic single-document operations
  (conditional update, unique-constraint insert), never on in-process
  locking - the engine must stay correct behind multiple stateless
  service instances.

KEY INTERFACES:
  Store:        Wallet + transaction persistence (the ledger hot path)
  CounterStore: Generic keyed counters with expiry (rate limits, progress,
                per-event dedup)
  StateStore:   Engine bookkeeping (login streaks, ownership, audit log)
  AtomicStore:  Optional multi-statement atomic execution

APPEND-ONLY CONTRACT:
  The transactions table is append-only: Store exposes no update or delete
  for transactions. Wallet balances change only through ApplyBalanceDelta.

CONDITIONAL UPDATE AS CAS:
  ApplyBalanceDelta performs the increment AND the sufficiency check in one
  store-side operation. For a negative delta the update must match only when
  balance >= -delta; a non-match reports applied=false with no change. Two
  round trips (read then write) are not an acceptable implementation.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlite:           SQLite (WAL), single-node deployments
  - store/postgres:         PostgreSQL via pgx, multi-instance deployments
  - store/redis:            CounterStore only, native TTL expiry

SEE ALSO:
  - ledger.go: ApplyDelta composes these primitives
  - coordinator.go: Uses AtomicStore when available
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Wallet and transaction persistence
// =============================================================================

// Store handles wallet and transaction persistence.
// IMPORTANT: transactions are append-only. No update, no delete. Ever.
type Store interface {
	// EnsureWallet returns the user's wallet, creating it with zero balance
	// if absent. Safe under concurrent first-time calls: the upsert must not
	// produce duplicate wallets. Side-effect-free on subsequent calls.
	EnsureWallet(ctx context.Context, userID UserID) (Wallet, error)

	// GetWallet returns the wallet, or ErrWalletNotFound.
	GetWallet(ctx context.Context, userID UserID) (Wallet, error)

	// InsertTransaction appends one transaction. Returns
	// ErrDuplicateIdempotencyKey or ErrDuplicateDedupeKey on a uniqueness
	// violation; the caller reconciles via the Find methods.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// FindTransactionByIdempotencyKey returns the matching transaction, or
	// (nil, nil) when absent.
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// FindTransactionByDedupeKey returns the matching transaction for the
	// (user, dedupe key) pair, or (nil, nil) when absent.
	FindTransactionByDedupeKey(ctx context.Context, userID UserID, dedupeKey string) (*Transaction, error)

	// ApplyBalanceDelta atomically increments the wallet balance. For a
	// negative delta the update is conditional on sufficient funds:
	// applied=false (and an unchanged balance) when funds are insufficient.
	// The returned balance is the post-update balance when applied, the
	// current balance otherwise.
	ApplyBalanceDelta(ctx context.Context, userID UserID, delta int64) (balance int64, applied bool, err error)

	// Transactions returns the user's most recent transactions, newest first.
	Transactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
}

// =============================================================================
// COUNTER STORE - Keyed counters with expiry
// =============================================================================

// CounterStore is a generic (scope, scopeID, key, bucket) counter with TTL.
// One table serves rate limits, task progress, and per-event dedup records.
type CounterStore interface {
	// IncrementCounter atomically increments the counter, creating it with
	// expiry now+ttl if absent, and returns the post-increment count.
	IncrementCounter(ctx context.Context, scope, scopeID, key, bucket string, ttl time.Duration) (int64, error)

	// GetCounter returns the current count, zero when absent or expired.
	GetCounter(ctx context.Context, scope, scopeID, key, bucket string) (int64, error)

	// PurgeExpiredCounters removes buckets whose expiry has passed and
	// returns how many were removed. Backends with native TTL (redis)
	// return 0.
	PurgeExpiredCounters(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// STATE STORE - Engine bookkeeping
// =============================================================================

// StateStore persists the reward/spend engines' side state: daily-login
// streaks, shop ownership, and the admin audit log.
type StateStore interface {
	// GetLoginState returns the user's claim state; the zero value when the
	// user has never claimed.
	GetLoginState(ctx context.Context, userID UserID) (LoginState, error)

	// SetLoginState advances the claim state, conditional on the currently
	// stored LastClaimDay equaling prevDay (the CAS that serializes
	// concurrent same-day claims). Returns false when the condition failed.
	SetLoginState(ctx context.Context, userID UserID, next LoginState, prevDay DayKey) (bool, error)

	// InsertOwnership records that the user owns the item. Returns
	// ErrAlreadyOwned when the (user, item) pair exists.
	InsertOwnership(ctx context.Context, userID UserID, itemID string) error

	// OwnsItem reports whether the user owns the item.
	OwnsItem(ctx context.Context, userID UserID, itemID string) (bool, error)

	// InsertAuditRecord appends an admin audit record. Returns
	// ErrDuplicateIdempotencyKey when a record with the same key exists,
	// which retried admin actions treat as success.
	InsertAuditRecord(ctx context.Context, rec AuditRecord) error

	// AuditRecords returns audit records for a target user, newest first.
	AuditRecords(ctx context.Context, target UserID, limit int) ([]AuditRecord, error)
}

// =============================================================================
// ATOMIC STORE - Optional multi-statement atomicity
// =============================================================================

// AtomicStore is an optional capability: executing a unit of work inside one
// multi-statement atomic context. fn receives a Store bound to that context;
// if fn returns an error the work is rolled back.
//
// Implementations that cannot provide atomic execution in the current
// topology return ErrAtomicityUnsupported from WithAtomic; the Coordinator
// then degrades gracefully. Stores that never support it simply don't
// implement the interface.
type AtomicStore interface {
	Store

	WithAtomic(ctx context.Context, fn func(Store) error) error
}
