/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations translate backend-specific failures (unique
  violations, serialization conflicts) into these errors; everything
  above the store layer matches with errors.Is.

ERROR CATEGORIES:
  1. Input errors    - Caller bugs, rejected before any I/O
  2. Domain outcomes - Insufficient funds, limits; user-correctable
  3. Store errors    - Conflicts and capability gaps

SEE ALSO:
  - ledger.go: Uses these errors
  - store.go: Implementations must return these on the documented conditions
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for caller bugs (zero delta, empty reason
	// code, missing idempotency key). Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientFunds is returned when a spend would make the balance
	// negative. User-correctable; not a system error.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateIdempotencyKey is returned by stores when a transaction
	// with the same idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateDedupeKey is returned by stores when the (user, dedupe key)
	// pair already exists.
	ErrDuplicateDedupeKey = errors.New("duplicate dedupe key")

	// ErrDailyLimitReached is returned when a rate-limit bucket exceeds its
	// limit. Surfaced as "try again tomorrow", not an error to alarm on.
	ErrDailyLimitReached = errors.New("daily limit reached")

	// ErrTransientConflict is returned by stores on retryable contention
	// (serialization failure, busy database). The Coordinator retries these.
	ErrTransientConflict = errors.New("transient store conflict")

	// ErrAtomicityUnsupported is returned when the store cannot provide
	// multi-statement atomic execution in the current deployment topology.
	// Not fatal: the Coordinator degrades to non-atomic execution.
	ErrAtomicityUnsupported = errors.New("atomic execution unsupported")

	// ErrWalletNotFound is returned when reading a wallet that was never
	// referenced.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrAlreadyOwned is returned when inserting an ownership record that
	// already exists.
	ErrAlreadyOwned = errors.New("item already owned")

	// ErrStoreRequired is returned when an operation needs a store capability
	// (StateStore, CounterStore) the configured backend does not provide.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a rejected spend.
type InsufficientFundsError struct {
	UserID    UserID
	Balance   int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: balance %d, requested %d",
		e.UserID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// DailyLimitError provides details about an exceeded rate-limit bucket.
// Count is the persisted attempt count, which may exceed Limit: the bucket
// records real attempts, the limit only gates acceptance.
type DailyLimitError struct {
	Scope   string
	ScopeID string
	Key     string
	Bucket  string
	Count   int64
	Limit   int64
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily limit reached for %s/%s/%s[%s]: %d > %d",
		e.Scope, e.ScopeID, e.Key, e.Bucket, e.Count, e.Limit)
}

func (e *DailyLimitError) Unwrap() error {
	return ErrDailyLimitReached
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientConflict)
}

// IsClientError returns true if the error is due to the caller's input or a
// domain-policy rejection rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDailyLimitReached) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicateDedupeKey) ||
		errors.Is(err, ErrAlreadyOwned)
}
