/*
Package ledger provides the core virtual-currency engine.

PURPOSE:
  This package contains the domain types and algorithms for wallet balance
  management: an append-only transaction log, a derived per-user balance,
  idempotent mutation, and daily rate-limit counters. Reward and spend
  policies live in the engine package; persistence lives behind the Store
  interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: Current balance per user, mutated only through ApplyDelta
  - Transaction: An immutable ledger entry recording one balance change
  - Result: Tagged outcome of a mutation (applied / duplicate / rejected)
  - ReasonCode: Taxonomy tag on each transaction (earn:*, spend:*, admin:*)

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only appended
  2. Idempotency: Same idempotency key = same transaction (no duplicates)
  3. Store-side atomicity: The balance check-and-update is one conditional
     store operation, never a read-modify-write in process
  4. Integer amounts: The currency has no fractional unit, so deltas and
     balances are int64 in the smallest unit

SEE ALSO:
  - ledger.go: ApplyDelta algorithm
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// NewTransactionID returns a unique transaction identifier.
func NewTransactionID() TransactionID {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return TransactionID(fmt.Sprintf("txn-%d-%s", time.Now().UnixNano(), hex.EncodeToString(b[:])))
}

// =============================================================================
// WALLET - Current balance per user
// =============================================================================

type WalletStatus string

const WalletActive WalletStatus = "active"

// Wallet holds the current balance for one user. There is exactly one wallet
// per user, created lazily on first reference and never deleted.
//
// INVARIANT: Balance >= 0 after every successful mutation. The only write
// path is the store's conditional update (Store.ApplyBalanceDelta).
type Wallet struct {
	UserID    UserID
	Balance   int64
	Status    WalletStatus
	UpdatedAt time.Time
}

// =============================================================================
// REASON CODES - Taxonomy of balance changes
// =============================================================================

// ReasonCode tags every transaction with why the balance changed.
// Codes are namespaced: earn:* for rewards, spend:* for purchases,
// admin:* for manual operations.
type ReasonCode string

const (
	ReasonEarnDailyLogin ReasonCode = "earn:daily_login"
	ReasonEarnTask       ReasonCode = "earn:task"
	ReasonSpendShop      ReasonCode = "spend:shop"
	ReasonAdminGrant     ReasonCode = "admin:grant"
	ReasonAdminRevoke    ReasonCode = "admin:revoke"
)

// Valid reports whether the reason code is non-empty and properly namespaced.
func (r ReasonCode) Valid() bool {
	s := string(r)
	return strings.HasPrefix(s, "earn:") && len(s) > len("earn:") ||
		strings.HasPrefix(s, "spend:") && len(s) > len("spend:") ||
		strings.HasPrefix(s, "admin:") && len(s) > len("admin:")
}

// =============================================================================
// META - Opaque diagnostic context
// =============================================================================

// Meta is an open bag of diagnostic key/values attached to a transaction.
// Fields vary per reason code; no schema is enforced beyond a byte-size cap
// on the serialized form.
type Meta map[string]string

// MaxMetaBytes caps the serialized size of a Meta bag.
const MaxMetaBytes = 4096

// Validate rejects meta bags whose JSON form exceeds MaxMetaBytes.
func (m Meta) Validate() error {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: meta not serializable: %v", ErrInvalidInput, err)
	}
	if len(b) > MaxMetaBytes {
		return fmt.Errorf("%w: meta exceeds %d bytes", ErrInvalidInput, MaxMetaBytes)
	}
	return nil
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

// Transaction records one accepted mutation attempt. Append-only: once
// written it is never updated or deleted.
//
// INVARIANTS:
//   - Delta != 0
//   - IdempotencyKey is globally unique
//   - (UserID, DedupeKey) is unique when DedupeKey is set
type Transaction struct {
	ID             TransactionID
	UserID         UserID
	Delta          int64
	Reason         ReasonCode
	IdempotencyKey string
	DedupeKey      string // optional business-level dedup, "" when unused
	Meta           Meta
	CreatedAt      time.Time
}

// =============================================================================
// APPLY INPUT / RESULT
// =============================================================================

// ApplyInput carries one logical mutation attempt into ApplyDelta.
type ApplyInput struct {
	UserID         UserID
	Delta          int64
	Reason         ReasonCode
	IdempotencyKey string
	DedupeKey      string
	Meta           Meta
}

// Validate rejects caller bugs before any I/O.
func (in ApplyInput) Validate() error {
	if in.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if in.Delta == 0 {
		return fmt.Errorf("%w: zero delta", ErrInvalidInput)
	}
	if !in.Reason.Valid() {
		return fmt.Errorf("%w: bad reason code %q", ErrInvalidInput, in.Reason)
	}
	if in.IdempotencyKey == "" {
		return fmt.Errorf("%w: empty idempotency key", ErrInvalidInput)
	}
	return in.Meta.Validate()
}

// Outcome is the tagged result of a mutation attempt. Callers must handle
// every case explicitly; none of these are transport errors.
type Outcome string

const (
	// OutcomeApplied: the delta was applied, Balance is the new balance.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate: the same logical mutation was applied earlier.
	// Balance is the current balance; the delta was NOT re-applied.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInsufficientFunds: the spend would have made the balance
	// negative. The transaction row recording the attempt remains, but the
	// wallet is unchanged.
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
)

// Result is returned on every ledger call: never a partial or ambiguous state.
type Result struct {
	Outcome       Outcome
	Balance       int64
	TransactionID TransactionID // empty when the original row could not be located
	Idempotent    bool          // true when a duplicate attempt was absorbed
}

// =============================================================================
// AUDIT RECORD - Admin operation log
// =============================================================================

// AuditRecord tracks who performed an admin grant/revoke. Keyed by the same
// idempotency key as the ledger transaction so a retried admin action cannot
// double-log.
type AuditRecord struct {
	ActorID        string
	TargetID       UserID
	Action         string // "grant" or "revoke"
	Amount         int64
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// LOGIN STATE - Daily-login streak bookkeeping
// =============================================================================

// LoginState is the per-user daily-login claim state. The zero value means
// the user has never claimed.
type LoginState struct {
	LastClaimDay DayKey
	Streak       int
}
