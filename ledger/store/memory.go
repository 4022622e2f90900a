/*
Package store provides the in-memory Store implementation.

PURPOSE:
  Implements every persistence interface (ledger.Store, CounterStore,
  StateStore) with mutex-guarded maps. Used by tests and local development.
  The conditional balance update and unique-key inserts execute under one
  lock, mirroring the atomic single-document semantics the SQL backends get
  from the database.

TWO VARIANTS:
  Memory:   No multi-statement atomicity - exercises the Coordinator's
            graceful degradation path.
  TxMemory: Adds WithAtomic via snapshot + rollback, mirroring the
            transactional SQL backends.
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/coin-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	wallets     map[ledger.UserID]ledger.Wallet
	txs         map[ledger.UserID][]ledger.Transaction
	byIdem      map[string]ledger.Transaction
	byDedupe    map[dedupeKey]ledger.Transaction
	counters    map[counterKey]counterVal
	loginStates map[ledger.UserID]ledger.LoginState
	ownership   map[ownKey]bool
	audits      map[string]ledger.AuditRecord
	auditOrder  []string // idempotency keys in insertion order

	now func() time.Time // injectable clock for expiry tests
}

type dedupeKey struct {
	UserID ledger.UserID
	Key    string
}

type counterKey struct {
	Scope   string
	ScopeID string
	Key     string
	Bucket  string
}

type counterVal struct {
	Count     int64
	ExpiresAt time.Time
}

type ownKey struct {
	UserID ledger.UserID
	ItemID string
}

func NewMemory() *Memory {
	return &Memory{
		wallets:     make(map[ledger.UserID]ledger.Wallet),
		txs:         make(map[ledger.UserID][]ledger.Transaction),
		byIdem:      make(map[string]ledger.Transaction),
		byDedupe:    make(map[dedupeKey]ledger.Transaction),
		counters:    make(map[counterKey]counterVal),
		loginStates: make(map[ledger.UserID]ledger.LoginState),
		ownership:   make(map[ownKey]bool),
		audits:      make(map[string]ledger.AuditRecord),
		now:         time.Now,
	}
}

// SetClock replaces the expiry clock. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// =============================================================================
// ledger.Store
// =============================================================================

func (m *Memory) EnsureWallet(_ context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureWalletLocked(userID), nil
}

func (m *Memory) ensureWalletLocked(userID ledger.UserID) ledger.Wallet {
	if w, ok := m.wallets[userID]; ok {
		return w
	}
	w := ledger.Wallet{
		UserID:    userID,
		Balance:   0,
		Status:    ledger.WalletActive,
		UpdatedAt: m.now().UTC(),
	}
	m.wallets[userID] = w
	return w
}

func (m *Memory) GetWallet(_ context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[userID]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return w, nil
}

func (m *Memory) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTransactionLocked(tx)
}

func (m *Memory) insertTransactionLocked(tx ledger.Transaction) error {
	if _, exists := m.byIdem[tx.IdempotencyKey]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if tx.DedupeKey != "" {
		if _, exists := m.byDedupe[dedupeKey{tx.UserID, tx.DedupeKey}]; exists {
			return ledger.ErrDuplicateDedupeKey
		}
	}

	m.byIdem[tx.IdempotencyKey] = tx
	if tx.DedupeKey != "" {
		m.byDedupe[dedupeKey{tx.UserID, tx.DedupeKey}] = tx
	}
	m.txs[tx.UserID] = append(m.txs[tx.UserID], tx)
	return nil
}

func (m *Memory) FindTransactionByIdempotencyKey(_ context.Context, key string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx, ok := m.byIdem[key]; ok {
		cp := tx
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) FindTransactionByDedupeKey(_ context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tx, ok := m.byDedupe[dedupeKey{userID, key}]; ok {
		cp := tx
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) ApplyBalanceDelta(_ context.Context, userID ledger.UserID, delta int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyBalanceDeltaLocked(userID, delta)
}

func (m *Memory) applyBalanceDeltaLocked(userID ledger.UserID, delta int64) (int64, bool, error) {
	w := m.ensureWalletLocked(userID)
	// Sufficiency check and increment under one lock: the in-memory
	// equivalent of the SQL backends' conditional UPDATE.
	if delta < 0 && w.Balance < -delta {
		return w.Balance, false, nil
	}
	w.Balance += delta
	w.UpdatedAt = m.now().UTC()
	m.wallets[userID] = w
	return w.Balance, true, nil
}

func (m *Memory) Transactions(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.txs[userID]
	result := make([]ledger.Transaction, len(all))
	copy(result, all)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// =============================================================================
// ledger.CounterStore
// =============================================================================

func (m *Memory) IncrementCounter(_ context.Context, scope, scopeID, key, bucket string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := counterKey{scope, scopeID, key, bucket}
	now := m.now()
	v, ok := m.counters[k]
	if !ok || now.After(v.ExpiresAt) {
		v = counterVal{Count: 0, ExpiresAt: now.Add(ttl)}
	}
	v.Count++
	m.counters[k] = v
	return v.Count, nil
}

func (m *Memory) GetCounter(_ context.Context, scope, scopeID, key, bucket string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.counters[counterKey{scope, scopeID, key, bucket}]
	if !ok || m.now().After(v.ExpiresAt) {
		return 0, nil
	}
	return v.Count, nil
}

func (m *Memory) PurgeExpiredCounters(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for k, v := range m.counters {
		if now.After(v.ExpiresAt) {
			delete(m.counters, k)
			purged++
		}
	}
	return purged, nil
}

// =============================================================================
// ledger.StateStore
// =============================================================================

func (m *Memory) GetLoginState(_ context.Context, userID ledger.UserID) (ledger.LoginState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loginStates[userID], nil
}

func (m *Memory) SetLoginState(_ context.Context, userID ledger.UserID, next ledger.LoginState, prevDay ledger.DayKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loginStates[userID].LastClaimDay != prevDay {
		return false, nil
	}
	m.loginStates[userID] = next
	return true, nil
}

func (m *Memory) InsertOwnership(_ context.Context, userID ledger.UserID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := ownKey{userID, itemID}
	if m.ownership[k] {
		return ledger.ErrAlreadyOwned
	}
	m.ownership[k] = true
	return nil
}

func (m *Memory) OwnsItem(_ context.Context, userID ledger.UserID, itemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownership[ownKey{userID, itemID}], nil
}

func (m *Memory) InsertAuditRecord(_ context.Context, rec ledger.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.audits[rec.IdempotencyKey]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	m.audits[rec.IdempotencyKey] = rec
	m.auditOrder = append(m.auditOrder, rec.IdempotencyKey)
	return nil
}

func (m *Memory) AuditRecords(_ context.Context, target ledger.UserID, limit int) ([]ledger.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.AuditRecord
	for i := len(m.auditOrder) - 1; i >= 0; i-- {
		rec := m.audits[m.auditOrder[i]]
		if rec.TargetID != target {
			continue
		}
		result = append(result, rec)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with multi-statement atomicity, simulated with a
// snapshot + rollback on error.
type TxMemory struct {
	*Memory
	txMu sync.Mutex // serializes atomic units
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

var _ ledger.AtomicStore = (*TxMemory)(nil)

func (tm *TxMemory) WithAtomic(_ context.Context, fn func(ledger.Store) error) error {
	tm.txMu.Lock()
	defer tm.txMu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(tm.Memory); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	wallets     map[ledger.UserID]ledger.Wallet
	txs         map[ledger.UserID][]ledger.Transaction
	byIdem      map[string]ledger.Transaction
	byDedupe    map[dedupeKey]ledger.Transaction
	counters    map[counterKey]counterVal
	loginStates map[ledger.UserID]ledger.LoginState
	ownership   map[ownKey]bool
	audits      map[string]ledger.AuditRecord
	auditOrder  []string
}

func (tm *TxMemory) snapshot() memorySnapshot {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	s := memorySnapshot{
		wallets:     make(map[ledger.UserID]ledger.Wallet, len(tm.wallets)),
		txs:         make(map[ledger.UserID][]ledger.Transaction, len(tm.txs)),
		byIdem:      make(map[string]ledger.Transaction, len(tm.byIdem)),
		byDedupe:    make(map[dedupeKey]ledger.Transaction, len(tm.byDedupe)),
		counters:    make(map[counterKey]counterVal, len(tm.counters)),
		loginStates: make(map[ledger.UserID]ledger.LoginState, len(tm.loginStates)),
		ownership:   make(map[ownKey]bool, len(tm.ownership)),
		audits:      make(map[string]ledger.AuditRecord, len(tm.audits)),
		auditOrder:  append([]string{}, tm.auditOrder...),
	}
	for k, v := range tm.wallets {
		s.wallets[k] = v
	}
	for k, v := range tm.txs {
		s.txs[k] = append([]ledger.Transaction{}, v...)
	}
	for k, v := range tm.byIdem {
		s.byIdem[k] = v
	}
	for k, v := range tm.byDedupe {
		s.byDedupe[k] = v
	}
	for k, v := range tm.counters {
		s.counters[k] = v
	}
	for k, v := range tm.loginStates {
		s.loginStates[k] = v
	}
	for k, v := range tm.ownership {
		s.ownership[k] = v
	}
	for k, v := range tm.audits {
		s.audits[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.wallets = s.wallets
	tm.txs = s.txs
	tm.byIdem = s.byIdem
	tm.byDedupe = s.byDedupe
	tm.counters = s.counters
	tm.loginStates = s.loginStates
	tm.ownership = s.ownership
	tm.audits = s.audits
	tm.auditOrder = s.auditOrder
}
