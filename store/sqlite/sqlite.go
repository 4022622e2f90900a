/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface (ledger.Store, CounterStore,
  StateStore, AtomicStore) using SQLite. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The transaction log is append-only:
  - No UPDATE statements on wallet_transactions
  - No DELETE statements on wallet_transactions
  - Corrections via compensating transactions only

KEY TABLES:
  wallets:             One row per user, current balance
  wallet_transactions: Immutable log of all balance changes
  rate_limit_buckets:  TTL'd counters (daily caps, task progress, event dedup)
  login_states:        Daily-login streak state
  ownerships:          One row per (user, item) purchase
  admin_audit:         Manual grant/revoke trail

UNIQUENESS:
  wallet_transactions.idempotency_key is globally unique; a partial unique
  index on (user_id, dedupe_key) enforces per-user dedup when a dedupe key
  is present. Constraint violations are mapped back to the ledger's
  sentinel errors by inspecting which index the driver names.

CONDITIONAL BALANCE UPDATE:
  ApplyBalanceDelta is a single UPDATE guarded by balance + delta >= 0.
  Zero rows affected means the wallet had insufficient funds; the check and
  the increment cannot be interleaved by another writer.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within the process; WAL mode keeps
  readers from blocking. A busy/locked error from the driver is surfaced
  as a transient conflict so the coordinator retries it.

USAGE:
  store, err := sqlite.New("./data/coins.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: The PostgreSQL twin of this package
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/coin-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.AtomicStore = (*Store)(nil)
var _ ledger.CounterStore = (*Store)(nil)
var _ ledger.StateStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallets (one row per user)
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only log)
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		dedupe_key TEXT,
		meta_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON wallet_transactions(user_id, created_at DESC);

	-- Per-user dedup: at most one row per (user, dedupe_key) when present
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_user_dedupe
		ON wallet_transactions(user_id, dedupe_key)
		WHERE dedupe_key IS NOT NULL;

	-- Counters (daily caps, task progress, event dedup)
	CREATE TABLE IF NOT EXISTS rate_limit_buckets (
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		key TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (scope, scope_id, key, bucket)
	);

	CREATE INDEX IF NOT EXISTS idx_buckets_expiry
		ON rate_limit_buckets(expires_at);

	-- Daily-login streak state
	CREATE TABLE IF NOT EXISTS login_states (
		user_id TEXT PRIMARY KEY,
		last_claim_day TEXT NOT NULL DEFAULT '',
		streak INTEGER NOT NULL DEFAULT 0
	);

	-- Item ownership (one row per purchase)
	CREATE TABLE IF NOT EXISTS ownerships (
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, item_id)
	);

	-- Admin grant/revoke audit trail
	CREATE TABLE IF NOT EXISTS admin_audit (
		idempotency_key TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		action TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_target
		ON admin_audit(target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx so every statement can
// run standalone or inside WithAtomic.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) EnsureWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ensureWallet(ctx, s.db, userID)
}

func ensureWallet(ctx context.Context, q querier, userID ledger.UserID) (ledger.Wallet, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO wallets (user_id, balance, status, updated_at) VALUES (?, 0, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, ledger.WalletActive, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return ledger.Wallet{}, mapError("ensure wallet", err)
	}
	return getWallet(ctx, q, userID)
}

func (s *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWallet(ctx, s.db, userID)
}

func getWallet(ctx context.Context, q querier, userID ledger.UserID) (ledger.Wallet, error) {
	var (
		w         ledger.Wallet
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT user_id, balance, status, updated_at FROM wallets WHERE user_id = ?",
		userID,
	).Scan(&w.UserID, &w.Balance, &w.Status, &updatedAt)
	if err == sql.ErrNoRows {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if err != nil {
		return ledger.Wallet{}, mapError("get wallet", err)
	}
	w.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return w, nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTransaction(ctx, s.db, tx)
}

func insertTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	metaJSON, _ := json.Marshal(tx.Meta)

	_, err := q.ExecContext(ctx,
		`INSERT INTO wallet_transactions
		 (id, user_id, delta, reason, idempotency_key, dedupe_key, meta_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.UserID,
		tx.Delta,
		tx.Reason,
		tx.IdempotencyKey,
		nullString(tx.DedupeKey),
		string(metaJSON),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// The driver names the violated index: distinguish the per-user
			// dedupe index from the global idempotency key.
			if strings.Contains(err.Error(), "dedupe_key") {
				return ledger.ErrDuplicateDedupeKey
			}
			return ledger.ErrDuplicateIdempotencyKey
		}
		return mapError("insert transaction", err)
	}
	return nil
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findTransaction(ctx, s.db,
		"WHERE idempotency_key = ?", key)
}

func (s *Store) FindTransactionByDedupeKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findTransaction(ctx, s.db,
		"WHERE user_id = ? AND dedupe_key = ?", userID, key)
}

func findTransaction(ctx context.Context, q querier, where string, args ...any) (*ledger.Transaction, error) {
	query := `
		SELECT id, user_id, delta, reason, idempotency_key, dedupe_key, meta_json, created_at
		FROM wallet_transactions ` + where + ` LIMIT 1`

	txs, err := queryTransactions(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, userID ledger.UserID, delta int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return applyBalanceDelta(ctx, s.db, userID, delta)
}

func applyBalanceDelta(ctx context.Context, q querier, userID ledger.UserID, delta int64) (int64, bool, error) {
	if _, err := ensureWallet(ctx, q, userID); err != nil {
		return 0, false, err
	}

	// Sufficiency check and increment in one statement: no interleaving
	// writer can run between them.
	res, err := q.ExecContext(ctx,
		`UPDATE wallets SET balance = balance + ?, updated_at = ?
		 WHERE user_id = ? AND balance + ? >= 0`,
		delta, time.Now().UTC().Format(time.RFC3339), userID, delta,
	)
	if err != nil {
		return 0, false, mapError("apply balance delta", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, mapError("apply balance delta", err)
	}

	w, err := getWallet(ctx, q, userID)
	if err != nil {
		return 0, false, err
	}
	return w.Balance, affected == 1, nil
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `
		SELECT id, user_id, delta, reason, idempotency_key, dedupe_key, meta_json, created_at
		FROM wallet_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`

	return queryTransactions(ctx, s.db, query, userID, limit)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query transactions", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx        ledger.Transaction
		dedupeKey sql.NullString
		metaJSON  sql.NullString
		createdAt string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Delta, &tx.Reason,
		&tx.IdempotencyKey, &dedupeKey, &metaJSON, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.DedupeKey = dedupeKey.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		json.Unmarshal([]byte(metaJSON.String), &tx.Meta)
	}
	return tx, nil
}

// =============================================================================
// ATOMIC STORE (ledger.AtomicStore interface)
// =============================================================================

// WithAtomic executes a function within a database transaction.
func (s *Store) WithAtomic(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// txStore runs the same statements against an open *sql.Tx. It also carries
// the StateStore methods so ownership and audit writes join the unit of work.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) EnsureWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return ensureWallet(ctx, ts.tx, userID)
}

func (ts *txStore) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return getWallet(ctx, ts.tx, userID)
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	return insertTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return findTransaction(ctx, ts.tx, "WHERE idempotency_key = ?", key)
}

func (ts *txStore) FindTransactionByDedupeKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	return findTransaction(ctx, ts.tx, "WHERE user_id = ? AND dedupe_key = ?", userID, key)
}

func (ts *txStore) ApplyBalanceDelta(ctx context.Context, userID ledger.UserID, delta int64) (int64, bool, error) {
	return applyBalanceDelta(ctx, ts.tx, userID, delta)
}

func (ts *txStore) Transactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryTransactions(ctx, ts.tx, `
		SELECT id, user_id, delta, reason, idempotency_key, dedupe_key, meta_json, created_at
		FROM wallet_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
}

func (ts *txStore) GetLoginState(ctx context.Context, userID ledger.UserID) (ledger.LoginState, error) {
	return getLoginState(ctx, ts.tx, userID)
}

func (ts *txStore) SetLoginState(ctx context.Context, userID ledger.UserID, next ledger.LoginState, prevDay ledger.DayKey) (bool, error) {
	return setLoginState(ctx, ts.tx, userID, next, prevDay)
}

func (ts *txStore) InsertOwnership(ctx context.Context, userID ledger.UserID, itemID string) error {
	return insertOwnership(ctx, ts.tx, userID, itemID)
}

func (ts *txStore) OwnsItem(ctx context.Context, userID ledger.UserID, itemID string) (bool, error) {
	return ownsItem(ctx, ts.tx, userID, itemID)
}

func (ts *txStore) InsertAuditRecord(ctx context.Context, rec ledger.AuditRecord) error {
	return insertAuditRecord(ctx, ts.tx, rec)
}

func (ts *txStore) AuditRecords(ctx context.Context, target ledger.UserID, limit int) ([]ledger.AuditRecord, error) {
	return auditRecords(ctx, ts.tx, target, limit)
}

// =============================================================================
// COUNTER STORE (ledger.CounterStore interface)
// =============================================================================

func (s *Store) IncrementCounter(ctx context.Context, scope, scopeID, key, bucket string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	expiry := now.Add(ttl).Format(time.RFC3339)

	// Upsert: a fresh or expired bucket restarts at 1 with a new expiry,
	// a live one increments in place.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets (scope, scope_id, key, bucket, count, expires_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(scope, scope_id, key, bucket) DO UPDATE SET
			count = CASE WHEN rate_limit_buckets.expires_at <= ? THEN 1
			             ELSE rate_limit_buckets.count + 1 END,
			expires_at = CASE WHEN rate_limit_buckets.expires_at <= ? THEN excluded.expires_at
			                  ELSE rate_limit_buckets.expires_at END`,
		scope, scopeID, key, bucket, expiry, nowStr, nowStr,
	)
	if err != nil {
		return 0, mapError("increment counter", err)
	}

	var count int64
	err = s.db.QueryRowContext(ctx,
		"SELECT count FROM rate_limit_buckets WHERE scope = ? AND scope_id = ? AND key = ? AND bucket = ?",
		scope, scopeID, key, bucket,
	).Scan(&count)
	if err != nil {
		return 0, mapError("read counter", err)
	}
	return count, nil
}

func (s *Store) GetCounter(ctx context.Context, scope, scopeID, key, bucket string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM rate_limit_buckets
		WHERE scope = ? AND scope_id = ? AND key = ? AND bucket = ? AND expires_at > ?`,
		scope, scopeID, key, bucket, time.Now().UTC().Format(time.RFC3339),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("get counter", err)
	}
	return count, nil
}

func (s *Store) PurgeExpiredCounters(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM rate_limit_buckets WHERE expires_at <= ?",
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, mapError("purge counters", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// STATE STORE (ledger.StateStore interface)
// =============================================================================

func (s *Store) GetLoginState(ctx context.Context, userID ledger.UserID) (ledger.LoginState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLoginState(ctx, s.db, userID)
}

func getLoginState(ctx context.Context, q querier, userID ledger.UserID) (ledger.LoginState, error) {
	var st ledger.LoginState
	err := q.QueryRowContext(ctx,
		"SELECT last_claim_day, streak FROM login_states WHERE user_id = ?",
		userID,
	).Scan(&st.LastClaimDay, &st.Streak)
	if err == sql.ErrNoRows {
		return ledger.LoginState{}, nil
	}
	if err != nil {
		return ledger.LoginState{}, mapError("get login state", err)
	}
	return st, nil
}

func (s *Store) SetLoginState(ctx context.Context, userID ledger.UserID, next ledger.LoginState, prevDay ledger.DayKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setLoginState(ctx, s.db, userID, next, prevDay)
}

func setLoginState(ctx context.Context, q querier, userID ledger.UserID, next ledger.LoginState, prevDay ledger.DayKey) (bool, error) {
	// Compare-and-swap on the stored day: the claim that moves the state
	// wins, any concurrent claim sees zero rows affected.
	res, err := q.ExecContext(ctx,
		"UPDATE login_states SET last_claim_day = ?, streak = ? WHERE user_id = ? AND last_claim_day = ?",
		next.LastClaimDay, next.Streak, userID, prevDay,
	)
	if err != nil {
		return false, mapError("set login state", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, mapError("set login state", err)
	}
	if affected == 1 {
		return true, nil
	}
	if prevDay != "" {
		return false, nil
	}

	// First claim ever: no row to update yet.
	res, err = q.ExecContext(ctx,
		`INSERT INTO login_states (user_id, last_claim_day, streak) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, next.LastClaimDay, next.Streak,
	)
	if err != nil {
		return false, mapError("insert login state", err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return false, mapError("insert login state", err)
	}
	return affected == 1, nil
}

func (s *Store) InsertOwnership(ctx context.Context, userID ledger.UserID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertOwnership(ctx, s.db, userID, itemID)
}

func insertOwnership(ctx context.Context, q querier, userID ledger.UserID, itemID string) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO ownerships (user_id, item_id, created_at) VALUES (?, ?, ?)",
		userID, itemID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAlreadyOwned
		}
		return mapError("insert ownership", err)
	}
	return nil
}

func (s *Store) OwnsItem(ctx context.Context, userID ledger.UserID, itemID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ownsItem(ctx, s.db, userID, itemID)
}

func ownsItem(ctx context.Context, q querier, userID ledger.UserID, itemID string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ownerships WHERE user_id = ? AND item_id = ?",
		userID, itemID,
	).Scan(&count)
	if err != nil {
		return false, mapError("ownership check", err)
	}
	return count > 0, nil
}

func (s *Store) InsertAuditRecord(ctx context.Context, rec ledger.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertAuditRecord(ctx, s.db, rec)
}

func insertAuditRecord(ctx context.Context, q querier, rec ledger.AuditRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO admin_audit (idempotency_key, actor_id, target_id, action, amount, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.IdempotencyKey, rec.ActorID, rec.TargetID, rec.Action, rec.Amount, rec.Reason,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return mapError("insert audit record", err)
	}
	return nil
}

func (s *Store) AuditRecords(ctx context.Context, target ledger.UserID, limit int) ([]ledger.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return auditRecords(ctx, s.db, target, limit)
}

func auditRecords(ctx context.Context, q querier, target ledger.UserID, limit int) ([]ledger.AuditRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT idempotency_key, actor_id, target_id, action, amount, reason, created_at
		FROM admin_audit
		WHERE target_id = ?
		ORDER BY rowid DESC
		LIMIT ?`, target, limit)
	if err != nil {
		return nil, mapError("query audit records", err)
	}
	defer rows.Close()

	var records []ledger.AuditRecord
	for rows.Next() {
		var (
			rec       ledger.AuditRecord
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rec.IdempotencyKey, &rec.ActorID, &rec.TargetID,
			&rec.Action, &rec.Amount, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Reason = reason.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"wallet_transactions", "wallets", "rate_limit_buckets", "login_states", "ownerships", "admin_audit"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mapError(op string, err error) error {
	if isBusyError(err) {
		return fmt.Errorf("%s: %w", op, ledger.ErrTransientConflict)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
