/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces.

PURPOSE:
  The production twin of store/sqlite, built on pgxpool. Implements every
  persistence interface (ledger.Store, CounterStore, StateStore,
  AtomicStore). The database enforces the invariants the in-memory store
  simulates with a mutex: unique keys via constraints, the sufficiency
  check via a conditional UPDATE, multi-statement units via transactions.

ERROR MAPPING:
  23505 (unique_violation)       -> duplicate idempotency/dedupe key or
                                    ownership, by constraint name
  40001 (serialization_failure)  -> ledger.ErrTransientConflict
  40P01 (deadlock_detected)      -> ledger.ErrTransientConflict

CONDITIONAL BALANCE UPDATE:
  UPDATE ... WHERE balance + delta >= 0 RETURNING balance. Zero rows back
  means insufficient funds; the row lock taken by UPDATE serializes
  concurrent spends on the same wallet.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: The embedded twin of this package
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/coin-ledger/ledger"
)

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.AtomicStore = (*Store)(nil)
var _ ledger.CounterStore = (*Store)(nil)
var _ ledger.StateStore = (*Store)(nil)

// New connects to PostgreSQL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta BIGINT NOT NULL,
		reason TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		dedupe_key TEXT,
		meta_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT transactions_idempotency_key UNIQUE (idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON wallet_transactions(user_id, created_at DESC);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_user_dedupe
		ON wallet_transactions(user_id, dedupe_key)
		WHERE dedupe_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS rate_limit_buckets (
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		key TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (scope, scope_id, key, bucket)
	);

	CREATE INDEX IF NOT EXISTS idx_buckets_expiry
		ON rate_limit_buckets(expires_at);

	CREATE TABLE IF NOT EXISTS login_states (
		user_id TEXT PRIMARY KEY,
		last_claim_day TEXT NOT NULL DEFAULT '',
		streak INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS ownerships (
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS admin_audit (
		idempotency_key TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		action TEXT NOT NULL,
		amount BIGINT NOT NULL,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_target
		ON admin_audit(target_id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every statement
// can run standalone or inside WithAtomic.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) EnsureWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return ensureWallet(ctx, s.pool, userID)
}

func ensureWallet(ctx context.Context, q querier, userID ledger.UserID) (ledger.Wallet, error) {
	_, err := q.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, status) VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, ledger.WalletActive,
	)
	if err != nil {
		return ledger.Wallet{}, mapError("ensure wallet", err)
	}
	return getWallet(ctx, q, userID)
}

func (s *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return getWallet(ctx, s.pool, userID)
}

func getWallet(ctx context.Context, q querier, userID ledger.UserID) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := q.QueryRow(ctx,
		"SELECT user_id, balance, status, updated_at FROM wallets WHERE user_id = $1",
		userID,
	).Scan(&w.UserID, &w.Balance, &w.Status, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if err != nil {
		return ledger.Wallet{}, mapError("get wallet", err)
	}
	return w, nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	return insertTransaction(ctx, s.pool, tx)
}

func insertTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO wallet_transactions
		 (id, user_id, delta, reason, idempotency_key, dedupe_key, meta_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		tx.ID, tx.UserID, tx.Delta, tx.Reason,
		tx.IdempotencyKey, tx.DedupeKey, tx.Meta, tx.CreatedAt.UTC(),
	)
	if err != nil {
		if name, ok := uniqueViolation(err); ok {
			if strings.Contains(name, "dedupe") {
				return ledger.ErrDuplicateDedupeKey
			}
			return ledger.ErrDuplicateIdempotencyKey
		}
		return mapError("insert transaction", err)
	}
	return nil
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return findTransaction(ctx, s.pool, "WHERE idempotency_key = $1", key)
}

func (s *Store) FindTransactionByDedupeKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	return findTransaction(ctx, s.pool, "WHERE user_id = $1 AND dedupe_key = $2", userID, key)
}

func findTransaction(ctx context.Context, q querier, where string, args ...any) (*ledger.Transaction, error) {
	query := `
		SELECT id, user_id, delta, reason, idempotency_key, COALESCE(dedupe_key, ''), meta_json, created_at
		FROM wallet_transactions ` + where + ` LIMIT 1`

	var tx ledger.Transaction
	err := q.QueryRow(ctx, query, args...).Scan(
		&tx.ID, &tx.UserID, &tx.Delta, &tx.Reason,
		&tx.IdempotencyKey, &tx.DedupeKey, &tx.Meta, &tx.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find transaction", err)
	}
	return &tx, nil
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, userID ledger.UserID, delta int64) (int64, bool, error) {
	return applyBalanceDelta(ctx, s.pool, userID, delta)
}

func applyBalanceDelta(ctx context.Context, q querier, userID ledger.UserID, delta int64) (int64, bool, error) {
	if _, err := ensureWallet(ctx, q, userID); err != nil {
		return 0, false, err
	}

	// Sufficiency check and increment in one statement; the row lock taken
	// by UPDATE serializes concurrent spends on the same wallet.
	var balance int64
	err := q.QueryRow(ctx,
		`UPDATE wallets SET balance = balance + $2, updated_at = now()
		 WHERE user_id = $1 AND balance + $2 >= 0
		 RETURNING balance`,
		userID, delta,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		w, err := getWallet(ctx, q, userID)
		if err != nil {
			return 0, false, err
		}
		return w.Balance, false, nil
	}
	if err != nil {
		return 0, false, mapError("apply balance delta", err)
	}
	return balance, true, nil
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.pool, userID, limit)
}

func queryTransactions(ctx context.Context, q querier, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, user_id, delta, reason, idempotency_key, COALESCE(dedupe_key, ''), meta_json, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query transactions", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		var tx ledger.Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &tx.Reason,
			&tx.IdempotencyKey, &tx.DedupeKey, &tx.Meta, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// =============================================================================
// ATOMIC STORE (ledger.AtomicStore interface)
// =============================================================================

// WithAtomic executes a function within a database transaction.
func (s *Store) WithAtomic(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// txStore runs the same statements against an open pgx.Tx. It also carries
// the StateStore methods so ownership and audit writes join the unit of work.
//
// Inserts that can hit a unique constraint run inside a savepoint: a raised
// 23505 otherwise marks the whole transaction aborted and every later
// statement fails with 25P02 - the duplicate-resolution reads that follow a
// duplicate insert must keep working on the same transaction.
type txStore struct {
	tx pgx.Tx
}

// withSavepoint runs fn inside a savepoint (pgx nests Begin on a Tx as a
// savepoint) and rolls back only the savepoint when fn fails.
func (ts *txStore) withSavepoint(ctx context.Context, fn func(q querier) error) error {
	sp, err := ts.tx.Begin(ctx)
	if err != nil {
		return mapError("begin savepoint", err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return mapError("release savepoint", err)
	}
	return nil
}

func (ts *txStore) EnsureWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return ensureWallet(ctx, ts.tx, userID)
}

func (ts *txStore) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return getWallet(ctx, ts.tx, userID)
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	return ts.withSavepoint(ctx, func(q querier) error {
		return insertTransaction(ctx, q, tx)
	})
}

func (ts *txStore) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return findTransaction(ctx, ts.tx, "WHERE idempotency_key = $1", key)
}

func (ts *txStore) FindTransactionByDedupeKey(ctx context.Context, userID ledger.UserID, key string) (*ledger.Transaction, error) {
	return findTransaction(ctx, ts.tx, "WHERE user_id = $1 AND dedupe_key = $2", userID, key)
}

func (ts *txStore) ApplyBalanceDelta(ctx context.Context, userID ledger.UserID, delta int64) (int64, bool, error) {
	return applyBalanceDelta(ctx, ts.tx, userID, delta)
}

func (ts *txStore) Transactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, ts.tx, userID, limit)
}

func (ts *txStore) GetLoginState(ctx context.Context, userID ledger.UserID) (ledger.LoginState, error) {
	return getLoginState(ctx, ts.tx, userID)
}

func (ts *txStore) SetLoginState(ctx context.Context, userID ledger.UserID, next ledger.LoginState, prevDay ledger.DayKey) (bool, error) {
	return setLoginState(ctx, ts.tx, userID, next, prevDay)
}

func (ts *txStore) InsertOwnership(ctx context.Context, userID ledger.UserID, itemID string) error {
	return ts.withSavepoint(ctx, func(q querier) error {
		return insertOwnership(ctx, q, userID, itemID)
	})
}

func (ts *txStore) OwnsItem(ctx context.Context, userID ledger.UserID, itemID string) (bool, error) {
	return ownsItem(ctx, ts.tx, userID, itemID)
}

func (ts *txStore) InsertAuditRecord(ctx context.Context, rec ledger.AuditRecord) error {
	return ts.withSavepoint(ctx, func(q querier) error {
		return insertAuditRecord(ctx, q, rec)
	})
}

func (ts *txStore) AuditRecords(ctx context.Context, target ledger.UserID, limit int) ([]ledger.AuditRecord, error) {
	return auditRecords(ctx, ts.tx, target, limit)
}

// =============================================================================
// COUNTER STORE (ledger.CounterStore interface)
// =============================================================================

func (s *Store) IncrementCounter(ctx context.Context, scope, scopeID, key, bucket string, ttl time.Duration) (int64, error) {
	// Upsert: a fresh or expired bucket restarts at 1 with a new expiry,
	// a live one increments in place.
	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_buckets (scope, scope_id, key, bucket, count, expires_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (scope, scope_id, key, bucket) DO UPDATE SET
			count = CASE WHEN rate_limit_buckets.expires_at <= now() THEN 1
			             ELSE rate_limit_buckets.count + 1 END,
			expires_at = CASE WHEN rate_limit_buckets.expires_at <= now() THEN EXCLUDED.expires_at
			                  ELSE rate_limit_buckets.expires_at END
		RETURNING count`,
		scope, scopeID, key, bucket, time.Now().UTC().Add(ttl),
	).Scan(&count)
	if err != nil {
		return 0, mapError("increment counter", err)
	}
	return count, nil
}

func (s *Store) GetCounter(ctx context.Context, scope, scopeID, key, bucket string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT count FROM rate_limit_buckets
		WHERE scope = $1 AND scope_id = $2 AND key = $3 AND bucket = $4 AND expires_at > now()`,
		scope, scopeID, key, bucket,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("get counter", err)
	}
	return count, nil
}

func (s *Store) PurgeExpiredCounters(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM rate_limit_buckets WHERE expires_at <= $1",
		now.UTC(),
	)
	if err != nil {
		return 0, mapError("purge counters", err)
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// STATE STORE (ledger.StateStore interface)
// =============================================================================

func (s *Store) GetLoginState(ctx context.Context, userID ledger.UserID) (ledger.LoginState, error) {
	return getLoginState(ctx, s.pool, userID)
}

func getLoginState(ctx context.Context, q querier, userID ledger.UserID) (ledger.LoginState, error) {
	var st ledger.LoginState
	err := q.QueryRow(ctx,
		"SELECT last_claim_day, streak FROM login_states WHERE user_id = $1",
		userID,
	).Scan(&st.LastClaimDay, &st.Streak)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.LoginState{}, nil
	}
	if err != nil {
		return ledger.LoginState{}, mapError("get login state", err)
	}
	return st, nil
}

func (s *Store) SetLoginState(ctx context.Context, userID ledger.UserID, next ledger.LoginState, prevDay ledger.DayKey) (bool, error) {
	return setLoginState(ctx, s.pool, userID, next, prevDay)
}

func setLoginState(ctx context.Context, q querier, userID ledger.UserID, next ledger.LoginState, prevDay ledger.DayKey) (bool, error) {
	// Compare-and-swap on the stored day: the claim that moves the state
	// wins, any concurrent claim sees zero rows affected.
	tag, err := q.Exec(ctx,
		"UPDATE login_states SET last_claim_day = $2, streak = $3 WHERE user_id = $1 AND last_claim_day = $4",
		userID, next.LastClaimDay, next.Streak, prevDay,
	)
	if err != nil {
		return false, mapError("set login state", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if prevDay != "" {
		return false, nil
	}

	// First claim ever: no row to update yet.
	tag, err = q.Exec(ctx,
		`INSERT INTO login_states (user_id, last_claim_day, streak) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, next.LastClaimDay, next.Streak,
	)
	if err != nil {
		return false, mapError("insert login state", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) InsertOwnership(ctx context.Context, userID ledger.UserID, itemID string) error {
	return insertOwnership(ctx, s.pool, userID, itemID)
}

func insertOwnership(ctx context.Context, q querier, userID ledger.UserID, itemID string) error {
	_, err := q.Exec(ctx,
		"INSERT INTO ownerships (user_id, item_id) VALUES ($1, $2)",
		userID, itemID,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ledger.ErrAlreadyOwned
		}
		return mapError("insert ownership", err)
	}
	return nil
}

func (s *Store) OwnsItem(ctx context.Context, userID ledger.UserID, itemID string) (bool, error) {
	return ownsItem(ctx, s.pool, userID, itemID)
}

func ownsItem(ctx context.Context, q querier, userID ledger.UserID, itemID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ownerships WHERE user_id = $1 AND item_id = $2)",
		userID, itemID,
	).Scan(&exists)
	if err != nil {
		return false, mapError("ownership check", err)
	}
	return exists, nil
}

func (s *Store) InsertAuditRecord(ctx context.Context, rec ledger.AuditRecord) error {
	return insertAuditRecord(ctx, s.pool, rec)
}

func insertAuditRecord(ctx context.Context, q querier, rec ledger.AuditRecord) error {
	_, err := q.Exec(ctx,
		`INSERT INTO admin_audit (idempotency_key, actor_id, target_id, action, amount, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.IdempotencyKey, rec.ActorID, rec.TargetID, rec.Action, rec.Amount, rec.Reason,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return mapError("insert audit record", err)
	}
	return nil
}

func (s *Store) AuditRecords(ctx context.Context, target ledger.UserID, limit int) ([]ledger.AuditRecord, error) {
	return auditRecords(ctx, s.pool, target, limit)
}

func auditRecords(ctx context.Context, q querier, target ledger.UserID, limit int) ([]ledger.AuditRecord, error) {
	query := `
		SELECT idempotency_key, actor_id, target_id, action, amount, COALESCE(reason, ''), created_at
		FROM admin_audit
		WHERE target_id = $1
		ORDER BY created_at DESC, idempotency_key DESC`
	args := []any{target}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query audit records", err)
	}
	defer rows.Close()

	var records []ledger.AuditRecord
	for rows.Next() {
		var rec ledger.AuditRecord
		if err := rows.Scan(&rec.IdempotencyKey, &rec.ActorID, &rec.TargetID,
			&rec.Action, &rec.Amount, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func uniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return fmt.Errorf("%s: %w", op, ledger.ErrTransientConflict)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
