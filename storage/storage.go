// Package storage persists the round engine's state in a dedicated SQLite
// database. All monetary mutations run inside per-operation transactions; the
// store's own clock (sqlite strftime) decides round readiness so multiple
// processes never disagree on deadlines.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Storage wraps the qflash persistence layer.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("qflash storage path must be configured")

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// All writes funnel through one connection; sqlite serialises writers
	// anyway and a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Now returns the store clock as a unix timestamp. Readiness decisions use
// this clock, not the caller's, to avoid wall-clock skew between processes.
func (s *Storage) Now(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var now int64
	if err := s.db.QueryRowContext(ctx, `SELECT CAST(strftime('%s','now') AS INTEGER)`).Scan(&now); err != nil {
		return 0, fmt.Errorf("query store clock: %w", err)
	}
	return now, nil
}

// AcquireLock takes the named single-writer lock for owner with the supplied
// TTL. It succeeds when no live lock exists, the existing lock has expired,
// or the lock already belongs to owner.
func (s *Storage) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" || owner == "" {
		return false, fmt.Errorf("lock name and owner required")
	}
	ttlSecs := int64(ttl / time.Second)
	if ttlSecs <= 0 {
		ttlSecs = 30
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO engine_locks(name, owner, acquired_at, expires_at)
        VALUES(?, ?, strftime('%s','now'), strftime('%s','now') + ?)
        ON CONFLICT(name) DO UPDATE SET
            owner=excluded.owner,
            acquired_at=excluded.acquired_at,
            expires_at=excluded.expires_at
        WHERE engine_locks.owner = excluded.owner
           OR engine_locks.expires_at <= strftime('%s','now')
    `, name, owner, ttlSecs)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseLock drops the named lock when owner still holds it.
func (s *Storage) ReleaseLock(ctx context.Context, name, owner string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM engine_locks WHERE name = ? AND owner = ?
    `, strings.TrimSpace(name), strings.TrimSpace(owner)); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// begin starts an immediate transaction and returns it with a rollback
// closure safe to defer.
func (s *Storage) begin(ctx context.Context) (*sql.Tx, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
    id TEXT PRIMARY KEY,
    pair TEXT NOT NULL,
    duration INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'upcoming',
    open_at INTEGER NOT NULL,
    lock_at INTEGER NOT NULL,
    close_at INTEGER NOT NULL,
    opening_price REAL,
    closing_price REAL,
    outcome TEXT,
    up_pool_qu INTEGER NOT NULL DEFAULT 0 CHECK (up_pool_qu >= 0),
    down_pool_qu INTEGER NOT NULL DEFAULT 0 CHECK (down_pool_qu >= 0),
    entry_count INTEGER NOT NULL DEFAULT 0,
    platform_fee_qu INTEGER NOT NULL DEFAULT 0,
    commitment_hash TEXT,
    resolved_at INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    CHECK (open_at <= lock_at AND lock_at < close_at)
);
CREATE INDEX IF NOT EXISTS idx_rounds_status_open ON rounds(status, open_at);
CREATE INDEX IF NOT EXISTS idx_rounds_status_lock ON rounds(status, lock_at);
CREATE INDEX IF NOT EXISTS idx_rounds_status_close ON rounds(status, close_at);
CREATE INDEX IF NOT EXISTS idx_rounds_pair_duration ON rounds(pair, duration, status);

CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    round_id TEXT NOT NULL REFERENCES rounds(id),
    user_address TEXT NOT NULL,
    side TEXT NOT NULL CHECK (side IN ('up','down')),
    amount_qu INTEGER NOT NULL CHECK (amount_qu > 0),
    payout_qu INTEGER,
    status TEXT NOT NULL DEFAULT 'active',
    is_house INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_round_user
    ON entries(round_id, user_address) WHERE is_house = 0;
CREATE INDEX IF NOT EXISTS idx_entries_round ON entries(round_id, status);
CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_address, created_at);

CREATE TABLE IF NOT EXISTS accounts (
    address TEXT PRIMARY KEY,
    balance_qu INTEGER NOT NULL DEFAULT 0 CHECK (balance_qu >= 0),
    total_deposited INTEGER NOT NULL DEFAULT 0,
    total_withdrawn INTEGER NOT NULL DEFAULT 0,
    total_wagered INTEGER NOT NULL DEFAULT 0,
    total_won INTEGER NOT NULL DEFAULT 0,
    total_lost INTEGER NOT NULL DEFAULT 0,
    total_refunded INTEGER NOT NULL DEFAULT 0,
    wins INTEGER NOT NULL DEFAULT 0,
    losses INTEGER NOT NULL DEFAULT 0,
    pushes INTEGER NOT NULL DEFAULT 0,
    current_streak INTEGER NOT NULL DEFAULT 0,
    best_streak INTEGER NOT NULL DEFAULT 0,
    auth_token TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_token ON accounts(auth_token);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount_qu INTEGER NOT NULL,
    round_id TEXT,
    tx_hash TEXT,
    destination TEXT,
    status TEXT NOT NULL DEFAULT 'confirmed',
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_transactions_address ON transactions(address, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_kind_status ON transactions(kind, status);
CREATE INDEX IF NOT EXISTS idx_transactions_hash ON transactions(tx_hash);

CREATE TABLE IF NOT EXISTS price_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    round_id TEXT NOT NULL REFERENCES rounds(id),
    kind TEXT NOT NULL CHECK (kind IN ('opening','closing')),
    pair TEXT NOT NULL,
    median_price REAL NOT NULL,
    sources TEXT NOT NULL,
    attestation_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    UNIQUE (round_id, kind)
);

CREATE TABLE IF NOT EXISTS house_ledger (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    round_id TEXT NOT NULL,
    entry_id TEXT,
    kind TEXT NOT NULL,
    amount_qu INTEGER NOT NULL,
    balance_after_qu INTEGER NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_house_ledger_round ON house_ledger(round_id);

CREATE TABLE IF NOT EXISTS engine_locks (
    name TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    price REAL NOT NULL,
    captured_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_price_history_pair ON price_history(pair, captured_at);
`
