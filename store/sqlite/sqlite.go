/*
Package sqlite provides the SQLite-backed metering store and durable queue.

PURPOSE:
  One database file holds the credit ledger, the cached balances and the
  inbound queue, so a single-node deployment needs nothing but the binary
  and a volume.

INTERFACES IMPLEMENTED:
  metering.Store: Ledger entries + cached balances (metering.go)
  queue.Queue:    Durable inbound queue (queue.go)

APPEND-ONLY ENFORCEMENT:
  ledger_entries is append-only at the schema level: triggers abort any
  UPDATE or DELETE. Corrections are new adjustment entries.

KEY TABLES:
  accounts:       Cached credit balance per user (credits >= 0)
  ledger_entries: Immutable ledger, UNIQUE external_ref for idempotent debits
  queue_entries:  One row per inbound message and its delivery state
  queue_state:    Key/value flags (paused)

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate) so the
  write lock is taken up front; a concurrent writer in another process waits
  up to the busy timeout and then surfaces as ErrConcurrentModification
  (metering) or ErrStorageUnavailable (queue). Inside one process a
  sync.RWMutex serializes writers.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

TIMESTAMPS:
  Stored as fixed-width UTC text (timeFormat) so string comparison orders
  them correctly.

USAGE:
  store, err := sqlite.New("./data/engine.db")
  if err != nil {
      return err
  }
  defer store.Close()

  svc := metering.NewService(store)
  q := store.Queue(sqlite.WithQueuePolicy(queue.DefaultPolicy()))

SEE ALSO:
  - metering/store.go: Store / Tx interfaces
  - queue/queue.go: Queue interface
  - metering/store/memory.go: In-memory store for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store owns the database handle shared by the metering store and the queue.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
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

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Cached balances
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		credits INTEGER NOT NULL CHECK (credits >= 0),
		cycle_end_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		external_ref TEXT UNIQUE,
		meta_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created
		ON ledger_entries(user_id, created_at DESC);

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;

	-- Inbound queue
	CREATE TABLE IF NOT EXISTS queue_entries (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		enqueued_at TEXT NOT NULL,
		available_at TEXT NOT NULL,
		claim_token TEXT,
		claimed_by TEXT,
		claimed_at TEXT,
		last_error TEXT,
		completed_at TEXT
	);

	-- Claim hot path
	CREATE INDEX IF NOT EXISTS idx_queue_entries_ready
		ON queue_entries(status, available_at);
	CREATE INDEX IF NOT EXISTS idx_queue_entries_claimed
		ON queue_entries(status, claimed_at);

	CREATE TABLE IF NOT EXISTS queue_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in one BEGIN IMMEDIATE transaction.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusyError reports lock contention that outlived the busy timeout.
func isBusyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
