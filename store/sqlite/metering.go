package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/inbound-engine/metering"
)

// =============================================================================
// METERING STORE (metering.Store interface)
// =============================================================================

var _ metering.Store = (*Store)(nil)

// WithTx executes fn within a database transaction. Lock contention is
// reported as metering.ErrConcurrentModification so the service retries.
func (s *Store) WithTx(ctx context.Context, fn func(metering.Tx) error) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx})
	})
	if isBusyError(err) {
		return fmt.Errorf("%w: %v", metering.ErrConcurrentModification, err)
	}
	return err
}

// Account returns the cached account row.
func (s *Store) Account(ctx context.Context, userID metering.UserID) (metering.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadAccount(ctx, s.db, userID)
}

// Entries returns ledger entries newest-first.
func (s *Store) Entries(ctx context.Context, userID metering.UserID, take, skip int) ([]metering.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, delta, entry_type, external_ref, meta_json, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, take, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]metering.LedgerEntry, 0, take)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Account(ctx context.Context, userID metering.UserID) (metering.Account, error) {
	return loadAccount(ctx, ts.tx, userID)
}

func (ts *txStore) PutAccount(ctx context.Context, a metering.Account) error {
	query := `
		INSERT INTO accounts (user_id, credits, cycle_end_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			credits = excluded.credits,
			cycle_end_at = excluded.cycle_end_at,
			updated_at = excluded.updated_at
	`
	_, err := ts.tx.ExecContext(ctx, query,
		a.UserID,
		a.Credits,
		nullTime(a.CycleEndAt),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (ts *txStore) Append(ctx context.Context, e metering.LedgerEntry) error {
	var metaJSON sql.NullString
	if len(e.Meta) > 0 {
		raw, err := json.Marshal(e.Meta)
		if err != nil {
			return err
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO ledger_entries
		(id, user_id, delta, entry_type, external_ref, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		e.Delta,
		e.Type,
		nullString(e.ExternalRef),
		metaJSON,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return metering.ErrDuplicateExternalRef
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (ts *txStore) EntryByRef(ctx context.Context, externalRef string) (*metering.LedgerEntry, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT id, user_id, delta, entry_type, external_ref, meta_json, created_at
		FROM ledger_entries
		WHERE external_ref = ?
	`, externalRef)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (ts *txStore) SumDeltas(ctx context.Context, userID metering.UserID) (int64, error) {
	var sum int64
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id = ?",
		userID,
	).Scan(&sum)
	return sum, err
}

// =============================================================================
// HELPERS
// =============================================================================

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func loadAccount(ctx context.Context, q querier, userID metering.UserID) (metering.Account, error) {
	var (
		a                    metering.Account
		cycleEnd             sql.NullString
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, credits, cycle_end_at, created_at, updated_at
		FROM accounts WHERE user_id = ?
	`, userID).Scan(&a.UserID, &a.Credits, &cycleEnd, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return metering.Account{}, metering.ErrAccountNotFound
	}
	if err != nil {
		return metering.Account{}, fmt.Errorf("failed to load account: %w", err)
	}

	a.CycleEndAt = parseNullTime(cycleEnd)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func scanEntry(row scanner) (metering.LedgerEntry, error) {
	var (
		e           metering.LedgerEntry
		externalRef sql.NullString
		metaJSON    sql.NullString
		createdAt   string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Delta, &e.Type, &externalRef, &metaJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.ExternalRef = externalRef.String
	e.CreatedAt = parseTime(createdAt)
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Meta); err != nil {
			return e, fmt.Errorf("failed to decode ledger meta: %w", err)
		}
	}
	return e, nil
}
