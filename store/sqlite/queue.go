package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/inbound-engine/queue"
)

// =============================================================================
// DURABLE QUEUE (queue.Queue interface)
// =============================================================================

const (
	entryColumns = `id, provider, agent_id, contact_id, kind, payload, status, attempts,
		max_attempts, enqueued_at, available_at, claim_token, claimed_by, claimed_at,
		last_error, completed_at`

	// pollInterval bounds how long a blocked claim waits before looking at
	// the table again for rows written by another process.
	pollInterval = 250 * time.Millisecond
)

// Queue is a queue.Queue stored in the queue_entries table.
type Queue struct {
	store  *Store
	policy queue.Policy
	now    queue.Clock
	closed atomic.Bool

	mu     sync.Mutex
	notify chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

type QueueOption func(*Queue)

// WithQueuePolicy sets the retry policy.
func WithQueuePolicy(p queue.Policy) QueueOption {
	return func(q *Queue) { q.policy = p.Normalize() }
}

// WithQueueClock overrides time.Now (tests).
func WithQueueClock(now queue.Clock) QueueOption {
	return func(q *Queue) { q.now = now }
}

// Queue returns the durable queue backed by this store.
func (s *Store) Queue(opts ...QueueOption) *Queue {
	q := &Queue{
		store:  s,
		policy: queue.DefaultPolicy(),
		now:    time.Now,
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, env queue.Envelope) (queue.EntryID, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	if q.closed.Load() {
		return "", queue.ErrClosed
	}

	id := queue.EntryID(env.ID)
	now := formatTime(q.now())
	err := q.exec(ctx, "enqueue", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries
			(id, provider, agent_id, contact_id, kind, payload, status, attempts,
			 max_attempts, enqueued_at, available_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, env.ID, env.Provider, env.AgentID, env.ContactID, env.Kind, nullString(string(env.Payload)),
			queue.StatusQueued, q.policy.MaxAttempts, now, now)
		return err
	})
	if isUniqueConstraintError(err) {
		return id, queue.ErrDuplicateMessage
	}
	if err != nil {
		return "", err
	}

	q.wake()
	return id, nil
}

func (q *Queue) ClaimBatch(ctx context.Context, consumerID string, max int, block time.Duration) ([]queue.Entry, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(block)

	for {
		if q.closed.Load() {
			return nil, queue.ErrClosed
		}
		notify := q.waitChan()

		claimed, err := q.claim(ctx, consumerID, max)
		if err != nil || len(claimed) > 0 {
			return claimed, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > pollInterval {
			wait = pollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, consumerID string, max int) ([]queue.Entry, error) {
	var claimed []queue.Entry
	err := q.exec(ctx, "claim", func(tx *sql.Tx) error {
		paused, err := isPaused(ctx, tx)
		if err != nil || paused {
			return err
		}

		if _, err := q.reclaim(ctx, tx, q.policy.Visibility); err != nil {
			return err
		}

		now := q.now()
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM queue_entries
			WHERE status = ? AND available_at <= ?
			ORDER BY enqueued_at ASC, rowid ASC
			LIMIT ?
		`, queue.StatusQueued, formatTime(now), max)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET status = ?, claim_token = ?, claimed_by = ?, claimed_at = ?
				WHERE id = ?
			`, queue.StatusProcessing, queue.NewClaimToken(), consumerID, formatTime(now), id)
			if err != nil {
				return err
			}
			e, err := loadEntry(ctx, tx, queue.EntryID(id))
			if err != nil {
				return err
			}
			claimed = append(claimed, e)
		}
		return nil
	})
	return claimed, err
}

func (q *Queue) Ack(ctx context.Context, id queue.EntryID, token string) error {
	return q.exec(ctx, "ack", func(tx *sql.Tx) error {
		e, err := loadEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status == queue.StatusCompleted {
			return nil
		}
		if err := e.CheckClaim(token); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = ?, completed_at = ?, claim_token = NULL
			WHERE id = ?
		`, queue.StatusCompleted, formatTime(q.now()), id)
		return err
	})
}

func (q *Queue) Nack(ctx context.Context, id queue.EntryID, token, reason string) (queue.Status, error) {
	var st queue.Status
	err := q.exec(ctx, "nack", func(tx *sql.Tx) error {
		e, err := loadEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		st = e.Status
		if err := e.CheckClaim(token); err != nil {
			return err
		}
		if e.Status != queue.StatusProcessing {
			return nil
		}
		st, err = q.fail(ctx, tx, e, reason)
		return err
	})
	if err == nil && st == queue.StatusQueued {
		q.wake()
	}
	return st, err
}

func (q *Queue) DeadLetter(ctx context.Context, id queue.EntryID, token, reason string) error {
	return q.exec(ctx, "dead letter", func(tx *sql.Tx) error {
		e, err := loadEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return nil
		}
		if err := e.CheckClaim(token); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = ?, attempts = attempts + 1, last_error = ?, claim_token = NULL
			WHERE id = ?
		`, queue.StatusDead, reason, id)
		return err
	})
}

func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	err := q.exec(ctx, "reclaim", func(tx *sql.Tx) error {
		var err error
		n, err = q.reclaim(ctx, tx, olderThan)
		return err
	})
	return n, err
}

func (q *Queue) Pause(ctx context.Context) error {
	return q.exec(ctx, "pause", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO queue_state (key, value) VALUES ('paused', '1')")
		return err
	})
}

func (q *Queue) Resume(ctx context.Context) error {
	err := q.exec(ctx, "resume", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM queue_state WHERE key = 'paused'")
		return err
	})
	if err == nil {
		q.wake()
	}
	return err
}

func (q *Queue) PurgeAcked(ctx context.Context, retention time.Duration) (int, error) {
	var n int64
	err := q.exec(ctx, "purge", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM queue_entries WHERE status = ? AND completed_at <= ?",
			queue.StatusCompleted, formatTime(q.now().Add(-retention)))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (q *Queue) Health(ctx context.Context) (queue.Health, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	if err := q.store.db.PingContext(ctx); err != nil {
		return queue.Health{}, queue.Unavailable("health", err)
	}

	h := queue.Health{Reachable: true}
	rows, err := q.store.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM queue_entries GROUP BY status")
	if err != nil {
		return queue.Health{}, queue.Unavailable("health", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st    queue.Status
			count int
		)
		if err := rows.Scan(&st, &count); err != nil {
			return queue.Health{}, err
		}
		switch st {
		case queue.StatusQueued:
			h.Pending = count
		case queue.StatusProcessing:
			h.InFlight = count
		case queue.StatusDead:
			h.DeadLetter = count
		}
	}
	if err := rows.Err(); err != nil {
		return queue.Health{}, err
	}

	var paused int
	err = q.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_state WHERE key = 'paused'").Scan(&paused)
	if err != nil {
		return queue.Health{}, queue.Unavailable("health", err)
	}
	h.Paused = paused > 0
	return h, nil
}

func (q *Queue) ListDeadLetter(ctx context.Context, limit int) ([]queue.Entry, error) {
	if limit <= 0 {
		limit = -1
	}

	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	rows, err := q.store.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = ?
		ORDER BY enqueued_at ASC, rowid ASC
		LIMIT ?
	`, queue.StatusDead, limit)
	if err != nil {
		return nil, queue.Unavailable("list dead letter", err)
	}
	defer rows.Close()

	var entries []queue.Entry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *Queue) RetryDeadLetter(ctx context.Context) (int, error) {
	var n int64
	err := q.exec(ctx, "retry dead letter", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = ?, attempts = 0, available_at = ?, claimed_by = NULL, claimed_at = NULL
			WHERE status = ?
		`, queue.StatusQueued, formatTime(q.now()), queue.StatusDead)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if n > 0 {
		q.wake()
	}
	return int(n), err
}

func (q *Queue) Get(ctx context.Context, id queue.EntryID) (queue.Entry, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	row := q.store.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE id = ?", id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Entry{}, queue.ErrEntryNotFound
	}
	if err != nil {
		return queue.Entry{}, queue.Unavailable("get", err)
	}
	return e, nil
}

// Close stops accepting work. The database is closed by Store.Close.
func (q *Queue) Close() error {
	if !q.closed.Swap(true) {
		q.wake()
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// exec runs fn in a transaction and maps driver failures to
// queue.ErrStorageUnavailable. Sentinel queue errors pass through.
func (q *Queue) exec(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	err := q.store.withTx(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrEntryNotFound), errors.Is(err, queue.ErrClaimLost), isUniqueConstraintError(err):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return queue.Unavailable(op, err)
	}
}

func (q *Queue) reclaim(ctx context.Context, tx *sql.Tx, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	rows, err := tx.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE status = ? AND claimed_at <= ?",
		queue.StatusProcessing, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	var stale []queue.Entry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range stale {
		if _, err := q.fail(ctx, tx, e, "visibility timeout expired"); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (q *Queue) fail(ctx context.Context, tx *sql.Tx, e queue.Entry, reason string) (queue.Status, error) {
	attempts := e.Attempts + 1
	st, availableAt := q.policy.Next(attempts, e.MaxAttempts, q.now())
	_, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, attempts = ?, available_at = ?, last_error = ?, claim_token = NULL
		WHERE id = ?
	`, st, attempts, formatTime(availableAt), reason, e.ID)
	return st, err
}

func (q *Queue) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

func (q *Queue) wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.notify)
	q.notify = make(chan struct{})
}

func isPaused(ctx context.Context, tx *sql.Tx) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_state WHERE key = 'paused'").Scan(&n)
	return n > 0, err
}

func loadEntry(ctx context.Context, tx *sql.Tx, id queue.EntryID) (queue.Entry, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE id = ?", id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Entry{}, queue.ErrEntryNotFound
	}
	return e, err
}

func scanQueueEntry(row scanner) (queue.Entry, error) {
	var (
		e                                 queue.Entry
		payload, claimToken, claimedBy    sql.NullString
		lastError, claimedAt, completedAt sql.NullString
		enqueuedAt, availableAt           string
	)
	err := row.Scan(
		&e.ID, &e.Provider, &e.AgentID, &e.ContactID, &e.Kind, &payload, &e.Status, &e.Attempts,
		&e.MaxAttempts, &enqueuedAt, &availableAt, &claimToken, &claimedBy, &claimedAt,
		&lastError, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan queue entry: %w", err)
	}

	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	e.EnqueuedAt = parseTime(enqueuedAt)
	e.AvailableAt = parseTime(availableAt)
	e.ClaimToken = claimToken.String
	e.ClaimedBy = claimedBy.String
	e.ClaimedAt = parseNullTime(claimedAt)
	e.LastError = lastError.String
	e.CompletedAt = parseNullTime(completedAt)
	return e, nil
}
