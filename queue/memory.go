package queue

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// =============================================================================
// MEMORY QUEUE - In-process implementation (for testing/dev)
// =============================================================================

// Memory is an in-process Queue. Entries are claimed in enqueue order.
// Not durable across restarts.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	now     Clock
	entries map[EntryID]*Entry
	order   []EntryID
	paused  bool
	closed  bool

	// notify is closed and replaced whenever an entry may have become
	// claimable, waking blocked ClaimBatch callers.
	notify chan struct{}
}

type MemoryOption func(*Memory)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) MemoryOption {
	return func(m *Memory) { m.policy = p.Normalize() }
}

// WithClock overrides time.Now (tests).
func WithClock(now Clock) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		policy:  DefaultPolicy(),
		now:     time.Now,
		entries: make(map[EntryID]*Entry),
		notify:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewClaimToken returns a fresh, sortable claim token.
func NewClaimToken() string {
	return ulid.Make().String()
}

func (m *Memory) Enqueue(_ context.Context, env Envelope) (EntryID, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	id := EntryID(env.ID)
	if _, ok := m.entries[id]; ok {
		return id, ErrDuplicateMessage
	}

	now := m.now().UTC()
	env.EnqueuedAt = now
	env.Attempts = 0
	env.Status = StatusQueued
	m.entries[id] = &Entry{Envelope: env, AvailableAt: now, MaxAttempts: m.policy.MaxAttempts}
	m.order = append(m.order, id)
	m.wakeLocked()
	return id, nil
}

func (m *Memory) ClaimBatch(ctx context.Context, consumerID string, max int, block time.Duration) ([]Entry, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(block)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		m.reclaimLocked(m.policy.Visibility)

		var claimed []Entry
		wait := time.Until(deadline)
		if !m.paused {
			now := m.now().UTC()
			for _, id := range m.order {
				if len(claimed) == max {
					break
				}
				e := m.entries[id]
				if e.Status != StatusQueued {
					continue
				}
				if e.AvailableAt.After(now) {
					if d := e.AvailableAt.Sub(now); d < wait {
						wait = d
					}
					continue
				}
				claimedAt := now
				e.Status = StatusProcessing
				e.ClaimToken = NewClaimToken()
				e.ClaimedBy = consumerID
				e.ClaimedAt = &claimedAt
				claimed = append(claimed, *e)
			}
		}
		notify := m.notify
		m.mu.Unlock()

		if len(claimed) > 0 || wait <= 0 {
			return claimed, nil
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
		if time.Now().After(deadline) {
			// One last pass so an entry that became due exactly at the
			// deadline is not missed.
			deadline = time.Now()
		}
	}
}

func (m *Memory) Ack(_ context.Context, id EntryID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if e.Status == StatusCompleted {
		return nil
	}
	if err := e.CheckClaim(token); err != nil {
		return err
	}
	now := m.now().UTC()
	e.Status = StatusCompleted
	e.CompletedAt = &now
	e.ClaimToken = ""
	return nil
}

func (m *Memory) Nack(_ context.Context, id EntryID, token, reason string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return "", ErrEntryNotFound
	}
	if err := e.CheckClaim(token); err != nil {
		return e.Status, err
	}
	if e.Status != StatusProcessing {
		return e.Status, nil
	}
	m.failLocked(e, reason)
	return e.Status, nil
}

func (m *Memory) DeadLetter(_ context.Context, id EntryID, token, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if e.Status.Terminal() {
		return nil
	}
	if err := e.CheckClaim(token); err != nil {
		return err
	}
	e.Attempts++
	e.Status = StatusDead
	e.LastError = reason
	e.ClaimToken = ""
	return nil
}

func (m *Memory) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaimLocked(olderThan), nil
}

func (m *Memory) Pause(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	return nil
}

func (m *Memory) Resume(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.wakeLocked()
	return nil
}

func (m *Memory) PurgeAcked(_ context.Context, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-retention)
	kept := m.order[:0]
	purged := 0
	for _, id := range m.order {
		e := m.entries[id]
		if e.Status == StatusCompleted && !e.CompletedAt.After(cutoff) {
			delete(m.entries, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return purged, nil
}

func (m *Memory) Health(context.Context) (Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{Reachable: !m.closed, Paused: m.paused}
	for _, e := range m.entries {
		switch e.Status {
		case StatusQueued:
			h.Pending++
		case StatusProcessing:
			h.InFlight++
		case StatusDead:
			h.DeadLetter++
		}
	}
	return h, nil
}

func (m *Memory) ListDeadLetter(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []Entry
	for _, id := range m.order {
		if limit > 0 && len(dead) == limit {
			break
		}
		if e := m.entries[id]; e.Status == StatusDead {
			dead = append(dead, *e)
		}
	}
	return dead, nil
}

func (m *Memory) RetryDeadLetter(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	n := 0
	for _, e := range m.entries {
		if e.Status != StatusDead {
			continue
		}
		e.Status = StatusQueued
		e.Attempts = 0
		e.AvailableAt = now
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		n++
	}
	if n > 0 {
		m.wakeLocked()
	}
	return n, nil
}

func (m *Memory) Get(_ context.Context, id EntryID) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return *e, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.wakeLocked()
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Memory) failLocked(e *Entry, reason string) {
	e.Attempts++
	e.LastError = reason
	e.ClaimToken = ""
	e.Status, e.AvailableAt = m.policy.Next(e.Attempts, e.MaxAttempts, m.now().UTC())
	if e.Status == StatusQueued {
		m.wakeLocked()
	}
}

func (m *Memory) reclaimLocked(olderThan time.Duration) int {
	cutoff := m.now().UTC().Add(-olderThan)
	n := 0
	for _, e := range m.entries {
		if e.Status != StatusProcessing || e.ClaimedAt == nil || e.ClaimedAt.After(cutoff) {
			continue
		}
		m.failLocked(e, "visibility timeout expired")
		n++
	}
	return n
}

func (m *Memory) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}
