/*
Package dedup provides the short-TTL "seen" set.

PURPOSE:
  Providers redeliver webhooks, and the queue redelivers after a crash. The
  seen set remembers message ids that were already accepted (ingest) or
  already processed (dispatcher) for a bounded time, so the common duplicate
  is dropped without touching the queue or re-running the workflow.

  Ingest and dispatch each need their own set (or Redis prefix). A shared
  set would make every accepted message look already processed.

  The set is a fast path, not the guarantee: the queue's unique id and the
  ledger's unique external reference still hold when an entry has expired.

DRIVERS:
  - Memory: in-process map with lazy expiry
  - Redis:  SET key 1 EX ttl, shared across processes
*/
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Set is a set of keys with per-key expiry.
type Set interface {
	// Contains reports whether key was marked and has not expired.
	Contains(ctx context.Context, key string) (bool, error)

	// Mark adds key for ttl. Marking an existing key refreshes its ttl.
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// DefaultTTL is used when Mark is called with a non-positive ttl.
const DefaultTTL = 24 * time.Hour

// =============================================================================
// MEMORY
// =============================================================================

type Memory struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
	marks   int
}

// sweepEvery is how many Marks happen between full expiry sweeps.
const sweepEvery = 1024

func NewMemory() *Memory {
	return &Memory{expires: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides time.Now (tests).
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Contains(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.expires[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.expires, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Mark(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expires[key] = now.Add(ttl)
	m.marks++
	if m.marks%sweepEvery == 0 {
		for k, exp := range m.expires {
			if !now.Before(exp) {
				delete(m.expires, k)
			}
		}
	}
	return nil
}

// Len returns the number of tracked keys, including expired ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expires)
}

// =============================================================================
// REDIS
// =============================================================================

const seenKeyPrefix = "seen:"

type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a Redis-backed set. Keys are stored as prefix+key;
// an empty prefix uses "seen:".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = seenKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Contains(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return r.client.Set(ctx, r.prefix+key, "1", ttl).Err()
}
