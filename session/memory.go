package session

import (
	"context"
	"sync"
	"time"
)

// memoryStore implements Store using an in-memory map.
type memoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*Record
	defaultTTL time.Duration
	now        func() time.Time
}

func newMemoryStore(c *storeConfig) *memoryStore {
	return &memoryStore{
		sessions:   make(map[string]*Record),
		defaultTTL: c.defaultTTL,
		now:        c.now,
	}
}

// Get implements Store.
func (s *memoryStore) Get(_ context.Context, agentID, contactID string) (*Record, error) {
	if agentID == "" || contactID == "" {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	rec, exists := s.sessions[key(agentID, contactID)]
	s.mu.RUnlock()
	if !exists {
		return nil, nil
	}
	if rec.Expired(s.now()) {
		s.mu.Lock()
		if cur, ok := s.sessions[key(agentID, contactID)]; ok && cur == rec {
			delete(s.sessions, key(agentID, contactID))
		}
		s.mu.Unlock()
		return nil, nil
	}

	out := *rec
	return &out, nil
}

// Put implements Store.
func (s *memoryStore) Put(_ context.Context, agentID, contactID string, state []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	rec, err := newRecord(agentID, contactID, state, ttl, s.now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key(agentID, contactID)] = rec
	return nil
}

// Close implements Store.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*Record)
	return nil
}
