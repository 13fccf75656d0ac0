package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefix for sessions
const sessionKeyPrefix = "session:"

// redisStore implements Store using Redis key expiry for the inactivity TTL.
type redisStore struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	now        func() time.Time
}

func newRedisStore(c *storeConfig) *redisStore {
	prefix := c.redisPrefix
	if prefix == "" {
		prefix = sessionKeyPrefix
	}
	return &redisStore{
		client:     c.redisClient,
		prefix:     prefix,
		defaultTTL: c.defaultTTL,
		now:        c.now,
	}
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, agentID, contactID string) (*Record, error) {
	if agentID == "" || contactID == "" {
		return nil, ErrInvalidKey
	}

	val, err := s.client.Get(ctx, s.key(agentID, contactID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put implements Store.
func (s *redisStore) Put(ctx context.Context, agentID, contactID string, state []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	rec, err := newRecord(agentID, contactID, state, ttl, s.now().UTC())
	if err != nil {
		return err
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(agentID, contactID), val, ttl).Err()
}

// Close implements Store. The client is shared with the queue and the seen
// set, so it is closed by its owner.
func (s *redisStore) Close() error {
	return nil
}

// key constructs the Redis key for a conversation.
func (s *redisStore) key(agentID, contactID string) string {
	return s.prefix + key(agentID, contactID)
}
