package session

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreOption is a functional option for configuring a session store.
type StoreOption func(*storeConfig)

// storeConfig holds configuration for session stores.
type storeConfig struct {
	redisClient *redis.Client
	redisPrefix string
	dynamo      DynamoDBAPI
	table       string
	defaultTTL  time.Duration
	now         func() time.Time
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisPrefix sets the key prefix for the Redis store.
func WithRedisPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.redisPrefix = prefix
	}
}

// WithDynamoDB sets the DynamoDB client and table for the DynamoDB store.
func WithDynamoDB(api DynamoDBAPI, table string) StoreOption {
	return func(c *storeConfig) {
		c.dynamo = api
		c.table = table
	}
}

// WithDefaultTTL sets the expiry used when Put is called without one.
func WithDefaultTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.defaultTTL = ttl
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}
