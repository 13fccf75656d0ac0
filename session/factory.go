package session

import (
	"fmt"
	"time"
)

// StoreType represents the type of session store.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDynamoDB StoreType = "dynamodb"
)

// NewStore creates a new Store based on the given type.
// For Redis, requires WithRedisClient; for DynamoDB, requires WithDynamoDB.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	config := &storeConfig{
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}

	// Apply options
	for _, opt := range opts {
		opt(config)
	}
	if config.defaultTTL <= 0 {
		config.defaultTTL = DefaultTTL
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(config), nil

	case StoreTypeRedis:
		if config.redisClient == nil {
			return nil, fmt.Errorf("%w: redis store requires a client", ErrInvalidConfig)
		}
		return newRedisStore(config), nil

	case StoreTypeDynamoDB:
		if config.dynamo == nil || config.table == "" {
			return nil, fmt.Errorf("%w: dynamodb store requires a client and table", ErrInvalidConfig)
		}
		return newDynamoStore(config), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, storeType)
	}
}
