/*
Package session stores per-conversation state for the workflow engine.

PURPOSE:
  A conversation is identified by (agent, contact). The external workflow
  engine reads the record when a message arrives and writes it back when
  the turn completes. Records expire after a period of inactivity; every
  Put refreshes the expiry.

CONSISTENCY:
  Last-write-wins. Two workers handling messages for the same contact at the
  same time may overwrite each other; there is no version check. Callers
  that need stronger guarantees serialize per contact upstream.

DRIVERS:
  - memory:   in-process map, lazy expiry (tests, single node)
  - redis:    SET key val EX ttl
  - dynamodb: PutItem with a "ttl" epoch attribute; Get treats items past
              their ttl as missing because DynamoDB deletes expired items lazily

SEE ALSO:
  - factory.go: NewStore
  - api/handlers.go: GET/PUT /api/sessions/{agentId}/{contactId}
*/
package session

import (
	"context"
	"errors"
	"time"
)

// Store defines the interface for session storage operations.
type Store interface {
	// Get returns the record for (agentID, contactID).
	// Returns nil if the session is not found or expired (not an error).
	Get(ctx context.Context, agentID, contactID string) (*Record, error)

	// Put replaces the record and resets its expiry to now+ttl.
	// A non-positive ttl uses the store default.
	Put(ctx context.Context, agentID, contactID string, state []byte, ttl time.Duration) error

	// Close releases any resources held by the store.
	Close() error
}

// Common errors for session store operations.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrInvalidKey       = errors.New("agent id and contact id are required")
	ErrInvalidState     = errors.New("session state must be valid JSON")
)

// DefaultTTL is the inactivity expiry used when none is configured.
const DefaultTTL = 24 * time.Hour
