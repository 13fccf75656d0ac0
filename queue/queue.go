/*
queue.go - Durable queue contract

PURPOSE:
  Decouples webhook acceptance from processing. The ingest gateway enqueues
  and returns; the dispatcher claims, processes and acknowledges. Every
  entry eventually ends completed or dead, never silently dropped.

DELIVERY:
  At-least-once. A claimed entry that is neither acked nor nacked within
  the visibility timeout is reclaimed and redelivered, so consumers must be
  idempotent (the dispatcher's seen-set and the metering external reference
  provide this).

  A claim is exclusive for one visibility window. Ack, Nack and DeadLetter
  carry the claim token; a consumer whose claim was reclaimed gets
  ErrClaimLost instead of overwriting the new owner's state.

IMPLEMENTATIONS:
  - Memory: in-process, for tests and single-binary development
  - Redis: Redis Streams consumer group
  - store/sqlite.Queue: SQLite table, the default durable store

SEE ALSO:
  - queuetest/: Behavioural suite every implementation passes
  - dispatch/: The consumer
*/
package queue

import (
	"context"
	"time"
)

// Queue is the durable inbound queue.
type Queue interface {
	// Enqueue appends env durably. If an entry with env.ID exists (in any
	// status until purged) the existing id is returned with ErrDuplicateMessage.
	Enqueue(ctx context.Context, env Envelope) (EntryID, error)

	// ClaimBatch reclaims stale claims, then claims up to max available
	// entries for consumerID. When none are available it waits up to
	// block. Returns nothing while paused.
	ClaimBatch(ctx context.Context, consumerID string, max int, block time.Duration) ([]Entry, error)

	// Ack marks an entry completed. Acking a completed entry is a no-op.
	// token is the claim token from ClaimBatch; a stale token returns
	// ErrClaimLost and leaves the entry alone.
	Ack(ctx context.Context, id EntryID, token string) error

	// Nack records a failed attempt and returns the resulting status:
	// queued with backoff, or dead once the entry's MaxAttempts is reached.
	// A stale token returns ErrClaimLost.
	Nack(ctx context.Context, id EntryID, token, reason string) (Status, error)

	// DeadLetter routes an entry straight to dead. A stale token returns
	// ErrClaimLost.
	DeadLetter(ctx context.Context, id EntryID, token, reason string) error

	// ReclaimStale treats processing entries claimed before now-olderThan
	// as nacked. Returns the number reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// PurgeAcked deletes completed entries older than retention.
	PurgeAcked(ctx context.Context, retention time.Duration) (int, error)

	Health(ctx context.Context) (Health, error)

	ListDeadLetter(ctx context.Context, limit int) ([]Entry, error)

	// RetryDeadLetter moves every dead entry back to queued with attempts reset.
	RetryDeadLetter(ctx context.Context) (int, error)

	Get(ctx context.Context, id EntryID) (Entry, error)

	Close() error
}

// Clock returns the current time. Implementations accept one for tests.
type Clock func() time.Time

// DefaultBlock is used by consumers that do not set a block timeout.
const DefaultBlock = 2 * time.Second
