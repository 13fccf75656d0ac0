/*
types.go - Envelope, queue entry and retry policy

PURPOSE:
  The Envelope is the normalized, provider-independent form of one inbound
  event. The queue wraps it in an Entry that tracks delivery state: who
  claimed it, how many times it failed, and when it may be retried.

STATE MACHINE:
  queued ──claim──▶ processing ──ack──▶ completed
     ▲                  │
     └──nack (< max)────┤
                        └──nack (>= max) / dead-letter──▶ dead
  dead ──RetryDeadLetter──▶ queued

  A processing entry whose claim is older than the visibility timeout is
  reclaimed as an implicit nack.

IDENTITY:
  EntryID == Envelope.ID. The id is either supplied by the provider or
  derived deterministically from the event content by the ingest gateway,
  so a redelivered webhook maps onto the same entry.

SEE ALSO:
  - queue.go: Queue interface
  - memory.go, redis.go, store/sqlite/queue.go: Implementations
*/
package queue

import (
	"encoding/json"
	"time"
)

// EntryID identifies a queue entry. Equal to the envelope id.
type EntryID string

// Kind is the type of inbound event.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
	KindVoice Kind = "voice"
	KindEvent Kind = "event"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindMedia, KindVoice, KindEvent:
		return true
	}
	return false
}

// Status is the delivery state of an entry.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDead       Status = "dead"
)

// Terminal reports whether no further transition happens without operator action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// Envelope is one normalized inbound event.
type Envelope struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	AgentID    string          `json:"agent_id"`
	ContactID  string          `json:"contact_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	Status     Status          `json:"status"`
}

// Validate checks the fields every envelope must carry.
func (e Envelope) Validate() error {
	switch {
	case e.ID == "":
		return invalid("id is required")
	case e.Provider == "":
		return invalid("provider is required")
	case e.AgentID == "":
		return invalid("agent_id is required")
	case e.ContactID == "":
		return invalid("contact_id is required")
	case !e.Kind.Valid():
		return invalid("unknown kind " + string(e.Kind))
	case len(e.Payload) > 0 && !json.Valid(e.Payload):
		return invalid("payload is not valid JSON")
	}
	return nil
}

// Entry is an envelope plus its delivery state.
type Entry struct {
	Envelope

	ClaimToken  string     `json:"claim_token,omitempty"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	AvailableAt time.Time  `json:"available_at"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EntryID returns the entry id.
func (e Entry) EntryID() EntryID {
	return EntryID(e.ID)
}

// CheckClaim returns ErrClaimLost when token is set and is not the entry's
// current claim token. An empty token skips the check (operator actions).
func (e Entry) CheckClaim(token string) error {
	if token != "" && token != e.ClaimToken {
		return ErrClaimLost
	}
	return nil
}

// Health summarizes queue state for monitoring.
type Health struct {
	Reachable  bool `json:"reachable"`
	Paused     bool `json:"paused"`
	Pending    int  `json:"pending"`
	InFlight   int  `json:"in_flight"`
	DeadLetter int  `json:"dead_letter"`
}

// =============================================================================
// POLICY
// =============================================================================

// Policy controls retries and claim visibility.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Visibility is how long a claim is honoured before the entry is
	// considered abandoned and reclaimed.
	Visibility time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
		Visibility:  60 * time.Second,
	}
}

// Normalize returns p with zero fields replaced by defaults.
func (p Policy) Normalize() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Visibility <= 0 {
		p.Visibility = d.Visibility
	}
	return p
}

// Backoff returns the delay before retry number attempts (1-based):
// BaseBackoff * 2^(attempts-1), capped at MaxBackoff.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxBackoff || d <= 0 {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Next returns the state an entry moves to after a failed attempt. attempts
// is the count after the increment. maxAttempts is the limit stamped on the
// entry at enqueue; zero falls back to the policy's.
func (p Policy) Next(attempts, maxAttempts int, now time.Time) (Status, time.Time) {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if attempts >= maxAttempts {
		return StatusDead, now
	}
	return StatusQueued, now.Add(p.Backoff(attempts))
}
