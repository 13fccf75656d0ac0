/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Worker:
    DeadLetterDTO, RetryDeadLetterDTO

  Metering:
    QuoteDTO, UsageRequest, OpenAccountRequest, CreditRequest, ResetRequest

  Sessions:
    SessionDTO, PutSessionRequest

VALIDATION:
  Validation is done in handlers and in the domain services. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/inbound-engine/metering"
	"github.com/warp/inbound-engine/queue"
	"github.com/warp/inbound-engine/session"
)

// =============================================================================
// WORKER
// =============================================================================

// DeadLetterDTO is one dead-lettered entry. The payload is included so an
// operator can decide whether retrying makes sense.
type DeadLetterDTO struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	AgentID    string          `json:"agent_id"`
	ContactID  string          `json:"contact_id"`
	Kind       queue.Kind      `json:"kind"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func toDeadLetterDTO(e queue.Entry) DeadLetterDTO {
	return DeadLetterDTO{
		ID:         e.ID,
		Provider:   e.Provider,
		AgentID:    e.AgentID,
		ContactID:  e.ContactID,
		Kind:       e.Kind,
		Attempts:   e.Attempts,
		LastError:  e.LastError,
		EnqueuedAt: e.EnqueuedAt,
		Payload:    e.Payload,
	}
}

type RetryDeadLetterDTO struct {
	Requeued int `json:"requeued"`
}

// =============================================================================
// METERING
// =============================================================================

type QuoteDTO struct {
	Kind   metering.UsageKind `json:"kind"`
	Amount int64              `json:"amount"`
	Cost   int64              `json:"cost"`
}

// UsageRequest records usage against an account. ExternalRef is required and
// makes the call idempotent.
type UsageRequest struct {
	Kind        metering.UsageKind `json:"kind"`
	Amount      int64              `json:"amount"`
	ExternalRef string             `json:"external_ref"`
}

type OpenAccountRequest struct {
	UserID     metering.UserID `json:"user_id"`
	Credits    int64           `json:"credits"`
	CycleEndAt *time.Time      `json:"cycle_end_at,omitempty"`
}

type CreditRequest struct {
	Delta       int64              `json:"delta"`
	Type        metering.EntryType `json:"type"`
	ExternalRef string             `json:"external_ref,omitempty"`
	Meta        map[string]string  `json:"meta,omitempty"`
}

type ResetRequest struct {
	Allowance  int64     `json:"allowance"`
	CycleEndAt time.Time `json:"cycle_end_at"`
}

// InsufficientCreditsDTO is the 402 body.
type InsufficientCreditsDTO struct {
	Error     string `json:"error"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
	Shortfall int64  `json:"shortfall"`
}

// =============================================================================
// SESSIONS
// =============================================================================

type SessionDTO struct {
	AgentID    string          `json:"agent_id"`
	ContactID  string          `json:"contact_id"`
	State      json.RawMessage `json:"state"`
	UpdatedAt  time.Time       `json:"updated_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

func toSessionDTO(r *session.Record) SessionDTO {
	return SessionDTO{
		AgentID:    r.AgentID,
		ContactID:  r.ContactID,
		State:      r.State,
		UpdatedAt:  r.UpdatedAt,
		TTLSeconds: int64(r.TTL / time.Second),
		ExpiresAt:  r.ExpiresAt,
	}
}

// PutSessionRequest replaces a session. TTLSeconds 0 uses the store default.
type PutSessionRequest struct {
	State      json.RawMessage `json:"state"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
