package session

import (
	"encoding/json"
	"time"
)

// Record is the persisted state of one conversation.
type Record struct {
	AgentID   string          `json:"agent_id"`
	ContactID string          `json:"contact_id"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
	TTL       time.Duration   `json:"ttl"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func newRecord(agentID, contactID string, state []byte, ttl time.Duration, now time.Time) (*Record, error) {
	if agentID == "" || contactID == "" {
		return nil, ErrInvalidKey
	}
	if len(state) == 0 {
		state = []byte("{}")
	}
	if !json.Valid(state) {
		return nil, ErrInvalidState
	}
	return &Record{
		AgentID:   agentID,
		ContactID: contactID,
		State:     append(json.RawMessage(nil), state...),
		UpdatedAt: now,
		TTL:       ttl,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// key is the storage key for a conversation.
func key(agentID, contactID string) string {
	return agentID + "#" + contactID
}
