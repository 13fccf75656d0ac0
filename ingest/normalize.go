/*
normalize.go - Provider webhook bodies to queue envelopes

PURPOSE:
  A Normalizer turns one webhook body into zero or more envelopes. It owns
  the provider's wire format and nothing else: dedup, validation of the
  common fields and enqueueing happen in the gateway.

BUILT-INS:
  generic   {"messages":[{id, channel_id | agent_id, contact_id, kind, payload}]}
            or a single message object
  whatsapp  WhatsApp Cloud API webhook (entry[].changes[].value with
            messages[] and statuses[])

IDS:
  Provider-supplied ids become "<provider>:<id>". Events without one get a
  UUIDv5 over provider, agent, contact, kind and compacted payload, so the
  same event redelivered yields the same id.

SEE ALSO:
  - gateway.go: Ingest
*/
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/inbound-engine/queue"
)

// Normalizer parses a provider body into envelopes. Errors should be
// *MalformedPayloadError; anything else is wrapped as one by the gateway.
type Normalizer interface {
	Normalize(ctx context.Context, provider string, body []byte, agents AgentResolver) ([]queue.Envelope, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(ctx context.Context, provider string, body []byte, agents AgentResolver) ([]queue.Envelope, error)

func (f NormalizerFunc) Normalize(ctx context.Context, provider string, body []byte, agents AgentResolver) ([]queue.Envelope, error) {
	return f(ctx, provider, body, agents)
}

// envelopeNamespace seeds derived ids.
var envelopeNamespace = uuid.MustParse("6f1c7a3e-2b4d-4c8e-9a51-3d0e7b2f9c14")

// MessageID returns the envelope id for a provider event. providerID may be
// empty, in which case the id is derived from the content.
func MessageID(provider, providerID, agentID, contactID string, kind queue.Kind, payload []byte) string {
	if providerID != "" {
		return provider + ":" + providerID
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		compact.Reset()
		compact.Write(payload)
	}
	name := strings.Join([]string{provider, agentID, contactID, string(kind), compact.String()}, "\x00")
	return uuid.NewSHA1(envelopeNamespace, []byte(name)).String()
}

// =============================================================================
// GENERIC
// =============================================================================

// Generic accepts the engine's own batch format. Used by internal services
// and providers that can be configured to post a neutral shape.
type Generic struct{}

type genericMessage struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channel_id"`
	AgentID   string          `json:"agent_id"`
	ContactID string          `json:"contact_id"`
	Kind      queue.Kind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

type genericBatch struct {
	Messages []genericMessage `json:"messages"`
}

func (Generic) Normalize(ctx context.Context, provider string, body []byte, agents AgentResolver) ([]queue.Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, malformed(provider, -1, "empty body", nil)
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, malformed(provider, -1, "body is not a JSON object", err)
	}

	var msgs []genericMessage
	if _, ok := shape["messages"]; ok {
		var batch genericBatch
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, malformed(provider, -1, "cannot decode messages", err)
		}
		if len(batch.Messages) == 0 {
			return nil, malformed(provider, -1, "messages is empty", nil)
		}
		msgs = batch.Messages
	} else {
		var m genericMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, malformed(provider, -1, "cannot decode message", err)
		}
		msgs = []genericMessage{m}
	}

	envs := make([]queue.Envelope, 0, len(msgs))
	for i, m := range msgs {
		agent := m.AgentID
		if agent == "" {
			if m.ChannelID == "" {
				return nil, malformed(provider, i, "agent_id or channel_id is required", nil)
			}
			resolved, err := agents.ResolveAgent(ctx, provider, m.ChannelID)
			if err != nil {
				return nil, malformed(provider, i, "cannot resolve agent", err)
			}
			agent = resolved
		}

		payload := m.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}

		envs = append(envs, queue.Envelope{
			ID:        MessageID(provider, m.ID, agent, m.ContactID, m.Kind, payload),
			Provider:  provider,
			AgentID:   agent,
			ContactID: m.ContactID,
			Kind:      m.Kind,
			Payload:   payload,
		})
	}
	return envs, nil
}

// =============================================================================
// WHATSAPP CLOUD API
// =============================================================================

// WhatsApp normalizes Cloud API webhooks. Each inbound message and each
// status update becomes one envelope; the business phone number id is
// resolved to the agent. Changes for other fields yield no envelopes.
type WhatsApp struct{}

type waWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string  `json:"field"`
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type waMessage struct {
	ID    string `json:"id"`
	From  string `json:"from"`
	Type  string `json:"type"`
	Audio *struct {
		Voice bool `json:"voice"`
	} `json:"audio"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

func (WhatsApp) Normalize(ctx context.Context, provider string, body []byte, agents AgentResolver) ([]queue.Envelope, error) {
	var hook waWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, malformed(provider, -1, "cannot decode webhook", err)
	}
	if hook.Object != "whatsapp_business_account" {
		return nil, malformed(provider, -1, fmt.Sprintf("unexpected object %q", hook.Object), nil)
	}

	var envs []queue.Envelope
	index := 0
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			v := change.Value
			if len(v.Messages) == 0 && len(v.Statuses) == 0 {
				continue
			}
			if v.Metadata.PhoneNumberID == "" {
				return nil, malformed(provider, index, "metadata.phone_number_id is required", nil)
			}
			agent, err := agents.ResolveAgent(ctx, provider, v.Metadata.PhoneNumberID)
			if err != nil {
				return nil, malformed(provider, index, "cannot resolve agent", err)
			}

			for _, raw := range v.Messages {
				var m waMessage
				if err := json.Unmarshal(raw, &m); err != nil {
					return nil, malformed(provider, index, "cannot decode message", err)
				}
				if m.ID == "" || m.From == "" {
					return nil, malformed(provider, index, "message id and from are required", nil)
				}
				envs = append(envs, queue.Envelope{
					ID:        MessageID(provider, m.ID, agent, m.From, "", nil),
					Provider:  provider,
					AgentID:   agent,
					ContactID: m.From,
					Kind:      whatsAppKind(m),
					Payload:   raw,
				})
				index++
			}

			for _, raw := range v.Statuses {
				var s waStatus
				if err := json.Unmarshal(raw, &s); err != nil {
					return nil, malformed(provider, index, "cannot decode status", err)
				}
				if s.ID == "" || s.Status == "" || s.RecipientID == "" {
					return nil, malformed(provider, index, "status id, status and recipient_id are required", nil)
				}
				// sent, delivered and read share the message id.
				envs = append(envs, queue.Envelope{
					ID:        MessageID(provider, s.ID+":"+s.Status, agent, s.RecipientID, "", nil),
					Provider:  provider,
					AgentID:   agent,
					ContactID: s.RecipientID,
					Kind:      queue.KindEvent,
					Payload:   raw,
				})
				index++
			}
		}
	}

	return envs, nil
}

func whatsAppKind(m waMessage) queue.Kind {
	switch m.Type {
	case "text", "interactive", "button", "reaction":
		return queue.KindText
	case "audio":
		if m.Audio != nil && m.Audio.Voice {
			return queue.KindVoice
		}
		return queue.KindMedia
	case "image", "video", "document", "sticker":
		return queue.KindMedia
	default:
		return queue.KindEvent
	}
}
