/*
gateway.go - Ingest Gateway

PURPOSE:
  Accepts provider webhooks, turns them into envelopes and durably enqueues
  them. The provider only gets a 2xx once every envelope in the body is in
  the queue (or already was).

FLOW:
  1. Verify the HMAC signature (when a secret is configured)
  2. Normalize the body with the provider's Normalizer
  3. Validate every envelope; any failure rejects the whole body
  4. Per envelope: seen-set check, Enqueue, mark seen

  Enqueue retries ErrStorageUnavailable with backoff. When retries run out
  the request fails and the provider redelivers; envelopes enqueued before
  the failure are recognized as duplicates on the next attempt. There is no
  fallback to processing the message synchronously.

SEE ALSO:
  - normalize.go: Provider formats
  - dedup/: Seen set
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/warp/inbound-engine/dedup"
	"github.com/warp/inbound-engine/queue"
)

// Result summarizes one Ingest call.
type Result struct {
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	IDs        []string `json:"ids"`
}

type Gateway struct {
	queue       queue.Queue
	seen        dedup.Set
	seenTTL     time.Duration
	normalizers map[string]Normalizer
	agents      AgentResolver
	secret      []byte
	log         zerolog.Logger

	enqueueTries  uint
	retryInterval time.Duration
}

type Option func(*Gateway)

// WithSeenSet enables the duplicate fast path.
func WithSeenSet(set dedup.Set, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.seen = set
		g.seenTTL = ttl
	}
}

// WithNormalizer registers (or replaces) the normalizer for provider.
func WithNormalizer(provider string, n Normalizer) Option {
	return func(g *Gateway) { g.normalizers[provider] = n }
}

func WithAgentResolver(r AgentResolver) Option {
	return func(g *Gateway) { g.agents = r }
}

// WithSecret turns on signature verification.
func WithSecret(secret []byte) Option {
	return func(g *Gateway) { g.secret = secret }
}

func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) { g.log = log.With().Str("component", "ingest").Logger() }
}

// WithEnqueueRetries sets how many times Enqueue is attempted per envelope
// and the initial backoff.
func WithEnqueueRetries(tries uint, initial time.Duration) Option {
	return func(g *Gateway) {
		g.enqueueTries = tries
		g.retryInterval = initial
	}
}

// New creates a gateway with the generic and whatsapp normalizers registered.
func New(q queue.Queue, opts ...Option) *Gateway {
	g := &Gateway{
		queue:   q,
		seenTTL: dedup.DefaultTTL,
		normalizers: map[string]Normalizer{
			"generic":  Generic{},
			"whatsapp": WhatsApp{},
		},
		agents:        IdentityResolver{},
		log:           zerolog.Nop(),
		enqueueTries:  4,
		retryInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.enqueueTries == 0 {
		g.enqueueTries = 1
	}
	return g
}

// Providers lists the registered provider names.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.normalizers))
	for name := range g.normalizers {
		names = append(names, name)
	}
	return names
}

// =============================================================================
// INGEST
// =============================================================================

// Ingest verifies, normalizes and enqueues one webhook body. Duplicates are
// counted in the result and are not errors.
func (g *Gateway) Ingest(ctx context.Context, provider string, body []byte, signature string) (Result, error) {
	var res Result

	n, ok := g.normalizers[provider]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	if len(g.secret) > 0 {
		if err := VerifySignature(g.secret, body, signature); err != nil {
			g.log.Warn().Str("provider", provider).Msg("rejected webhook with invalid signature")
			return res, err
		}
	}

	envs, err := n.Normalize(ctx, provider, body, g.agents)
	if err != nil {
		if !errors.Is(err, ErrMalformedPayload) {
			err = malformed(provider, -1, "normalize", err)
		}
		g.log.Warn().Err(err).Str("provider", provider).Msg("rejected malformed webhook")
		return res, err
	}
	for i, env := range envs {
		if err := env.Validate(); err != nil {
			err = malformed(provider, i, "invalid envelope", err)
			g.log.Warn().Err(err).Str("provider", provider).Msg("rejected malformed webhook")
			return res, err
		}
	}

	res.IDs = make([]string, 0, len(envs))
	for _, env := range envs {
		if g.alreadySeen(ctx, env.ID) {
			res.Duplicates++
			res.IDs = append(res.IDs, env.ID)
			continue
		}

		err := g.enqueue(ctx, env)
		switch {
		case errors.Is(err, queue.ErrDuplicateMessage):
			res.Duplicates++
		case err != nil:
			g.log.Error().Err(err).
				Str("provider", provider).
				Str("message_id", env.ID).
				Int("accepted", res.Accepted).
				Msg("enqueue failed")
			return res, err
		default:
			res.Accepted++
		}
		res.IDs = append(res.IDs, env.ID)
		g.markSeen(ctx, env.ID)
	}

	g.log.Debug().
		Str("provider", provider).
		Int("accepted", res.Accepted).
		Int("duplicates", res.Duplicates).
		Msg("webhook ingested")
	return res, nil
}

func (g *Gateway) enqueue(ctx context.Context, env queue.Envelope) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retryInterval
	b.MaxInterval = 20 * g.retryInterval

	_, err := backoff.Retry(ctx, func() (queue.EntryID, error) {
		id, err := g.queue.Enqueue(ctx, env)
		if err == nil || queue.IsRetryable(err) {
			return id, err
		}
		return id, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(g.enqueueTries))
	return err
}

// alreadySeen treats seen-set errors as a miss; the queue's unique id still
// catches the duplicate.
func (g *Gateway) alreadySeen(ctx context.Context, id string) bool {
	if g.seen == nil {
		return false
	}
	hit, err := g.seen.Contains(ctx, id)
	if err != nil {
		g.log.Warn().Err(err).Str("message_id", id).Msg("seen set lookup failed")
		return false
	}
	return hit
}

func (g *Gateway) markSeen(ctx context.Context, id string) {
	if g.seen == nil {
		return
	}
	if err := g.seen.Mark(ctx, id, g.seenTTL); err != nil {
		g.log.Warn().Err(err).Str("message_id", id).Msg("seen set mark failed")
	}
}
