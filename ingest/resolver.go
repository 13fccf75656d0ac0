package ingest

import (
	"context"
	"fmt"
)

// AgentResolver maps a provider channel id (a WhatsApp phone number id, an
// inbox id) to the agent that owns it.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, provider, channelID string) (string, error)
}

// IdentityResolver uses the channel id as the agent id.
type IdentityResolver struct{}

func (IdentityResolver) ResolveAgent(_ context.Context, _, channelID string) (string, error) {
	return channelID, nil
}

// StaticResolver resolves from a fixed map keyed by channel id. Unknown
// channels fall back to the channel id when Passthrough is set.
type StaticResolver struct {
	Agents      map[string]string
	Passthrough bool
}

func (r StaticResolver) ResolveAgent(_ context.Context, provider, channelID string) (string, error) {
	if agent, ok := r.Agents[channelID]; ok {
		return agent, nil
	}
	if r.Passthrough {
		return channelID, nil
	}
	return "", fmt.Errorf("no agent for %s channel %q", provider, channelID)
}
