package dispatch

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/warp/inbound-engine/queue"
)

// Notifier is told about outcomes an operator or the account owner may need
// to act on. Implementations must not block for long; they run on the worker.
type Notifier interface {
	// UsageFailed is called when work completed but could not be metered,
	// including metering.ErrInsufficientCredits.
	UsageFailed(ctx context.Context, env queue.Envelope, res Result, err error)

	// DeadLettered is called when an entry reaches the dead-letter state.
	DeadLettered(ctx context.Context, env queue.Envelope, reason string)
}

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) UsageFailed(_ context.Context, env queue.Envelope, res Result, err error) {
	n.Log.Warn().Err(err).
		Str("message_id", env.ID).
		Str("account_id", string(res.AccountID)).
		Str("kind", string(res.Kind)).
		Int64("amount", res.Amount).
		Msg("usage not metered")
}

func (n LogNotifier) DeadLettered(_ context.Context, env queue.Envelope, reason string) {
	n.Log.Error().
		Str("message_id", env.ID).
		Str("provider", env.Provider).
		Str("reason", reason).
		Msg("message dead-lettered")
}
