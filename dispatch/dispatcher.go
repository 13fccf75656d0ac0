/*
Package dispatch drains the durable queue into the external workflow.

PURPOSE:
  The Dispatcher runs a fixed pool of workers. Each worker is its own queue
  consumer, holds at most one entry at a time, and drives it to a terminal
  decision: ack, nack (retry later) or dead-letter.

PER ENTRY:
  1. Seen-set hit → ack without executing (the work already happened)
  2. Execute under ExecTimeout; panics are recovered as retryable failures
  3. Success → mark seen → ack → debit usage with ref "msg:<id>"
  4. Permanent failure → dead-letter; anything else → nack

METERING:
  Usage is debited only after the workflow finished successfully. A
  metering failure (insufficient credits, store unavailable) is reported
  to the Notifier and never causes the message to be processed again.

FAILURE MODES:
  If ack or nack itself fails the entry stays processing and is reclaimed
  by the visibility timeout. If the process dies mid-execution the same
  happens. Either way the seen set and the ledger's unique reference keep
  the redelivery from double-charging.

SEE ALSO:
  - executor.go: Executor contract and HTTP adapter
  - janitor.go: Periodic reclaim and purge
*/
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/inbound-engine/dedup"
	"github.com/warp/inbound-engine/metering"
	"github.com/warp/inbound-engine/queue"
)

var ErrAlreadyRunning = errors.New("dispatcher already running")

// Meter debits usage. *metering.Service satisfies it.
type Meter interface {
	ApplyUsage(ctx context.Context, userID metering.UserID, kind metering.UsageKind, amount int64, externalRef string) (metering.LedgerEntry, error)
}

// UsageRef is the ledger external reference for the usage of one message.
func UsageRef(id string) string {
	return "msg:" + id
}

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// Name prefixes consumer ids: "<name>-<n>".
	Name    string
	Workers int

	// ExecTimeout bounds one execution. Keep it below the queue's
	// visibility timeout so a slow execution is nacked, not reclaimed.
	ExecTimeout time.Duration

	// Block is how long one claim waits for work.
	Block time.Duration

	// SeenTTL is how long a processed id stays in the seen set.
	SeenTTL time.Duration

	// ErrorBackoff is the pause after a failed claim.
	ErrorBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:         "dispatcher",
		Workers:      4,
		ExecTimeout:  45 * time.Second,
		Block:        queue.DefaultBlock,
		SeenTTL:      dedup.DefaultTTL,
		ErrorBackoff: time.Second,
	}
}

type Option func(*Dispatcher)

func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

func WithMeter(m Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

func WithSeenSet(set dedup.Set) Option {
	return func(d *Dispatcher) { d.seen = set }
}

func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log.With().Str("component", "dispatcher").Logger() }
}

// =============================================================================
// DISPATCHER
// =============================================================================

type Dispatcher struct {
	queue    queue.Queue
	exec     Executor
	meter    Meter
	seen     dedup.Set
	notifier Notifier
	log      zerolog.Logger
	cfg      Config

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	inFlight atomic.Int64
}

func New(q queue.Queue, exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue: q,
		exec:  exec,
		log:   zerolog.Nop(),
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}

	def := DefaultConfig()
	if d.cfg.Name == "" {
		d.cfg.Name = def.Name
	}
	if d.cfg.Workers <= 0 {
		d.cfg.Workers = def.Workers
	}
	if d.cfg.ExecTimeout <= 0 {
		d.cfg.ExecTimeout = def.ExecTimeout
	}
	if d.cfg.Block <= 0 {
		d.cfg.Block = def.Block
	}
	if d.cfg.SeenTTL <= 0 {
		d.cfg.SeenTTL = def.SeenTTL
	}
	if d.cfg.ErrorBackoff <= 0 {
		d.cfg.ErrorBackoff = def.ErrorBackoff
	}
	if d.notifier == nil {
		d.notifier = LogNotifier{Log: d.log}
	}
	return d
}

// Start launches the workers. They run until Stop or until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	for i := 1; i <= d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, fmt.Sprintf("%s-%d", d.cfg.Name, i))
	}

	d.log.Info().Int("workers", d.cfg.Workers).Msg("dispatcher started")
	return nil
}

// Stop signals the workers and waits for in-flight entries to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.running = false
	d.log.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Pause stops claims queue-wide; in-flight entries still finish.
func (d *Dispatcher) Pause(ctx context.Context) error {
	return d.queue.Pause(ctx)
}

func (d *Dispatcher) Resume(ctx context.Context) error {
	return d.queue.Resume(ctx)
}

// Status is the worker status report. InFlight is queue-wide, across every
// consumer; LocalInFlight counts entries held by this process's workers.
type Status struct {
	Running       bool `json:"running"`
	Paused        bool `json:"paused"`
	Healthy       bool `json:"healthy"`
	Pending       int  `json:"pending_count"`
	InFlight      int  `json:"in_flight_count"`
	LocalInFlight int  `json:"local_in_flight_count"`
	DeadLetter    int  `json:"dead_letter_count"`
}

// StatusFromHealth builds the report for a process with no running workers.
func StatusFromHealth(h queue.Health) Status {
	return Status{
		Healthy:    h.Reachable,
		Paused:     h.Paused,
		Pending:    h.Pending,
		InFlight:   h.InFlight,
		DeadLetter: h.DeadLetter,
	}
}

// Status combines queue health with local worker state.
func (d *Dispatcher) Status(ctx context.Context) Status {
	local := int(d.inFlight.Load())
	h, err := d.queue.Health(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("queue health check failed")
		return Status{Running: d.Running(), InFlight: local, LocalInFlight: local}
	}
	st := StatusFromHealth(h)
	st.Running = d.Running()
	st.LocalInFlight = local
	return st
}

// =============================================================================
// WORKER LOOP
// =============================================================================

func (d *Dispatcher) work(ctx context.Context, consumer string) {
	defer d.wg.Done()
	log := d.log.With().Str("consumer", consumer).Logger()

	// In-flight work finishes after Stop; only claiming is cancelled.
	procCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		entries, err := d.queue.ClaimBatch(ctx, consumer, 1, d.cfg.Block)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.ErrorBackoff):
			}
			continue
		}
		for _, e := range entries {
			d.process(procCtx, log, e)
		}
	}
}

// Process drives one claimed entry to ack, nack or dead-letter. Exported for
// callers that claim themselves (the CLI's one-shot drain, tests).
func (d *Dispatcher) Process(ctx context.Context, e queue.Entry) {
	d.process(ctx, d.log, e)
}

func (d *Dispatcher) process(ctx context.Context, log zerolog.Logger, e queue.Entry) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	log = log.With().Str("message_id", e.ID).Int("attempts", e.Attempts).Logger()

	if d.alreadyProcessed(ctx, log, e.ID) {
		log.Debug().Msg("already processed, acking")
		d.ack(ctx, log, e)
		return
	}

	start := time.Now()
	res, err := d.execute(ctx, e.Envelope)
	if err != nil {
		d.fail(ctx, log, e, err)
		return
	}

	if d.seen != nil {
		if err := d.seen.Mark(ctx, e.ID, d.cfg.SeenTTL); err != nil {
			log.Warn().Err(err).Msg("seen set mark failed")
		}
	}
	d.ack(ctx, log, e)
	log.Debug().Dur("took", time.Since(start)).Msg("message processed")

	d.applyUsage(ctx, log, e.Envelope, res)
}

type outcome struct {
	res Result
	err error
}

// execute runs the executor on its own goroutine so the deadline holds even
// when the executor ignores ctx.
func (d *Dispatcher) execute(ctx context.Context, env queue.Envelope) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ExecTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		res, err := d.exec.Execute(ctx, env)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.res, fmt.Errorf("%w: %v", ErrExecTimeout, o.err)
		}
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w after %s", ErrExecTimeout, d.cfg.ExecTimeout)
	}
}

func (d *Dispatcher) fail(ctx context.Context, log zerolog.Logger, e queue.Entry, cause error) {
	reason := cause.Error()

	if IsPermanent(cause) {
		if err := d.queue.DeadLetter(ctx, e.EntryID(), e.ClaimToken, reason); err != nil {
			logSettleError(log, err, "dead-letter failed")
			return
		}
		log.Warn().Err(cause).Msg("permanent failure")
		d.notifier.DeadLettered(ctx, e.Envelope, reason)
		return
	}

	status, err := d.queue.Nack(ctx, e.EntryID(), e.ClaimToken, reason)
	if err != nil {
		logSettleError(log, err, "nack failed")
		return
	}
	if status == queue.StatusDead {
		log.Warn().Err(cause).Msg("attempts exhausted")
		d.notifier.DeadLettered(ctx, e.Envelope, reason)
		return
	}
	log.Info().Err(cause).Msg("execution failed, will retry")
}

func (d *Dispatcher) ack(ctx context.Context, log zerolog.Logger, e queue.Entry) {
	if err := d.queue.Ack(ctx, e.EntryID(), e.ClaimToken); err != nil {
		logSettleError(log, err, "ack failed")
	}
}

// logSettleError reports a failed ack, nack or dead-letter. A lost claim
// means another worker owns the entry now and will settle it.
func logSettleError(log zerolog.Logger, err error, msg string) {
	if errors.Is(err, queue.ErrClaimLost) {
		log.Warn().Err(err).Msg(msg + ": claim reclaimed by another worker")
		return
	}
	log.Error().Err(err).Msg(msg)
}

func (d *Dispatcher) alreadyProcessed(ctx context.Context, log zerolog.Logger, id string) bool {
	if d.seen == nil {
		return false
	}
	hit, err := d.seen.Contains(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("seen set lookup failed")
		return false
	}
	return hit
}

func (d *Dispatcher) applyUsage(ctx context.Context, log zerolog.Logger, env queue.Envelope, res Result) {
	if d.meter == nil || !res.Metered() {
		return
	}
	entry, err := d.meter.ApplyUsage(ctx, res.AccountID, res.Kind, res.Amount, UsageRef(env.ID))
	if err != nil {
		log.Warn().Err(err).Str("account_id", string(res.AccountID)).Msg("usage debit failed")
		d.notifier.UsageFailed(ctx, env, res, err)
		return
	}
	log.Debug().
		Str("account_id", string(res.AccountID)).
		Int64("delta", entry.Delta).
		Msg("usage debited")
}
