package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inbound-engine/dedup"
	"github.com/warp/inbound-engine/dispatch"
	"github.com/warp/inbound-engine/metering"
	meterstore "github.com/warp/inbound-engine/metering/store"
	"github.com/warp/inbound-engine/queue"
	"github.com/warp/inbound-engine/queue/queuetest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func fastPolicy(maxAttempts int) queue.Policy {
	return queue.Policy{
		MaxAttempts: maxAttempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Visibility:  time.Minute,
	}
}

func testConfig() dispatch.Config {
	return dispatch.Config{
		Name:         "test",
		Workers:      2,
		ExecTimeout:  time.Second,
		Block:        20 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	}
}

type recordingNotifier struct {
	mu           sync.Mutex
	usageErrs    []error
	deadLettered []string
}

func (n *recordingNotifier) UsageFailed(_ context.Context, _ queue.Envelope, _ dispatch.Result, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.usageErrs = append(n.usageErrs, err)
}

func (n *recordingNotifier) DeadLettered(_ context.Context, env queue.Envelope, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deadLettered = append(n.deadLettered, env.ID)
}

func (n *recordingNotifier) snapshot() ([]error, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.usageErrs...), append([]string(nil), n.deadLettered...)
}

func newMeter(t *testing.T, credits int64) *metering.Service {
	t.Helper()
	svc := metering.NewService(meterstore.NewMemory())
	_, err := svc.OpenAccount(context.Background(), "user-1", credits, nil)
	require.NoError(t, err)
	return svc
}

func start(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
}

func waitStatus(t *testing.T, q queue.Queue, id string, want queue.Status) queue.Entry {
	t.Helper()
	var last queue.Entry
	require.Eventually(t, func() bool {
		e, err := q.Get(context.Background(), queue.EntryID(id))
		last = e
		return err == nil && e.Status == want
	}, 3*time.Second, 5*time.Millisecond, "entry %s never reached %s", id, want)
	return last
}

func chatResult() dispatch.Result {
	return dispatch.Result{AccountID: "user-1", Kind: metering.UsageChat, Amount: 1}
}

// =============================================================================
// RETRY SCENARIOS
// =============================================================================

func TestDispatcher_FailTwiceThenSucceed(t *testing.T) {
	// GIVEN: An executor that fails twice then succeeds, max attempts 5
	// WHEN: One message is dispatched
	// THEN: COMPLETED, one side effect, one debit, no dead letter

	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	meter := newMeter(t, 200)

	var calls, effects atomic.Int32
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		if calls.Add(1) <= 2 {
			return dispatch.Result{}, errors.New("workflow unavailable")
		}
		effects.Add(1)
		return chatResult(), nil
	})
	notifier := &recordingNotifier{}
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()), dispatch.WithMeter(meter), dispatch.WithNotifier(notifier))
	start(t, d)

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)

	e := waitStatus(t, q, "m1", queue.StatusCompleted)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), effects.Load())

	h, err := q.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.DeadLetter)

	bal, err := meter.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(140), bal.Credits)

	entries, err := meter.Ledger(context.Background(), "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2, "opening grant plus one debit")
	assert.Equal(t, dispatch.UsageRef("m1"), entries[0].ExternalRef)
}

func TestDispatcher_AlwaysFailingDeadLetters(t *testing.T) {
	// GIVEN: maxAttempts 3 and an executor that always fails
	// WHEN: One message is dispatched
	// THEN: DEAD, deadLetterCount == 1, the notifier hears about it once

	q := queue.NewMemory(queue.WithPolicy(fastPolicy(3)))
	var calls atomic.Int32
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		calls.Add(1)
		return dispatch.Result{}, errors.New("boom")
	})
	notifier := &recordingNotifier{}
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()), dispatch.WithNotifier(notifier))
	start(t, d)

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)

	e := waitStatus(t, q, "m1", queue.StatusDead)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, "boom", e.LastError)
	assert.Equal(t, int32(3), calls.Load())

	st := d.Status(context.Background())
	assert.Equal(t, 1, st.DeadLetter)

	_, dead := notifier.snapshot()
	assert.Equal(t, []string{"m1"}, dead)
}

func TestDispatcher_PermanentErrorDeadLettersImmediately(t *testing.T) {
	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	var calls atomic.Int32
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		calls.Add(1)
		return dispatch.Result{}, dispatch.Permanent(errors.New("unknown agent"))
	})
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()))
	start(t, d)

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)

	e := waitStatus(t, q, "m1", queue.StatusDead)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_PanicIsRetried(t *testing.T) {
	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	var calls atomic.Int32
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return dispatch.Result{}, nil
	})
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()))
	start(t, d)

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)

	e := waitStatus(t, q, "m1", queue.StatusCompleted)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, e.LastError, "executor panic")
}

func TestDispatcher_ExecTimeoutNacks(t *testing.T) {
	// GIVEN: An executor that ignores its context and never returns
	// WHEN: ExecTimeout elapses with max attempts 1
	// THEN: The entry is dead-lettered with a deadline reason

	q := queue.NewMemory(queue.WithPolicy(fastPolicy(1)))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		<-release
		return dispatch.Result{}, nil
	})
	cfg := testConfig()
	cfg.ExecTimeout = 30 * time.Millisecond
	d := dispatch.New(q, exec, dispatch.WithConfig(cfg))
	start(t, d)

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)

	e := waitStatus(t, q, "m1", queue.StatusDead)
	assert.Contains(t, e.LastError, dispatch.ErrExecTimeout.Error())
}

// =============================================================================
// DEDUP AND METERING
// =============================================================================

func TestDispatcher_SeenEntryIsAckedWithoutExecuting(t *testing.T) {
	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	seen := dedup.NewMemory()
	require.NoError(t, seen.Mark(context.Background(), "m1", time.Hour))

	var calls atomic.Int32
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		calls.Add(1)
		return dispatch.Result{}, nil
	})
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()), dispatch.WithSeenSet(seen))
	start(t, d)

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)

	waitStatus(t, q, "m1", queue.StatusCompleted)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatcher_MarksSeenAfterSuccess(t *testing.T) {
	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	seen := dedup.NewMemory()
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		return dispatch.Result{}, nil
	})
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()), dispatch.WithSeenSet(seen))
	start(t, d)

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)
	waitStatus(t, q, "m1", queue.StatusCompleted)

	hit, err := seen.Contains(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestDispatcher_InsufficientCreditsIsReportedNotRetried(t *testing.T) {
	// GIVEN: Balance 50 and a workflow that reports one chat (60 credits)
	// WHEN: The message is processed
	// THEN: Completed, balance still 50, notifier gets InsufficientCredits

	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	meter := newMeter(t, 50)
	var calls atomic.Int32
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		calls.Add(1)
		return chatResult(), nil
	})
	notifier := &recordingNotifier{}
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()), dispatch.WithMeter(meter), dispatch.WithNotifier(notifier))
	start(t, d)

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)

	e := waitStatus(t, q, "m1", queue.StatusCompleted)
	assert.Equal(t, 0, e.Attempts)

	require.Eventually(t, func() bool {
		errs, _ := notifier.snapshot()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)
	errs, _ := notifier.snapshot()
	assert.ErrorIs(t, errs[0], metering.ErrInsufficientCredits)
	assert.Equal(t, int32(1), calls.Load())

	bal, err := meter.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Credits)
}

func TestDispatcher_ProcessMetersOncePerMessage(t *testing.T) {
	// GIVEN: The same entry processed twice (redelivery after a lost ack)
	// WHEN: Both executions succeed
	// THEN: The account is debited once

	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	meter := newMeter(t, 200)
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		return chatResult(), nil
	})
	d := dispatch.New(q, exec, dispatch.WithMeter(meter))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queuetest.Envelope("m1"))
	require.NoError(t, err)
	claimed, err := q.ClaimBatch(ctx, "manual", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	d.Process(ctx, claimed[0])
	d.Process(ctx, claimed[0])

	bal, err := meter.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(140), bal.Credits)
}

func TestDispatcher_StaleClaimDoesNotSettle(t *testing.T) {
	// GIVEN: A slow worker whose claim was reclaimed and handed to another
	// WHEN: The slow worker's execution fails and it nacks
	// THEN: The new owner's claim is untouched

	clock := queuetest.NewClock()
	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)), queue.WithClock(clock.Now))
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		return dispatch.Result{}, errors.New("workflow unavailable")
	})
	d := dispatch.New(q, exec)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queuetest.Envelope("m1"))
	require.NoError(t, err)
	stale, err := q.ClaimBatch(ctx, "slow", 1, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	clock.Advance(2 * time.Minute)
	_, err = q.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	clock.Advance(time.Second)
	current, err := q.ClaimBatch(ctx, "fast", 1, 0)
	require.NoError(t, err)
	require.Len(t, current, 1)

	d.Process(ctx, stale[0])

	got, err := q.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, got.Status)
	assert.Equal(t, "fast", got.ClaimedBy)
	assert.Equal(t, 1, got.Attempts)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestDispatcher_PauseResume(t *testing.T) {
	// GIVEN: A running dispatcher that is paused
	// WHEN: A message is enqueued
	// THEN: It is not processed until resume

	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	var calls atomic.Int32
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		calls.Add(1)
		return dispatch.Result{}, nil
	})
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()))
	start(t, d)
	ctx := context.Background()

	require.NoError(t, d.Pause(ctx))
	_, err := q.Enqueue(ctx, queuetest.Envelope("m1"))
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	st := d.Status(ctx)
	assert.True(t, st.Paused)
	assert.Equal(t, 1, st.Pending)

	require.NoError(t, d.Resume(ctx))
	waitStatus(t, q, "m1", queue.StatusCompleted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_StopWaitsForInFlight(t *testing.T) {
	q := queue.NewMemory(queue.WithPolicy(fastPolicy(5)))
	started := make(chan struct{})
	release := make(chan struct{})
	exec := dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		close(started)
		<-release
		return dispatch.Result{}, nil
	})
	d := dispatch.New(q, exec, dispatch.WithConfig(testConfig()))
	require.NoError(t, d.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), queuetest.Envelope("m1"))
	require.NoError(t, err)
	<-started
	st := d.Status(context.Background())
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, 1, st.LocalInFlight)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an entry was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.False(t, d.Running())
	e, err := q.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, e.Status)
}

func TestDispatcher_StartTwice(t *testing.T) {
	q := queue.NewMemory()
	d := dispatch.New(q, dispatch.ExecutorFunc(func(context.Context, queue.Envelope) (dispatch.Result, error) {
		return dispatch.Result{}, nil
	}), dispatch.WithConfig(testConfig()))

	assert.False(t, d.Running())
	start(t, d)
	assert.True(t, d.Running())
	assert.ErrorIs(t, d.Start(context.Background()), dispatch.ErrAlreadyRunning)

	st := d.Status(context.Background())
	assert.True(t, st.Running)
	assert.True(t, st.Healthy)

	d.Stop()
	d.Stop()
	assert.False(t, d.Running())
}

func TestDispatcher_ManyMessagesAllTerminal(t *testing.T) {
	// GIVEN: 40 messages, every third one permanently failing
	// WHEN: Four workers drain the queue
	// THEN: Every message ends completed or dead, none stays queued

	q := queue.NewMemory(queue.WithPolicy(fastPolicy(3)))
	exec := dispatch.ExecutorFunc(func(_ context.Context, env queue.Envelope) (dispatch.Result, error) {
		if env.ID[len(env.ID)-1]%3 == 0 {
			return dispatch.Result{}, dispatch.Permanent(errors.New("rejected"))
		}
		return dispatch.Result{}, nil
	})
	cfg := testConfig()
	cfg.Workers = 4
	d := dispatch.New(q, exec, dispatch.WithConfig(cfg))
	start(t, d)

	ids := make([]string, 40)
	for i := range ids {
		ids[i] = "m" + string(rune('A'+i))
		_, err := q.Enqueue(context.Background(), queuetest.Envelope(ids[i]))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		h, err := q.Health(context.Background())
		return err == nil && h.Pending == 0 && h.InFlight == 0
	}, 3*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		e, err := q.Get(context.Background(), queue.EntryID(id))
		require.NoError(t, err)
		assert.True(t, e.Status.Terminal(), "%s is %s", id, e.Status)
	}
}
