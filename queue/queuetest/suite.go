/*
suite.go - Behavioural suite shared by every Queue implementation

PURPOSE:
  One set of scenarios, run against the memory, SQLite and Redis queues, so
  the delivery guarantees do not drift between backends.

USAGE:
  func TestQueue(t *testing.T) {
      queuetest.Run(t, func(t *testing.T, p queue.Policy, now queue.Clock) queue.Queue {
          return queue.NewMemory(queue.WithPolicy(p), queue.WithClock(now))
      })
  }

  The factory must honour the policy and read time only through now, so
  tests can move the clock instead of sleeping.
*/
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inbound-engine/queue"
)

// Factory builds a fresh, empty queue.
type Factory func(t *testing.T, p queue.Policy, now queue.Clock) queue.Queue

// Clock is a manually advanced clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// TestPolicy is the policy used by the suite unless a scenario overrides it.
func TestPolicy() queue.Policy {
	return queue.Policy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute, Visibility: time.Hour}
}

// Envelope returns a valid envelope with the given id.
func Envelope(id string) queue.Envelope {
	payload, _ := json.Marshal(map[string]string{"text": "hello " + id})
	return queue.Envelope{
		ID:        id,
		Provider:  "generic",
		AgentID:   "agent-1",
		ContactID: "contact-1",
		Kind:      queue.KindText,
		Payload:   payload,
	}
}

// Run executes every scenario against queues built by f.
func Run(t *testing.T, f Factory) {
	scenarios := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"EnqueueClaimAck", testEnqueueClaimAck},
		{"InvalidEnvelope", testInvalidEnvelope},
		{"DuplicateEnqueue", testDuplicateEnqueue},
		{"ReEnqueueAfterAckIsNoop", testReEnqueueAfterAck},
		{"AckIsIdempotent", testAckIdempotent},
		{"UnknownEntry", testUnknownEntry},
		{"ClaimRespectsMaxAndOrder", testClaimOrder},
		{"PauseResume", testPauseResume},
		{"NackBackoff", testNackBackoff},
		{"FailTwiceThenSucceed", testFailTwiceThenSucceed},
		{"MaxAttemptsDeadLetters", testMaxAttemptsDeadLetters},
		{"DeadLetterDirect", testDeadLetterDirect},
		{"RetryDeadLetter", testRetryDeadLetter},
		{"ReclaimStale", testReclaimStale},
		{"StaleClaimIsFenced", testStaleClaimIsFenced},
		{"EntryKeepsItsMaxAttempts", testEntryKeepsItsMaxAttempts},
		{"PurgeAcked", testPurgeAcked},
		{"Health", testHealth},
		{"BlockingClaimWakesOnEnqueue", testBlockingClaim},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) { sc.fn(t, f) })
	}
}

func build(t *testing.T, f Factory, p queue.Policy) (queue.Queue, *Clock) {
	t.Helper()
	clock := NewClock()
	q := f(t, p, clock.Now)
	t.Cleanup(func() { q.Close() })
	return q, clock
}

func enqueue(t *testing.T, q queue.Queue, ids ...string) {
	t.Helper()
	for _, id := range ids {
		got, err := q.Enqueue(context.Background(), Envelope(id))
		require.NoError(t, err)
		require.Equal(t, queue.EntryID(id), got)
	}
}

func claimOne(t *testing.T, q queue.Queue) queue.Entry {
	t.Helper()
	entries, err := q.ClaimBatch(context.Background(), "worker-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func claimNone(t *testing.T, q queue.Queue) {
	t.Helper()
	entries, err := q.ClaimBatch(context.Background(), "worker-1", 10, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func status(t *testing.T, q queue.Queue, id string) queue.Entry {
	t.Helper()
	e, err := q.Get(context.Background(), queue.EntryID(id))
	require.NoError(t, err)
	return e
}

// =============================================================================
// SCENARIOS
// =============================================================================

func testEnqueueClaimAck(t *testing.T, f Factory) {
	q, _ := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1")

	e := claimOne(t, q)
	assert.Equal(t, "m1", e.ID)
	assert.Equal(t, queue.StatusProcessing, e.Status)
	assert.Equal(t, "worker-1", e.ClaimedBy)
	assert.NotEmpty(t, e.ClaimToken)
	assert.JSONEq(t, `{"text":"hello m1"}`, string(e.Payload))

	require.NoError(t, q.Ack(ctx, e.EntryID(), e.ClaimToken))
	got := status(t, q, "m1")
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	claimNone(t, q)
}

func testInvalidEnvelope(t *testing.T, f Factory) {
	q, _ := build(t, f, TestPolicy())

	env := Envelope("m1")
	env.Kind = "sticker"
	_, err := q.Enqueue(context.Background(), env)
	assert.ErrorIs(t, err, queue.ErrInvalidEnvelope)

	env = Envelope("")
	_, err = q.Enqueue(context.Background(), env)
	assert.ErrorIs(t, err, queue.ErrInvalidEnvelope)
	claimNone(t, q)
}

func testDuplicateEnqueue(t *testing.T, f Factory) {
	q, _ := build(t, f, TestPolicy())
	enqueue(t, q, "m1")

	id, err := q.Enqueue(context.Background(), Envelope("m1"))
	assert.ErrorIs(t, err, queue.ErrDuplicateMessage)
	assert.Equal(t, queue.EntryID("m1"), id)

	claimOne(t, q)
	claimNone(t, q)
}

func testReEnqueueAfterAck(t *testing.T, f Factory) {
	// GIVEN: A message processed and acked
	// WHEN: The provider redelivers the same id
	// THEN: Enqueue reports a duplicate and nothing is claimable

	q, _ := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1")
	e := claimOne(t, q)
	require.NoError(t, q.Ack(ctx, e.EntryID(), e.ClaimToken))

	_, err := q.Enqueue(ctx, Envelope("m1"))
	assert.ErrorIs(t, err, queue.ErrDuplicateMessage)
	assert.Equal(t, queue.StatusCompleted, status(t, q, "m1").Status)
	claimNone(t, q)
}

func testAckIdempotent(t *testing.T, f Factory) {
	q, _ := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1")
	e := claimOne(t, q)

	require.NoError(t, q.Ack(ctx, e.EntryID(), e.ClaimToken))
	require.NoError(t, q.Ack(ctx, e.EntryID(), e.ClaimToken))
	assert.Equal(t, queue.StatusCompleted, status(t, q, "m1").Status)
}

func testUnknownEntry(t *testing.T, f Factory) {
	q, _ := build(t, f, TestPolicy())
	ctx := context.Background()

	assert.ErrorIs(t, q.Ack(ctx, "missing", ""), queue.ErrEntryNotFound)
	_, err := q.Nack(ctx, "missing", "", "boom")
	assert.ErrorIs(t, err, queue.ErrEntryNotFound)
	assert.ErrorIs(t, q.DeadLetter(ctx, "missing", "", "boom"), queue.ErrEntryNotFound)
	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrEntryNotFound)
}

func testClaimOrder(t *testing.T, f Factory) {
	q, _ := build(t, f, TestPolicy())
	enqueue(t, q, "m1", "m2", "m3")

	entries, err := q.ClaimBatch(context.Background(), "worker-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].ID)
	assert.Equal(t, "m2", entries[1].ID)

	assert.Equal(t, "m3", claimOne(t, q).ID)
	claimNone(t, q)
}

func testPauseResume(t *testing.T, f Factory) {
	// GIVEN: A paused queue
	// WHEN: A message is enqueued and a claim attempted
	// THEN: Claim returns empty; after resume the message is claimable

	q, _ := build(t, f, TestPolicy())
	ctx := context.Background()

	require.NoError(t, q.Pause(ctx))
	enqueue(t, q, "m1")
	claimNone(t, q)

	h, err := q.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Paused)
	assert.Equal(t, 1, h.Pending)

	require.NoError(t, q.Resume(ctx))
	assert.Equal(t, "m1", claimOne(t, q).ID)
}

func testNackBackoff(t *testing.T, f Factory) {
	q, clock := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1")

	e := claimOne(t, q)
	st, err := q.Nack(ctx, e.EntryID(), e.ClaimToken, "timeout")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, st)

	got := status(t, q, "m1")
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "timeout", got.LastError)
	claimNone(t, q)

	clock.Advance(time.Second)
	e = claimOne(t, q)
	st, err = q.Nack(ctx, e.EntryID(), e.ClaimToken, "timeout")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, st)

	// second retry waits 2x base
	clock.Advance(time.Second)
	claimNone(t, q)
	clock.Advance(time.Second)
	assert.Equal(t, "m1", claimOne(t, q).ID)
}

func testFailTwiceThenSucceed(t *testing.T, f Factory) {
	// GIVEN: maxAttempts 5 and a handler that fails twice
	// WHEN: The message is retried until it succeeds
	// THEN: COMPLETED, exactly one success, nothing dead-lettered

	q, clock := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1")

	calls, successes := 0, 0
	for i := 0; i < 10; i++ {
		entries, err := q.ClaimBatch(ctx, "worker-1", 1, 0)
		require.NoError(t, err)
		if len(entries) == 0 {
			clock.Advance(time.Minute)
			continue
		}
		calls++
		if calls <= 2 {
			_, err := q.Nack(ctx, entries[0].EntryID(), entries[0].ClaimToken, fmt.Sprintf("failure %d", calls))
			require.NoError(t, err)
			continue
		}
		successes++
		require.NoError(t, q.Ack(ctx, entries[0].EntryID(), entries[0].ClaimToken))
	}

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, successes)
	got := status(t, q, "m1")
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)

	h, err := q.Health(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.DeadLetter)
}

func testMaxAttemptsDeadLetters(t *testing.T, f Factory) {
	// GIVEN: maxAttempts 3 and a handler that always fails
	// WHEN: The message is retried until the queue gives up
	// THEN: DEAD, deadLetterCount == 1, the handler ran 3 times

	p := TestPolicy()
	p.MaxAttempts = 3
	q, clock := build(t, f, p)
	ctx := context.Background()
	enqueue(t, q, "m1")

	var last queue.Status
	calls := 0
	for i := 0; i < 10 && last != queue.StatusDead; i++ {
		entries, err := q.ClaimBatch(ctx, "worker-1", 1, 0)
		require.NoError(t, err)
		if len(entries) == 0 {
			clock.Advance(time.Minute)
			continue
		}
		calls++
		last, err = q.Nack(ctx, entries[0].EntryID(), entries[0].ClaimToken, "always fails")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls)
	assert.Equal(t, queue.StatusDead, last)

	h, err := q.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.DeadLetter)
	assert.Zero(t, h.Pending)

	dead, err := q.ListDeadLetter(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m1", dead[0].ID)
	assert.Equal(t, "always fails", dead[0].LastError)

	clock.Advance(time.Hour)
	claimNone(t, q)
}

func testDeadLetterDirect(t *testing.T, f Factory) {
	q, _ := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1")

	e := claimOne(t, q)
	require.NoError(t, q.DeadLetter(ctx, e.EntryID(), e.ClaimToken, "unknown agent"))
	got := status(t, q, "m1")
	assert.Equal(t, queue.StatusDead, got.Status)
	assert.Equal(t, "unknown agent", got.LastError)
}

func testRetryDeadLetter(t *testing.T, f Factory) {
	p := TestPolicy()
	p.MaxAttempts = 1
	q, _ := build(t, f, p)
	ctx := context.Background()
	enqueue(t, q, "m1", "m2")

	for i := 0; i < 2; i++ {
		e := claimOne(t, q)
		st, err := q.Nack(ctx, e.EntryID(), e.ClaimToken, "boom")
		require.NoError(t, err)
		require.Equal(t, queue.StatusDead, st)
	}

	n, err := q.RetryDeadLetter(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := status(t, q, "m1")
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Zero(t, got.Attempts)

	entries, err := q.ClaimBatch(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func testReclaimStale(t *testing.T, f Factory) {
	// GIVEN: A claimed entry whose worker died
	// WHEN: The claim outlives the visibility timeout
	// THEN: It is reclaimed as an implicit nack and redelivered

	q, clock := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1")
	first := claimOne(t, q)

	clock.Advance(10 * time.Second)
	n, err := q.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "claim is still fresh")

	clock.Advance(time.Minute)
	n, err = q.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := status(t, q, "m1")
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)

	clock.Advance(time.Second)
	second := claimOne(t, q)
	assert.Equal(t, "m1", second.ID)
	assert.NotEqual(t, first.ClaimToken, second.ClaimToken)
}

func testStaleClaimIsFenced(t *testing.T, f Factory) {
	// GIVEN: worker-1 claims m1 and stalls past the visibility timeout
	// WHEN: m1 is reclaimed, worker-2 claims it, then worker-1 reports back
	// THEN: worker-1 gets ErrClaimLost and worker-2 still owns the entry

	q, clock := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1")
	stale := claimOne(t, q)

	clock.Advance(2 * time.Hour)
	n, err := q.ReclaimStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	st, err := q.Nack(ctx, stale.EntryID(), stale.ClaimToken, "late failure")
	assert.ErrorIs(t, err, queue.ErrClaimLost)
	assert.Equal(t, queue.StatusQueued, st, "reclaimed entry is untouched")

	clock.Advance(time.Second)
	entries, err := q.ClaimBatch(ctx, "worker-2", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	current := entries[0]
	require.NotEqual(t, stale.ClaimToken, current.ClaimToken)

	_, err = q.Nack(ctx, stale.EntryID(), stale.ClaimToken, "late failure")
	assert.ErrorIs(t, err, queue.ErrClaimLost)
	assert.ErrorIs(t, q.DeadLetter(ctx, stale.EntryID(), stale.ClaimToken, "late"), queue.ErrClaimLost)
	assert.ErrorIs(t, q.Ack(ctx, stale.EntryID(), stale.ClaimToken), queue.ErrClaimLost)

	got := status(t, q, "m1")
	assert.Equal(t, queue.StatusProcessing, got.Status)
	assert.Equal(t, "worker-2", got.ClaimedBy)
	assert.Equal(t, current.ClaimToken, got.ClaimToken)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "visibility timeout expired", got.LastError)

	require.NoError(t, q.Ack(ctx, current.EntryID(), current.ClaimToken))
	assert.Equal(t, queue.StatusCompleted, status(t, q, "m1").Status)
	assert.NoError(t, q.Ack(ctx, stale.EntryID(), stale.ClaimToken), "ack of a completed entry stays a no-op")
}

func testEntryKeepsItsMaxAttempts(t *testing.T, f Factory) {
	// GIVEN: An entry enqueued under maxAttempts 2
	// WHEN: It is nacked twice
	// THEN: It dead-letters on the second failure, as stamped at enqueue

	p := TestPolicy()
	p.MaxAttempts = 2
	q, clock := build(t, f, p)
	ctx := context.Background()
	enqueue(t, q, "m1")
	assert.Equal(t, 2, status(t, q, "m1").MaxAttempts)

	e := claimOne(t, q)
	st, err := q.Nack(ctx, e.EntryID(), e.ClaimToken, "boom")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, st)

	clock.Advance(time.Minute)
	e = claimOne(t, q)
	st, err = q.Nack(ctx, e.EntryID(), e.ClaimToken, "boom")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, st)
}

func testPurgeAcked(t *testing.T, f Factory) {
	q, clock := build(t, f, TestPolicy())
	ctx := context.Background()
	enqueue(t, q, "m1", "m2")
	e := claimOne(t, q)
	require.NoError(t, q.Ack(ctx, e.EntryID(), e.ClaimToken))

	n, err := q.PurgeAcked(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = q.PurgeAcked(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Get(ctx, "m1")
	assert.ErrorIs(t, err, queue.ErrEntryNotFound)
	assert.Equal(t, queue.StatusQueued, status(t, q, "m2").Status)
}

func testHealth(t *testing.T, f Factory) {
	p := TestPolicy()
	p.MaxAttempts = 1
	q, _ := build(t, f, p)
	ctx := context.Background()
	enqueue(t, q, "m1", "m2", "m3", "m4")

	e := claimOne(t, q)
	require.NoError(t, q.Ack(ctx, e.EntryID(), e.ClaimToken))
	e = claimOne(t, q)
	_, err := q.Nack(ctx, e.EntryID(), e.ClaimToken, "boom")
	require.NoError(t, err)
	claimOne(t, q)

	h, err := q.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Reachable)
	assert.False(t, h.Paused)
	assert.Equal(t, 1, h.Pending)
	assert.Equal(t, 1, h.InFlight)
	assert.Equal(t, 1, h.DeadLetter)
}

func testBlockingClaim(t *testing.T, f Factory) {
	q, _ := build(t, f, TestPolicy())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Enqueue(context.Background(), Envelope("m1"))
	}()

	entries, err := q.ClaimBatch(ctx, "worker-1", 1, 3*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].ID)
}
