/*
redis.go - Redis Streams implementation of Queue

PURPOSE:
  A queue shared by several engine processes and the ingest Lambda. Delivery
  uses a stream consumer group; entry state lives in per-entry JSON keys so
  transitions can be checked and applied under WATCH.

KEYS (prefix "inbound" by default):
  {p}:entry:{id}   JSON Entry (source of truth for status)
  {p}:stream       stream of {"id": id} messages, one live message per ready entry
  {p}:msgid        hash id -> stream message id of the current delivery
  {p}:queued       set of queued ids (ready or delayed)
  {p}:delayed      zset id -> available_at (ms), promoted to the stream when due
  {p}:processing   zset id -> claimed_at (ms), scanned by ReclaimStale
  {p}:dead         zset id -> dead-lettered at (ms)
  {p}:acked        zset id -> completed_at (ms), scanned by PurgeAcked
  {p}:paused       present while claims are paused

ATOMICITY:
  - Enqueue is one Lua script: SET NX + SADD + XADD, so an entry is either
    fully queued or a duplicate.
  - Delayed promotion is one Lua script: ZRANGEBYSCORE + ZREM + XADD.
  - Every other transition is WATCH on the entry key + MULTI/EXEC.
  - A stream message for an entry that is no longer queued is acked and
    dropped on read.

TIME:
  Scores use the queue clock, not the Redis server clock.
*/
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "inbound"
	consumerGroup      = "dispatchers"
	watchRetries       = 5
	promoteBatch       = 100
)

var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[2], 'NX') == false then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('XADD', KEYS[3], '*', 'id', ARGV[1])
return 1
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('XADD', KEYS[2], '*', 'id', id)
end
return #ids
`)

// Redis is a Queue backed by Redis Streams. The client is owned by the
// caller and is not closed by Close.
type Redis struct {
	client *redis.Client
	prefix string
	policy Policy
	now    Clock
	closed atomic.Bool
}

type RedisOption func(*Redis)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRedisPolicy sets the retry policy.
func WithRedisPolicy(p Policy) RedisOption {
	return func(r *Redis) { r.policy = p.Normalize() }
}

// WithRedisClock overrides time.Now (tests).
func WithRedisClock(now Clock) RedisOption {
	return func(r *Redis) { r.now = now }
}

// NewRedis creates the consumer group if needed and returns the queue.
func NewRedis(ctx context.Context, client *redis.Client, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		client: client,
		prefix: defaultRedisPrefix,
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	err := client.XGroupCreateMkStream(ctx, r.key("stream"), consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, Unavailable("create consumer group", err)
	}
	return r, nil
}

func (r *Redis) key(parts ...string) string {
	return r.prefix + ":" + strings.Join(parts, ":")
}

func (r *Redis) entryKey(id EntryID) string {
	return r.key("entry", string(id))
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// =============================================================================
// ENQUEUE / CLAIM
// =============================================================================

func (r *Redis) Enqueue(ctx context.Context, env Envelope) (EntryID, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	if r.closed.Load() {
		return "", ErrClosed
	}

	now := r.now().UTC()
	env.EnqueuedAt = now
	env.Attempts = 0
	env.Status = StatusQueued
	raw, err := json.Marshal(Entry{Envelope: env, AvailableAt: now, MaxAttempts: r.policy.MaxAttempts})
	if err != nil {
		return "", err
	}

	id := EntryID(env.ID)
	created, err := enqueueScript.Run(ctx, r.client,
		[]string{r.entryKey(id), r.key("queued"), r.key("stream")},
		env.ID, raw,
	).Int()
	if err != nil {
		return "", Unavailable("enqueue", err)
	}
	if created == 0 {
		return id, ErrDuplicateMessage
	}
	return id, nil
}

func (r *Redis) ClaimBatch(ctx context.Context, consumerID string, max int, block time.Duration) ([]Entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if max <= 0 {
		max = 1
	}

	paused, err := r.client.Exists(ctx, r.key("paused")).Result()
	if err != nil {
		return nil, Unavailable("claim", err)
	}
	if paused > 0 {
		return nil, sleep(ctx, block)
	}

	if _, err := r.ReclaimStale(ctx, r.policy.Visibility); err != nil {
		return nil, err
	}
	if err := r.promote(ctx); err != nil {
		return nil, err
	}

	args := &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerID,
		Streams:  []string{r.key("stream"), ">"},
		Count:    int64(max),
		Block:    block,
	}
	if block <= 0 {
		args.Block = -1
	}
	streams, err := r.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Unavailable("claim", err)
	}

	var claimed []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			id, _ := msg.Values["id"].(string)
			e, ok, err := r.claim(ctx, EntryID(id), msg.ID, consumerID)
			if err != nil {
				return claimed, err
			}
			if ok {
				claimed = append(claimed, e)
			}
		}
	}
	return claimed, nil
}

func (r *Redis) claim(ctx context.Context, id EntryID, msgID, consumerID string) (Entry, bool, error) {
	var claimed Entry
	ok := false
	err := r.transition(ctx, id, func(e *Entry, pipe redis.Pipeliner) error {
		ok = false
		if e.Status != StatusQueued {
			// stale delivery of an entry that moved on
			r.dropMessage(ctx, pipe, msgID)
			return nil
		}
		now := r.now().UTC()
		e.Status = StatusProcessing
		e.ClaimToken = NewClaimToken()
		e.ClaimedBy = consumerID
		e.ClaimedAt = &now
		pipe.SRem(ctx, r.key("queued"), string(id))
		pipe.ZAdd(ctx, r.key("processing"), redis.Z{Score: millis(now), Member: string(id)})
		pipe.HSet(ctx, r.key("msgid"), string(id), msgID)
		claimed, ok = *e, true
		return nil
	})
	if errors.Is(err, ErrEntryNotFound) {
		// purged between delivery and read
		_, err = r.client.XAck(ctx, r.key("stream"), consumerGroup, msgID).Result()
		if err != nil {
			return Entry{}, false, Unavailable("claim", err)
		}
		return Entry{}, false, nil
	}
	return claimed, ok, err
}

func (r *Redis) promote(ctx context.Context) error {
	err := promoteScript.Run(ctx, r.client,
		[]string{r.key("delayed"), r.key("stream")},
		strconv.FormatInt(r.now().UnixMilli(), 10), promoteBatch,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Unavailable("promote delayed", err)
	}
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (r *Redis) Ack(ctx context.Context, id EntryID, token string) error {
	return r.transition(ctx, id, func(e *Entry, pipe redis.Pipeliner) error {
		if e.Status == StatusCompleted {
			return errNoChange
		}
		if err := e.CheckClaim(token); err != nil {
			return err
		}
		now := r.now().UTC()
		e.Status = StatusCompleted
		e.CompletedAt = &now
		e.ClaimToken = ""
		r.clearIndexes(ctx, pipe, id)
		pipe.ZAdd(ctx, r.key("acked"), redis.Z{Score: millis(now), Member: string(id)})
		return nil
	})
}

func (r *Redis) Nack(ctx context.Context, id EntryID, token, reason string) (Status, error) {
	var st Status
	err := r.transition(ctx, id, func(e *Entry, pipe redis.Pipeliner) error {
		st = e.Status
		if err := e.CheckClaim(token); err != nil {
			return err
		}
		if e.Status != StatusProcessing {
			return errNoChange
		}
		r.fail(ctx, pipe, e, reason)
		st = e.Status
		return nil
	})
	return st, err
}

func (r *Redis) DeadLetter(ctx context.Context, id EntryID, token, reason string) error {
	return r.transition(ctx, id, func(e *Entry, pipe redis.Pipeliner) error {
		if e.Status.Terminal() {
			return errNoChange
		}
		if err := e.CheckClaim(token); err != nil {
			return err
		}
		e.Attempts++
		e.Status = StatusDead
		e.LastError = reason
		e.ClaimToken = ""
		r.clearIndexes(ctx, pipe, id)
		pipe.ZAdd(ctx, r.key("dead"), redis.Z{Score: millis(r.now()), Member: string(id)})
		return nil
	})
}

func (r *Redis) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.now().UTC().Add(-olderThan)
	ids, err := r.client.ZRangeByScore(ctx, r.key("processing"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, Unavailable("reclaim", err)
	}

	n := 0
	for _, id := range ids {
		changed := false
		err := r.transition(ctx, EntryID(id), func(e *Entry, pipe redis.Pipeliner) error {
			changed = false
			if e.Status != StatusProcessing || e.ClaimedAt == nil || e.ClaimedAt.After(cutoff) {
				return errNoChange
			}
			r.fail(ctx, pipe, e, "visibility timeout expired")
			changed = true
			return nil
		})
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return n, err
		}
		if err == nil && changed {
			n++
		}
	}
	return n, nil
}

func (r *Redis) RetryDeadLetter(ctx context.Context) (int, error) {
	ids, err := r.client.ZRange(ctx, r.key("dead"), 0, -1).Result()
	if err != nil {
		return 0, Unavailable("retry dead letter", err)
	}

	n := 0
	for _, id := range ids {
		changed := false
		err := r.transition(ctx, EntryID(id), func(e *Entry, pipe redis.Pipeliner) error {
			changed = false
			if e.Status != StatusDead {
				return errNoChange
			}
			now := r.now().UTC()
			e.Status = StatusQueued
			e.Attempts = 0
			e.AvailableAt = now
			e.ClaimedBy = ""
			e.ClaimedAt = nil
			pipe.ZRem(ctx, r.key("dead"), id)
			pipe.SAdd(ctx, r.key("queued"), id)
			pipe.ZAdd(ctx, r.key("delayed"), redis.Z{Score: millis(now), Member: id})
			changed = true
			return nil
		})
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return n, err
		}
		if err == nil && changed {
			n++
		}
	}
	return n, nil
}

// fail applies a failed attempt to a processing entry.
func (r *Redis) fail(ctx context.Context, pipe redis.Pipeliner, e *Entry, reason string) {
	id := e.ID
	e.Attempts++
	e.LastError = reason
	e.ClaimToken = ""
	e.Status, e.AvailableAt = r.policy.Next(e.Attempts, e.MaxAttempts, r.now().UTC())

	r.clearIndexes(ctx, pipe, EntryID(id))
	if e.Status == StatusDead {
		pipe.ZAdd(ctx, r.key("dead"), redis.Z{Score: millis(r.now()), Member: id})
		return
	}
	pipe.SAdd(ctx, r.key("queued"), id)
	pipe.ZAdd(ctx, r.key("delayed"), redis.Z{Score: millis(e.AvailableAt), Member: id})
}

// clearIndexes removes id from every status index and retires its stream message.
func (r *Redis) clearIndexes(ctx context.Context, pipe redis.Pipeliner, id EntryID) {
	pipe.SRem(ctx, r.key("queued"), string(id))
	pipe.ZRem(ctx, r.key("delayed"), string(id))
	pipe.ZRem(ctx, r.key("processing"), string(id))
	pipe.HDel(ctx, r.key("msgid"), string(id))
}

func (r *Redis) dropMessage(ctx context.Context, pipe redis.Pipeliner, msgID string) {
	pipe.XAck(ctx, r.key("stream"), consumerGroup, msgID)
	pipe.XDel(ctx, r.key("stream"), msgID)
}

var errNoChange = errors.New("no change")

// transition loads the entry under WATCH, lets fn mutate it and queue index
// updates, then writes it back in one MULTI/EXEC. fn returning errNoChange
// aborts without writing.
func (r *Redis) transition(ctx context.Context, id EntryID, fn func(*Entry, redis.Pipeliner) error) error {
	key := r.entryKey(id)
	for attempt := 0; attempt < watchRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrEntryNotFound
			}
			if err != nil {
				return Unavailable("load entry", err)
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode entry %s: %w", id, err)
			}

			msgID, err := tx.HGet(ctx, r.key("msgid"), string(id)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return Unavailable("load entry", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if err := fn(&e, pipe); err != nil {
					return err
				}
				if msgID != "" && e.Status != StatusProcessing {
					r.dropMessage(ctx, pipe, msgID)
				}
				updated, err := json.Marshal(e)
				if err != nil {
					return err
				}
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil, errors.Is(err, errNoChange):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrClaimLost), errors.Is(err, ErrStorageUnavailable):
			return err
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Unavailable("transition", err)
		}
	}
	return fmt.Errorf("%w: entry %s kept changing", ErrStorageUnavailable, id)
}

// =============================================================================
// ADMIN
// =============================================================================

func (r *Redis) Pause(ctx context.Context) error {
	if err := r.client.Set(ctx, r.key("paused"), "1", 0).Err(); err != nil {
		return Unavailable("pause", err)
	}
	return nil
}

func (r *Redis) Resume(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key("paused")).Err(); err != nil {
		return Unavailable("resume", err)
	}
	return nil
}

func (r *Redis) PurgeAcked(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := r.now().Add(-retention)
	ids, err := r.client.ZRangeByScore(ctx, r.key("acked"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, Unavailable("purge", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(EntryID(id))
		members[i] = id
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, r.key("acked"), members...)
		return nil
	})
	if err != nil {
		return 0, Unavailable("purge", err)
	}
	return len(ids), nil
}

func (r *Redis) Health(ctx context.Context) (Health, error) {
	pipe := r.client.Pipeline()
	paused := pipe.Exists(ctx, r.key("paused"))
	pending := pipe.SCard(ctx, r.key("queued"))
	inFlight := pipe.ZCard(ctx, r.key("processing"))
	dead := pipe.ZCard(ctx, r.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Health{}, Unavailable("health", err)
	}
	return Health{
		Reachable:  true,
		Paused:     paused.Val() > 0,
		Pending:    int(pending.Val()),
		InFlight:   int(inFlight.Val()),
		DeadLetter: int(dead.Val()),
	}, nil
}

func (r *Redis) ListDeadLetter(ctx context.Context, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRange(ctx, r.key("dead"), 0, stop).Result()
	if err != nil {
		return nil, Unavailable("list dead letter", err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := r.Get(ctx, EntryID(id))
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Redis) Get(ctx context.Context, id EntryID) (Entry, error) {
	raw, err := r.client.Get(ctx, r.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, Unavailable("get", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return e, nil
}

func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
