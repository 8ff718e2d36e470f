// Package redisq provides Redis-backed implementations of the sagaflow
// job queue and attempt lease, for running several worker processes
// against one store.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fortressi/sagaflow"
)

// Jobs live in a hash; three sorted sets hold ready, delayed and in-flight
// ids. Ready scores encode priority first and enqueue sequence second, so
// priorities must stay within +/-1000.

// KEYS: jobs, prio, ready, delayed, inflight, seq
// ARGV: id, payload, priority, delay_ms, now_ms, force
const scheduleScript = `
if ARGV[6] == "0" and redis.call("ZSCORE", KEYS[5], ARGV[1]) then
    return 0
end
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("ZREM", KEYS[5], ARGV[1])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
local delay = tonumber(ARGV[4])
if delay > 0 then
    redis.call("ZADD", KEYS[4], tonumber(ARGV[5]) + delay, ARGV[1])
else
    local seq = redis.call("INCR", KEYS[6])
    redis.call("ZADD", KEYS[3], -tonumber(ARGV[3]) * 1e12 + seq, ARGV[1])
end
return 1
`

// KEYS: jobs, prio, ready, delayed, inflight, seq
// ARGV: now_ms, visibility_ms
const dequeueScript = `
local now = tonumber(ARGV[1])
local function promote(key)
    local due = redis.call("ZRANGEBYSCORE", key, "-inf", now)
    for _, id in ipairs(due) do
        redis.call("ZREM", key, id)
        local seq = redis.call("INCR", KEYS[6])
        local prio = tonumber(redis.call("HGET", KEYS[2], id) or "0")
        redis.call("ZADD", KEYS[3], -prio * 1e12 + seq, id)
    end
end
promote(KEYS[5])
promote(KEYS[4])
local head = redis.call("ZRANGE", KEYS[3], 0, 0)
if #head == 0 then
    return false
end
local id = head[1]
redis.call("ZREM", KEYS[3], id)
redis.call("ZADD", KEYS[5], now + tonumber(ARGV[2]), id)
return redis.call("HGET", KEYS[1], id)
`

// KEYS: jobs, prio, ready, delayed, inflight
// ARGV: id
const ackScript = `
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("ZREM", KEYS[5], ARGV[1])
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
return 1
`

const maxPriority = 1000

// Queue is a sagaflow.Queue on Redis. Dequeued jobs stay in flight until
// acked; a job not acked within the visibility timeout is delivered again.
type Queue struct {
	client     redis.Cmdable
	prefix     string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
}

var _ sagaflow.Queue = (*Queue)(nil)

type QueueOption func(*Queue)

// WithPrefix sets the key prefix. Defaults to "sagaflow:queue".
func WithPrefix(prefix string) QueueOption {
	return func(q *Queue) { q.prefix = prefix }
}

// WithVisibilityTimeout sets how long a dequeued job stays hidden before it
// is redelivered. Non-positive values keep the default.
func WithVisibilityTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithPollInterval sets how often an idle Dequeue checks for work.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) { q.poll = d }
}

func NewQueue(client redis.Cmdable, opts ...QueueOption) *Queue {
	q := &Queue{
		client:     client,
		prefix:     "sagaflow:queue",
		visibility: sagaflow.DefaultVisibilityTimeout,
		poll:       100 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) key(name string) string {
	return q.prefix + ":" + name
}

func (q *Queue) keys() []string {
	return []string{q.key("jobs"), q.key("prio"), q.key("ready"), q.key("delayed"), q.key("inflight"), q.key("seq")}
}

// Enqueue schedules job unless it is in flight.
func (q *Queue) Enqueue(ctx context.Context, job sagaflow.Job, delay time.Duration) error {
	return q.schedule(ctx, job, delay, false)
}

// Retry puts an in-flight job back after delay.
func (q *Queue) Retry(ctx context.Context, job sagaflow.Job, delay time.Duration) error {
	return q.schedule(ctx, job, delay, true)
}

func (q *Queue) schedule(ctx context.Context, job sagaflow.Job, delay time.Duration, force bool) error {
	if job.Priority > maxPriority || job.Priority < -maxPriority {
		return fmt.Errorf("job %s: priority %d out of range", job.ID, job.Priority)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	return q.client.Eval(ctx, scheduleScript, q.keys(),
		job.ID, string(payload), job.Priority, delay.Milliseconds(), q.now().UnixMilli(), forceArg).Err()
}

// Dequeue blocks until a job is ready or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (sagaflow.Job, error) {
	for {
		raw, err := q.client.Eval(ctx, dequeueScript, q.keys(),
			q.now().UnixMilli(), q.visibility.Milliseconds()).Text()
		switch {
		case err == nil:
			var job sagaflow.Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				return sagaflow.Job{}, fmt.Errorf("failed to decode job: %w", err)
			}
			return job, nil
		case !errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return sagaflow.Job{}, ctx.Err()
			}
			return sagaflow.Job{}, err
		}

		t := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return sagaflow.Job{}, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.client.Eval(ctx, ackScript, q.keys()[:5], id).Err()
}

// Len reports waiting plus in-flight jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.HLen(ctx, q.key("jobs")).Result()
}
