// Package queue is a durable, Redis-backed job queue with priorities,
// delayed retries, visibility timeouts and a dead-letter list.
//
// Every state transition is a single Lua script, so a job is always in
// exactly one of ready, delayed, processing, or gone (acked / dead).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	maxPriority  = 100
	reapBatch    = 100
	defaultWait  = 5 * time.Second
	pollInterval = 100 * time.Millisecond
)

const enqueueLua = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
if tonumber(ARGV[4]) > 0 then
    redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
else
    redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
end
return 1
`

const dequeueLua = `
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[2], id)
    local rank = redis.call('HGET', KEYS[6], id)
    if not rank then rank = now end
    redis.call('ZADD', KEYS[1], rank, id)
end
while true do
    local popped = redis.call('ZPOPMIN', KEYS[1])
    if #popped == 0 then
        return false
    end
    local id = popped[1]
    local body = redis.call('HGET', KEYS[4], id)
    if body then
        redis.call('ZADD', KEYS[3], ARGV[2], id)
        redis.call('HSET', KEYS[8], id, ARGV[3])
        local attempt = redis.call('HINCRBY', KEYS[5], id, 1)
        local deferrals = tonumber(redis.call('HGET', KEYS[7], id) or '0')
        return {id, body, attempt, deferrals}
    end
end
`

const rescheduleLua = `
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
    return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[4] == '1' then
    redis.call('HINCRBY', KEYS[4], ARGV[1], -1)
    redis.call('HINCRBY', KEYS[5], ARGV[1], 1)
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`

// KEYS: processing, leases, jobs, attempts, deferrals, rank, progress[, dead]
const settleLua = `
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
    return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
for i = 2, 7 do
    redis.call('HDEL', KEYS[i], ARGV[1])
end
if KEYS[8] then
    redis.call('RPUSH', KEYS[8], ARGV[3])
end
return 1
`

// KEYS: processing, leases, deferrals
const touchLua = `
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`

const reapLua = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('HDEL', KEYS[2], id)
    local rank = redis.call('HGET', KEYS[4], id)
    if not rank then rank = ARGV[1] end
    redis.call('ZADD', KEYS[3], rank, id)
end
return #ids
`

var (
	enqueueScript    = redis.NewScript(enqueueLua)
	dequeueScript    = redis.NewScript(dequeueLua)
	rescheduleScript = redis.NewScript(rescheduleLua)
	settleScript     = redis.NewScript(settleLua)
	touchScript      = redis.NewScript(touchLua)
	reapScript       = redis.NewScript(reapLua)
)

// Options configures a Queue.
type Options struct {
	Name              string
	VisibilityTimeout time.Duration
}

// Queue is a named durable queue.
type Queue struct {
	client     *redis.Client
	name       string
	visibility time.Duration
	now        func() time.Time
}

// New creates a queue handle. Handles are cheap; many processes may share a
// queue name.
func New(client *redis.Client, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	return &Queue{client: client, name: opts.Name, visibility: opts.VisibilityTimeout, now: time.Now}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// The braces make every key of one queue hash to the same cluster slot.
func (q *Queue) key(suffix string) string { return fmt.Sprintf("queue:{%s}:%s", q.name, suffix) }

// Enqueue adds a job. A job with the same ID that is still queued is
// rejected with ErrDuplicateJob, which makes re-enqueueing an event safe.
func (q *Queue) Enqueue(ctx context.Context, job Job, delay time.Duration) (string, error) {
	if job.Type == "" {
		return "", errors.New("queue: job type is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: encode job: %w", err)
	}

	var readyAt int64
	if delay > 0 {
		readyAt = now.Add(delay).UnixMilli()
	}
	ok, err := enqueueScript.Run(ctx, q.client,
		[]string{q.key("jobs"), q.key("rank"), q.key("ready"), q.key("delayed")},
		job.ID, body, rankScore(job.Priority, job.EnqueuedAt), readyAt).Int64()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	if ok == 0 {
		return job.ID, ErrDuplicateJob
	}
	return job.ID, nil
}

// rankScore orders by priority (higher first), then FIFO.
func rankScore(priority int, at time.Time) string {
	if priority > maxPriority {
		priority = maxPriority
	}
	if priority < -maxPriority {
		priority = -maxPriority
	}
	return strconv.FormatInt(-int64(priority)*1e13+at.UnixMilli(), 10)
}

// Dequeue blocks up to wait for a job. It returns (nil, nil) when none became
// ready in time. The delivery stays invisible to other workers until it is
// settled or its visibility timeout passes.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if wait <= 0 {
		wait = defaultWait
	}
	deadline := time.Now().Add(wait)
	for {
		d, err := q.tryDequeue(ctx)
		if err != nil || d != nil {
			return d, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) tryDequeue(ctx context.Context) (*Delivery, error) {
	now := q.now()
	lease := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("ready"), q.key("delayed"), q.key("processing"), q.key("jobs"),
			q.key("attempts"), q.key("rank"), q.key("deferrals"), q.key("leases")},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), lease).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("queue: dequeue: unexpected reply %v", res)
	}

	body, _ := res[1].(string)
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %v: %w", res[0], err)
	}
	attempt, _ := res[2].(int64)
	deferrals, _ := res[3].(int64)
	return &Delivery{Job: job, Attempt: int(attempt), Deferrals: int(deferrals), lease: lease}, nil
}

// Ack removes a finished job.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	return q.settle(ctx, d, "")
}

// DeadLetter removes the job and appends it to the dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	entry, err := json.Marshal(DeadJob{Job: d.Job, Attempts: d.Attempt, Error: msg, FailedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: encode dead job: %w", err)
	}
	return q.settle(ctx, d, string(entry))
}

func (q *Queue) settle(ctx context.Context, d *Delivery, deadEntry string) error {
	keys := []string{q.key("processing"), q.key("leases"), q.key("jobs"), q.key("attempts"),
		q.key("deferrals"), q.key("rank"), q.key("progress")}
	args := []interface{}{d.Job.ID, d.lease}
	if deadEntry != "" {
		keys = append(keys, q.key("dead"))
		args = append(args, deadEntry)
	}
	ok, err := settleScript.Run(ctx, q.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("queue: settle %s: %w", d.Job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Retry puts the job back after delay; the attempt stays counted.
func (q *Queue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	return q.reschedule(ctx, d, delay, false)
}

// Defer puts the job back after delay without consuming an attempt.
func (q *Queue) Defer(ctx context.Context, d *Delivery, delay time.Duration) error {
	return q.reschedule(ctx, d, delay, true)
}

func (q *Queue) reschedule(ctx context.Context, d *Delivery, delay time.Duration, deferred bool) error {
	flag := "0"
	if deferred {
		flag = "1"
	}
	ok, err := rescheduleScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("leases"), q.key("delayed"), q.key("attempts"), q.key("deferrals")},
		d.Job.ID, d.lease, q.now().Add(delay).UnixMilli(), flag).Int64()
	if err != nil {
		return fmt.Errorf("queue: reschedule %s: %w", d.Job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Touch extends the visibility deadline of a delivery still owned by the
// caller and clears its deferral count. Handlers call it after progress, so
// deferral budgets apply to one unit of work rather than the whole job.
func (q *Queue) Touch(ctx context.Context, d *Delivery) error {
	ok, err := touchScript.Run(ctx, q.client, []string{q.key("processing"), q.key("leases"), q.key("deferrals")},
		d.Job.ID, d.lease, q.now().Add(q.visibility).UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("queue: touch %s: %w", d.Job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Reap moves deliveries whose visibility deadline passed back to ready. The
// consumed attempt stays counted, so a job that keeps timing out eventually
// exceeds its attempt budget.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("leases"), q.key("ready"), q.key("rank")},
		q.now().UnixMilli(), reapBatch).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}
	return int(n), nil
}

// SetProgress records progress for an in-flight job.
func (q *Queue) SetProgress(ctx context.Context, jobID string, p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = q.now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, q.key("progress"), jobID, data).Err()
}

// GetProgress returns the last recorded progress, or nil if none.
func (q *Queue) GetProgress(ctx context.Context, jobID string) (*Progress, error) {
	data, err := q.client.HGet(ctx, q.key("progress"), jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Stats returns queue depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.key("ready"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	processing := pipe.ZCard(ctx, q.key("processing"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{Ready: ready.Val(), Delayed: delayed.Val(), Processing: processing.Val(), Dead: dead.Val()}, nil
}

// DeadLetters returns up to limit dead jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]DeadJob, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.key("dead"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	out := make([]DeadJob, 0, len(raw))
	for _, r := range raw {
		var dj DeadJob
		if err := json.Unmarshal([]byte(r), &dj); err != nil {
			continue
		}
		out = append(out, dj)
	}
	return out, nil
}
