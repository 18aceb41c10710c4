package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names shared between producers and consumers. They are part of the
// external contract with the broker; do not rename.
const (
	QueueEvents  = "events"
	QueueRouting = "routing"
	QueueSync    = "sync"
)

// ErrDuplicate is returned by Enqueue when a job with the same dedup key
// is already pending or in flight.
var ErrDuplicate = errors.New("queue: duplicate job")

// Job is a single unit of work pulled from the broker.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Options tunes a queue's retry and visibility behavior.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Visibility is how long a claimed job may run before the reclaimer
	// treats the worker as crashed and retries the job.
	Visibility time.Duration
	// DedupTTL bounds how long a dedup key blocks re-enqueue if the job
	// is never acked (safety valve against leaked keys).
	DedupTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 5 * time.Minute
	}
	if o.Visibility == 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.DedupTTL == 0 {
		o.DedupTTL = 24 * time.Hour
	}
}

// Queue is a durable Redis-backed job queue with delayed dispatch,
// per-job dedup, exponential backoff retry and a dead-letter list.
//
// Layout (all keys prefixed q:{name}):
//
//	pending    LIST   job ids ready to run
//	delayed    ZSET   job id → run-at (ms)
//	processing ZSET   job id → visibility deadline (ms)
//	jobs       HASH   job id → envelope JSON
//	dead       LIST   terminally failed job ids (envelopes stay in jobs)
//	dedup:{k}  STRING dedup guard, SET NX
type Queue struct {
	rdb  *redis.Client
	name string
	opts Options

	// Pre-compiled Lua script for atomic promote+claim. The same pattern
	// keeps the send path race-free under concurrent workers.
	claimScript *redis.Script
}

// Lua script for atomic claim: promote due delayed jobs into pending,
// pop one id, and move it to processing with a visibility deadline.
const claimLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[2], id)
    redis.call("LPUSH", KEYS[1], id)
end

local id = redis.call("RPOP", KEYS[1])
if not id then
    return false
end

redis.call("ZADD", KEYS[3], ARGV[2], id)
local body = redis.call("HGET", KEYS[4], id)
return {id, body}
`

// New creates a queue handle. Multiple processes may share the same name;
// the broker is the only coordination between them.
func New(rdb *redis.Client, name string, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		rdb:         rdb,
		name:        name,
		opts:        opts,
		claimScript: redis.NewScript(claimLuaScript),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("q:%s:%s", q.name, suffix)
}

func (q *Queue) dedupKey(k string) string {
	return fmt.Sprintf("q:%s:dedup:%s", q.name, k)
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	delay    time.Duration
	dedupKey string
	jobID    string
}

// WithDelay schedules the job to become claimable after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(p *enqueueParams) { p.delay = d }
}

// WithDedupKey suppresses the enqueue if a job with the same key is
// already pending or in flight.
func WithDedupKey(k string) EnqueueOption {
	return func(p *enqueueParams) { p.dedupKey = k }
}

// WithJobID overrides the generated job id.
func WithJobID(id string) EnqueueOption {
	return func(p *enqueueParams) { p.jobID = id }
}

// Enqueue marshals payload and adds a job to the queue. Returns the job id
// or ErrDuplicate when the dedup key is already held.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (string, error) {
	var p enqueueParams
	for _, o := range opts {
		o(&p)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	if p.dedupKey != "" {
		ok, err := q.rdb.SetNX(ctx, q.dedupKey(p.dedupKey), "1", q.opts.DedupTTL).Result()
		if err != nil {
			return "", fmt.Errorf("dedup check: %w", err)
		}
		if !ok {
			return "", ErrDuplicate
		}
	}

	id := p.jobID
	if id == "" {
		id = uuid.New().String()
	}
	job := Job{
		ID:         id,
		Queue:      q.name,
		Payload:    body,
		DedupKey:   p.dedupKey,
		EnqueuedAt: time.Now().UTC(),
	}
	env, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("jobs"), id, env)
	if p.delay > 0 {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(time.Now().Add(p.delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.LPush(ctx, q.key("pending"), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Leave the dedup key for its TTL; a retry with the same key is
		// what we want suppressed least here, so release it.
		if p.dedupKey != "" {
			q.rdb.Del(ctx, q.dedupKey(p.dedupKey))
		}
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically pulls the next ready job, moving it to the processing
// set. Returns (nil, nil) when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	res, err := q.claimScript.Run(ctx, q.rdb,
		[]string{q.key("pending"), q.key("delayed"), q.key("processing"), q.key("jobs")},
		now.UnixMilli(),
		now.Add(q.opts.Visibility).UnixMilli(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	if len(res) != 2 || res[1] == nil {
		return nil, nil
	}

	body, ok := res[1].(string)
	if !ok {
		return nil, fmt.Errorf("claim: unexpected envelope type %T", res[1])
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("claim: bad envelope: %w", err)
	}
	return &job, nil
}

// Ack marks a job as successfully completed and removes all trace of it.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("processing"), job.ID)
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	if job.DedupKey != "" {
		pipe.Del(ctx, q.dedupKey(job.DedupKey))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Fail records a failed attempt. The job is re-scheduled with exponential
// backoff, or moved to the dead-letter list after MaxAttempts.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) error {
	job.Attempts++
	job.LastError = reason

	env, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("processing"), job.ID)
	pipe.HSet(ctx, q.key("jobs"), job.ID, env)

	if job.Attempts >= q.opts.MaxAttempts {
		pipe.LPush(ctx, q.key("dead"), job.ID)
		if job.DedupKey != "" {
			pipe.Del(ctx, q.dedupKey(job.DedupKey))
		}
	} else {
		backoff := q.backoff(job.Attempts)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(time.Now().Add(backoff).UnixMilli()),
			Member: job.ID,
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// backoff returns base * 2^(attempts-1), capped.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.BackoffCap {
			return q.opts.BackoffCap
		}
	}
	if d > q.opts.BackoffCap {
		d = q.opts.BackoffCap
	}
	return d
}

// Reclaim retries jobs whose visibility deadline has passed (worker
// crashed or lost its connection mid-job). Each reclaim counts as a
// failed attempt so a poison job still drains to the dead letter list.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("processing"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", time.Now().UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reclaim scan: %w", err)
	}

	n := 0
	for _, id := range ids {
		body, err := q.rdb.HGet(ctx, q.key("jobs"), id).Result()
		if err != nil {
			// Envelope gone (acked concurrently); just drop the marker.
			q.rdb.ZRem(ctx, q.key("processing"), id)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			q.rdb.ZRem(ctx, q.key("processing"), id)
			continue
		}
		if err := q.Fail(ctx, &job, "visibility timeout"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Depths returns the pending/delayed/processing/dead sizes for monitoring.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.key("pending"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	processing := pipe.ZCard(ctx, q.key("processing"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return map[string]int64{
		"pending":    pending.Val(),
		"delayed":    delayed.Val(),
		"processing": processing.Val(),
		"dead":       dead.Val(),
	}, nil
}
