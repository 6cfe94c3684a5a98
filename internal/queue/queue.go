// Package queue is a durable, Redis-backed job queue with priorities,
// delayed retries, bounded retention and bounded worker pools.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// After returns the delay before the given retry (attempt counts from 1).
func (b Backoff) After(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	return b.Delay * time.Duration(math.Pow(2, float64(attempt-1)))
}

type Options struct {
	// Priority orders waiting jobs; higher runs first, FIFO within a priority.
	Priority int
	Delay    time.Duration
	// Attempts is the total number of tries, including the first. Defaults to 1.
	Attempts int
	Backoff  Backoff
}

type Job struct {
	ID            string          `json:"job_id"`
	Queue         string          `json:"queue"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	MaxAttempts   int             `json:"max_attempts"`
	Backoff       Backoff         `json:"-"`
	AttemptsMade  int             `json:"attempts_made"`
	State         State           `json:"status"`
	Progress      int             `json:"progress"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   time.Time       `json:"processed_at"`
	FinishedAt    time.Time       `json:"finished_at"`

	q *Queue
}

// SetProgress records advisory progress (clamped to 0..100) for this job.
func (j *Job) SetProgress(ctx context.Context, pct int) error {
	if j.q == nil {
		return nil
	}
	j.Progress = clampProgress(pct)
	return j.q.SetProgress(ctx, j.ID, pct)
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

type Config struct {
	Name            string
	RetainCompleted int
	RetainFailed    int
}

// Queue is one named queue. It is safe for concurrent use.
type Queue struct {
	rdb             *redis.Client
	name            string
	keys            keys
	retainCompleted int
	retainFailed    int
	now             func() time.Time
}

func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.RetainCompleted <= 0 {
		cfg.RetainCompleted = 1000
	}
	if cfg.RetainFailed <= 0 {
		cfg.RetainFailed = 500
	}
	return &Queue{
		rdb:             rdb,
		name:            cfg.Name,
		keys:            keysFor(cfg.Name),
		retainCompleted: cfg.RetainCompleted,
		retainFailed:    cfg.RetainFailed,
		now:             time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

// score orders waiting jobs: priority dominates, then enqueue time (older first).
func score(priority int, enqueued time.Time) float64 {
	return float64(priority)*1e13 - float64(enqueued.UnixMilli())
}

// Submit enqueues a job and returns its id. Broker errors are wrapped in ErrQueueUnavailable.
func (q *Queue) Submit(ctx context.Context, name string, payload any, opts Options) (string, error) {
	var body []byte
	switch p := payload.(type) {
	case json.RawMessage:
		body = p
	case []byte:
		body = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode %s payload: %w", name, err)
		}
		body = b
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = BackoffFixed
	}

	id := uuid.NewString()
	now := q.now()
	sc := score(opts.Priority, now)

	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, jobKey(id), map[string]any{
			"id":               id,
			"queue":            q.name,
			"name":             name,
			"payload":          string(body),
			"priority":         opts.Priority,
			"score":            strconv.FormatFloat(sc, 'f', -1, 64),
			"max_attempts":     opts.Attempts,
			"backoff_type":     string(opts.Backoff.Type),
			"backoff_delay_ms": opts.Backoff.Delay.Milliseconds(),
			"attempts_made":    0,
			"state":            string(StateWaiting),
			"progress":         0,
			"created_at":       now.UnixMilli(),
		})
		if opts.Delay > 0 {
			p.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
		} else {
			p.ZAdd(ctx, q.keys.wait, redis.Z{Score: sc, Member: id})
		}
		return nil
	})
	if err != nil {
		return "", unavailable(err)
	}
	return id, nil
}

// Status returns the job or ErrJobNotFound once it is unknown or evicted.
func (q *Queue) Status(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return q.parse(fields), nil
}

func (q *Queue) SetProgress(ctx context.Context, id string, pct int) error {
	return progressScript.Run(ctx, q.rdb, []string{jobKey(id)}, clampProgress(pct)).Err()
}

// Failed lists the most recent terminally failed jobs, newest first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]*Job, error) {
	return q.list(ctx, q.keys.failed, limit)
}

// Completed lists the most recent completed jobs, newest first.
func (q *Queue) Completed(ctx context.Context, limit int) ([]*Job, error) {
	return q.list(ctx, q.keys.completed, limit)
}

func (q *Queue) list(ctx context.Context, key string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.Status(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Counts reports the size of each state for the queue.
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	cmds, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZCard(ctx, q.keys.wait)
		p.ZCard(ctx, q.keys.delayed)
		p.ZCard(ctx, q.keys.active)
		p.LLen(ctx, q.keys.completed)
		p.LLen(ctx, q.keys.failed)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	n := func(i int) int64 { return cmds[i].(*redis.IntCmd).Val() }
	return map[State]int64{
		StateWaiting:   n(0) + n(1),
		StateActive:    n(2),
		StateCompleted: n(3),
		StateFailed:    n(4),
	}, nil
}

// dequeue claims the next job. It returns (nil, wait, nil) when nothing can run;
// wait is non-zero when the rate limit is exhausted.
func (q *Queue) dequeue(ctx context.Context, lease time.Duration, limit RateLimit) (*Job, time.Duration, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.keys.wait, q.keys.delayed, q.keys.active, q.keys.limiter},
		now.UnixMilli(), now.Add(lease).UnixMilli(), limit.Max, limit.Per.Milliseconds(), keyJobPrefix,
	).Slice()
	if err != nil {
		return nil, 0, err
	}
	id, _ := res[0].(string)
	if id == "" {
		ttl, _ := res[1].(int64)
		return nil, time.Duration(ttl) * time.Millisecond, nil
	}
	j, err := q.Status(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.rdb.ZRem(ctx, q.keys.active, id)
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return j, 0, nil
}

func (q *Queue) extend(ctx context.Context, id string, lease time.Duration) error {
	return extendScript.Run(ctx, q.rdb, []string{q.keys.active}, id, q.now().Add(lease).UnixMilli()).Err()
}

func (q *Queue) complete(ctx context.Context, j *Job, result any) (bool, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode %s result: %w", j.Name, err)
	}
	n, err := completeScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.completed, jobKey(j.ID)},
		j.ID, string(body), q.now().UnixMilli(), q.retainCompleted, keyJobPrefix,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// fail records a failed attempt and reports whether the job is now terminally failed.
// Permanent errors skip the remaining attempts.
func (q *Queue) fail(ctx context.Context, j *Job, cause error) (bool, error) {
	retryAt := int64(-1)
	attempt := j.AttemptsMade + 1
	if !IsPermanent(cause) && attempt < j.MaxAttempts {
		retryAt = q.now().Add(j.Backoff.After(attempt)).UnixMilli()
	}
	n, err := failScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.delayed, q.keys.failed, jobKey(j.ID)},
		j.ID, cause.Error(), retryAt, q.now().UnixMilli(), q.retainFailed, keyJobPrefix,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// stalled returns active jobs whose lease expired before now.
func (q *Queue) stalled(ctx context.Context, now time.Time) ([]string, error) {
	return q.rdb.ZRangeByScore(ctx, q.keys.active, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: 100,
	}).Result()
}

func (q *Queue) parse(f map[string]string) *Job {
	j := &Job{
		ID:            f["id"],
		Queue:         f["queue"],
		Name:          f["name"],
		Payload:       json.RawMessage(f["payload"]),
		Priority:      atoi(f["priority"]),
		MaxAttempts:   atoi(f["max_attempts"]),
		AttemptsMade:  atoi(f["attempts_made"]),
		State:         State(f["state"]),
		Progress:      atoi(f["progress"]),
		FailureReason: f["failure_reason"],
		CreatedAt:     millis(f["created_at"]),
		ProcessedAt:   millis(f["processed_at"]),
		FinishedAt:    millis(f["finished_at"]),
		Backoff: Backoff{
			Type:  BackoffType(f["backoff_type"]),
			Delay: time.Duration(atoi(f["backoff_delay_ms"])) * time.Millisecond,
		},
		q: q,
	}
	if r := f["result"]; r != "" {
		j.Result = json.RawMessage(r)
	}
	return j
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func clampProgress(pct int) int {
	return min(max(pct, 0), 100)
}
