package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis, *clock) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	if cfg.Name == "" {
		cfg.Name = "payments"
	}
	q := New(rdb, cfg)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.now = c.now
	return q, m, c
}

func TestSubmitAndStatus(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})

	id, err := q.Submit(ctx, "create-card-payment", map[string]string{"order_id": "ORD-1"}, Options{
		Priority: 1, Attempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
	})
	require.NoError(t, err)

	j, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, j.State)
	assert.Equal(t, "create-card-payment", j.Name)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.Equal(t, 0, j.AttemptsMade)
	assert.Equal(t, BackoffExponential, j.Backoff.Type)
	assert.Equal(t, 2*time.Second, j.Backoff.Delay)
	assert.JSONEq(t, `{"order_id":"ORD-1"}`, string(j.Payload))

	_, err = q.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSubmit_BrokerDown(t *testing.T) {
	q, m, _ := newTestQueue(t, Config{})
	m.Close()

	_, err := q.Submit(context.Background(), "send-otp", map[string]string{}, Options{})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestDequeue_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q, _, c := newTestQueue(t, Config{})

	low, _ := q.Submit(ctx, "j", nil, Options{Priority: 0})
	c.advance(time.Millisecond)
	first, _ := q.Submit(ctx, "j", nil, Options{Priority: 5})
	c.advance(time.Millisecond)
	second, _ := q.Submit(ctx, "j", nil, Options{Priority: 5})

	var order []string
	for i := 0; i < 3; i++ {
		j, _, err := q.dequeue(ctx, time.Minute, RateLimit{})
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, StateActive, j.State)
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{first, second, low}, order)

	j, _, err := q.dequeue(ctx, time.Minute, RateLimit{})
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestDelayedJob_RunsWhenDue(t *testing.T) {
	ctx := context.Background()
	q, _, c := newTestQueue(t, Config{})

	_, err := q.Submit(ctx, "j", nil, Options{Delay: time.Minute})
	require.NoError(t, err)

	j, _, err := q.dequeue(ctx, time.Minute, RateLimit{})
	require.NoError(t, err)
	assert.Nil(t, j)

	c.advance(time.Minute)
	j, _, err = q.dequeue(ctx, time.Minute, RateLimit{})
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestFail_RetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	q, _, c := newTestQueue(t, Config{})
	id, err := q.Submit(ctx, "j", nil, Options{Attempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: 2 * time.Second}})
	require.NoError(t, err)

	boom := errors.New("gateway timeout")
	for attempt := 1; attempt <= 3; attempt++ {
		j, _, err := q.dequeue(ctx, time.Minute, RateLimit{})
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", attempt)

		final, err := q.fail(ctx, j, boom)
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, final)

		if attempt < 3 {
			// not runnable before the backoff elapses
			c.advance(j.Backoff.After(attempt) - time.Millisecond)
			none, _, err := q.dequeue(ctx, time.Minute, RateLimit{})
			require.NoError(t, err)
			assert.Nil(t, none)
			c.advance(time.Millisecond)
		}
	}

	j, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, 3, j.AttemptsMade)
	assert.Equal(t, "gateway timeout", j.FailureReason)

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
}

func TestFail_PermanentSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})
	_, err := q.Submit(ctx, "j", nil, Options{Attempts: 3})
	require.NoError(t, err)

	for _, cause := range []error{Permanent(errors.New("user not found")), ErrUnknownJobType} {
		if cause == ErrUnknownJobType {
			_, err := q.Submit(ctx, "nope", nil, Options{Attempts: 3})
			require.NoError(t, err)
		}
		j, _, err := q.dequeue(ctx, time.Minute, RateLimit{})
		require.NoError(t, err)
		final, err := q.fail(ctx, j, cause)
		require.NoError(t, err)
		assert.True(t, final)
	}
}

func TestBackoff(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, exp.After(1))
	assert.Equal(t, 4*time.Second, exp.After(2))
	assert.Equal(t, 8*time.Second, exp.After(3))

	fixed := Backoff{Type: BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.After(3))
	assert.Zero(t, Backoff{}.After(2))
}

func TestRetention_EvictsOldestFailed(t *testing.T) {
	ctx := context.Background()
	q, _, c := newTestQueue(t, Config{RetainFailed: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Submit(ctx, "j", nil, Options{})
		require.NoError(t, err)
		ids = append(ids, id)
		c.advance(time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		j, _, err := q.dequeue(ctx, time.Minute, RateLimit{})
		require.NoError(t, err)
		_, err = q.fail(ctx, j, errors.New("x"))
		require.NoError(t, err)
	}

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, ids[2], failed[0].ID)
	assert.Equal(t, ids[1], failed[1].ID)

	_, err = q.Status(ctx, ids[0])
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestComplete_StoresResult(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})
	id, _ := q.Submit(ctx, "j", nil, Options{})

	j, _, err := q.dequeue(ctx, time.Minute, RateLimit{})
	require.NoError(t, err)
	ok, err := q.complete(ctx, j, map[string]string{"order_id": "ORD-9"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.complete(ctx, j, nil)
	require.NoError(t, err)
	assert.False(t, ok, "second completion must not count")

	got, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"order_id":"ORD-9"}`, string(got.Result))
}

func TestSetProgress_Clamps(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})
	id, _ := q.Submit(ctx, "j", nil, Options{})

	require.NoError(t, q.SetProgress(ctx, id, 140))
	j, _ := q.Status(ctx, id)
	assert.Equal(t, 100, j.Progress)

	require.NoError(t, j.SetProgress(ctx, -3))
	j, _ = q.Status(ctx, id)
	assert.Equal(t, 0, j.Progress)

	require.NoError(t, q.SetProgress(ctx, "gone", 50))
	_, err := q.Status(ctx, "gone")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRateLimit_FixedWindow(t *testing.T) {
	ctx := context.Background()
	q, m, _ := newTestQueue(t, Config{Name: "otp"})
	for i := 0; i < 3; i++ {
		_, err := q.Submit(ctx, "send-otp", nil, Options{})
		require.NoError(t, err)
	}
	limit := RateLimit{Max: 2, Per: time.Minute}

	for i := 0; i < 2; i++ {
		j, _, err := q.dequeue(ctx, time.Minute, limit)
		require.NoError(t, err)
		require.NotNil(t, j)
	}
	j, wait, err := q.dequeue(ctx, time.Minute, limit)
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.Greater(t, wait, time.Duration(0))

	m.FastForward(time.Minute)
	j, _, err = q.dequeue(ctx, time.Minute, limit)
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestRecoverStalled_CountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	q, _, c := newTestQueue(t, Config{})
	id, _ := q.Submit(ctx, "j", nil, Options{Attempts: 2})

	_, _, err := q.dequeue(ctx, time.Second, RateLimit{})
	require.NoError(t, err)

	w := &Worker{Queue: q, Handler: HandlerFunc(func(context.Context, *Job) (any, error) { return nil, nil })}
	require.NoError(t, w.RecoverStalled(ctx))
	j, _ := q.Status(ctx, id)
	assert.Equal(t, StateActive, j.State, "lease still valid")

	c.advance(2 * time.Second)
	require.NoError(t, w.RecoverStalled(ctx))
	j, _ = q.Status(ctx, id)
	assert.Equal(t, StateWaiting, j.State)
	assert.Equal(t, 1, j.AttemptsMade)
	assert.Contains(t, j.FailureReason, "stalled")
}

type recordingHandler struct {
	fn       HandlerFunc
	mu       sync.Mutex
	failures []string
}

func (h *recordingHandler) Process(ctx context.Context, j *Job) (any, error) { return h.fn(ctx, j) }

func (h *recordingHandler) OnFailed(_ context.Context, j *Job, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, j.ID)
}

func TestWorker_BoundedPoolAndFailureHook(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := New(rdb, Config{Name: "payments"})

	var inFlight, peak atomic.Int32
	h := &recordingHandler{fn: func(ctx context.Context, j *Job) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		if j.Name == "bad" {
			return nil, Permanent(errors.New("bad input"))
		}
		if j.Name == "panics" {
			panic("boom")
		}
		return map[string]string{"ok": j.ID}, nil
	}}

	var good []string
	for i := 0; i < 6; i++ {
		id, err := q.Submit(ctx, "good", nil, Options{})
		require.NoError(t, err)
		good = append(good, id)
	}
	bad, _ := q.Submit(ctx, "bad", nil, Options{Attempts: 3})
	panicked, _ := q.Submit(ctx, "panics", nil, Options{})

	w := &Worker{Queue: q, Handler: h, Concurrency: 3, PollInterval: 10 * time.Millisecond}
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts[StateCompleted] == 6 && counts[StateFailed] == 2
	}, 5*time.Second, 20*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	for _, id := range good {
		j, err := q.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, j.State)
	}

	j, err := q.Status(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, 1, j.AttemptsMade)

	j, err = q.Status(ctx, panicked)
	require.NoError(t, err)
	assert.Contains(t, j.FailureReason, "panic")

	h.mu.Lock()
	assert.ElementsMatch(t, []string{bad, panicked}, h.failures)
	h.mu.Unlock()
}
