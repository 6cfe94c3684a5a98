package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Handler processes one job. The returned value is stored as the job result.
type Handler interface {
	Process(ctx context.Context, job *Job) (any, error)
}

type HandlerFunc func(ctx context.Context, job *Job) (any, error)

func (f HandlerFunc) Process(ctx context.Context, job *Job) (any, error) { return f(ctx, job) }

// FailureHandler is implemented by handlers that want to know when a job has
// run out of attempts. OnFailed is called once per terminally failed job.
type FailureHandler interface {
	OnFailed(ctx context.Context, job *Job, err error)
}

// RateLimit caps jobs started per window across every worker of the queue.
type RateLimit struct {
	Max int
	Per time.Duration
}

type Worker struct {
	Queue       *Queue
	Handler     Handler
	Concurrency int
	Limit       RateLimit
	// Lease is how long a job may go without a heartbeat before it is treated as stalled.
	Lease        time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger

	init   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (w *Worker) defaults() {
	if w.Concurrency <= 0 {
		w.Concurrency = 1
	}
	if w.Lease <= 0 {
		w.Lease = 30 * time.Second
	}
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	w.Logger = w.Logger.With("queue", w.Queue.Name())
}

// Start launches the pool. Jobs already running when ctx is cancelled or Stop
// is called finish on a context that is not cancelled with it.
func (w *Worker) Start(ctx context.Context) {
	w.init.Do(w.defaults)
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.Concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.recoverLoop(ctx)
	}()
	w.Logger.Info("worker started", "concurrency", w.Concurrency, "rate_max", w.Limit.Max, "rate_per", w.Limit.Per)
}

// Stop stops dequeuing and waits for in-flight jobs.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		job, wait, err := w.Queue.dequeue(ctx, w.Lease, w.Limit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Logger.Error("dequeue failed", "worker", id, "error", err)
			sleep(ctx, w.PollInterval)
			continue
		}
		if job == nil {
			if wait <= 0 || wait > w.PollInterval {
				wait = w.PollInterval
			}
			sleep(ctx, wait)
			continue
		}
		w.run(context.WithoutCancel(ctx), job)
	}
}

func (w *Worker) run(ctx context.Context, job *Job) {
	log := w.Logger.With("job_id", job.ID, "job", job.Name, "attempt", job.AttemptsMade+1)

	ctx, span := otel.Tracer("queue").Start(ctx, "queue.process")
	span.SetAttributes(
		attribute.String("queue.name", w.Queue.Name()),
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
	)
	defer span.End()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job.ID)

	result, err := w.invoke(ctx, job)
	stopHeartbeat()

	if err == nil {
		ok, cerr := w.Queue.complete(ctx, job, result)
		if cerr != nil {
			log.Error("complete failed", "error", cerr)
			return
		}
		if !ok {
			log.Warn("job lost its lease before completing")
			return
		}
		log.Info("job completed")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	w.failed(ctx, log, job, err)
}

func (w *Worker) failed(ctx context.Context, log *slog.Logger, job *Job, cause error) {
	final, err := w.Queue.fail(ctx, job, cause)
	if err != nil {
		log.Error("recording failure failed", "error", err, "cause", cause)
		return
	}
	if !final {
		log.Warn("job failed, will retry", "error", cause)
		return
	}
	log.Error("job failed", "error", cause, "permanent", IsPermanent(cause))
	if fh, ok := w.Handler.(FailureHandler); ok {
		job.AttemptsMade++
		job.State = StateFailed
		job.FailureReason = cause.Error()
		fh.OnFailed(ctx, job, cause)
	}
}

func (w *Worker) invoke(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.Logger.Error("handler panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.Handler.Process(ctx, job)
}

func (w *Worker) heartbeat(ctx context.Context, id string) {
	t := time.NewTicker(w.Lease / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.Queue.extend(ctx, id, w.Lease); err != nil && !errors.Is(err, context.Canceled) {
				w.Logger.Warn("lease extend failed", "job_id", id, "error", err)
			}
		}
	}
}

func (w *Worker) recoverLoop(ctx context.Context) {
	t := time.NewTicker(w.Lease)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.RecoverStalled(ctx); err != nil && ctx.Err() == nil {
				w.Logger.Error("stalled recovery failed", "error", err)
			}
		}
	}
}

var errStalled = errors.New("job stalled: lease expired")

// RecoverStalled fails every active job whose lease has expired. A stall
// counts as an attempt, so a job that keeps crashing its worker ends up failed.
func (w *Worker) RecoverStalled(ctx context.Context) error {
	w.init.Do(w.defaults)
	ids, err := w.Queue.stalled(ctx, w.Queue.now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := w.Queue.Status(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			w.Queue.rdb.ZRem(ctx, w.Queue.keys.active, id)
			continue
		}
		if err != nil {
			return err
		}
		w.failed(ctx, w.Logger.With("job_id", id, "job", job.Name), job, errStalled)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
