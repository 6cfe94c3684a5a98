package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/queue"
)

// JobLookup finds the payment job queued for an order.
type JobLookup interface {
	JobForOrder(ctx context.Context, orderID string) (*queue.Job, error)
}

// Sweeper resolves payments left PENDING longer than OrphanAfter: ones the
// gateway knows about are polled, ones it never saw are cancelled once their
// job is no longer going to run.
type Sweeper struct {
	Reconciler  *Reconciler
	Payments    payment.PaymentStore
	Jobs        JobLookup
	OrphanAfter time.Duration
	Interval    time.Duration
	BatchSize   int
	Log         *slog.Logger
}

type SweepReport struct {
	Scanned   int `json:"scanned"`
	Polled    int `json:"polled"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (s *Sweeper) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			rep, err := s.Sweep(ctx)
			if err != nil {
				s.log().ErrorContext(ctx, "orphan sweep failed", "error", err)
				continue
			}
			if rep.Scanned > 0 {
				s.log().InfoContext(ctx, "orphan sweep done", "scanned", rep.Scanned, "polled", rep.Polled,
					"cancelled", rep.Cancelled, "skipped", rep.Skipped, "errors", rep.Errors)
			}
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	limit := s.BatchSize
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.Reconciler.now().Add(-s.OrphanAfter)
	pending, err := s.Payments.ListPending(ctx, cutoff, limit)
	if err != nil {
		return rep, err
	}

	for _, p := range pending {
		rep.Scanned++
		log := s.log().With("order_id", p.OrderID)

		if p.TransactionID != "" {
			if _, err := s.Reconciler.Poll(ctx, p.OrderID); err != nil {
				rep.Errors++
				log.WarnContext(ctx, "sweep poll failed", "error", err)
				continue
			}
			rep.Polled++
			continue
		}

		if s.Jobs != nil {
			job, err := s.Jobs.JobForOrder(ctx, p.OrderID)
			switch {
			case err == nil && (job.State == queue.StateWaiting || job.State == queue.StateActive):
				rep.Skipped++
				continue
			case err != nil && !errors.Is(err, queue.ErrJobNotFound):
				rep.Errors++
				log.WarnContext(ctx, "sweep job lookup failed", "error", err)
				continue
			}
		}

		if _, err := s.Reconciler.Apply(ctx, p.OrderID, payment.StatusCancelled, SourceSweep, nil); err != nil {
			rep.Errors++
			log.WarnContext(ctx, "sweep cancel failed", "error", err)
			continue
		}
		rep.Cancelled++
	}
	return rep, nil
}
