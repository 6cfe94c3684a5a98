// Package checkout accepts checkout requests, queues payment jobs and runs
// the payment protocol for them.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/queue"
	"github.com/ariefcatur/shop-payments/internal/redisx"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateRequest is returned while a request with the same idempotency key is being submitted.
	ErrDuplicateRequest = errors.New("duplicate request in progress")
)

// JobQueue is the part of the queue the checkout service uses.
type JobQueue interface {
	Submit(ctx context.Context, name string, payload any, opts queue.Options) (string, error)
	Status(ctx context.Context, id string) (*queue.Job, error)
}

// DefaultJobOptions is the retry policy of payment jobs.
var DefaultJobOptions = queue.Options{
	Priority: 1,
	Attempts: 3,
	Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
}

type Request struct {
	Gateway        payment.Gateway `json:"-"`
	UserID         string          `json:"-"`
	AddressID      string          `json:"address_id"`
	Items          []payment.Item  `json:"items"`
	Courier        string          `json:"courier"`
	Service        string          `json:"service"`
	ShippingCents  int64           `json:"shipping_cents"`
	PaymentMethod  string          `json:"payment_method"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

type Submission struct {
	JobID   string `json:"job_id"`
	OrderID string `json:"order_id"`
}

type Service struct {
	Queue  JobQueue
	Ledger ledger.Ledger
	// Redis backs idempotency keys and the order to job mapping. Optional.
	Redis *redis.Client
	Node  *snowflake.Node
	Log   *slog.Logger
	// JobOptions overrides DefaultJobOptions when Attempts is set.
	JobOptions queue.Options
}

func NewService(q JobQueue, l ledger.Ledger, rdb *redis.Client, nodeID int64, log *slog.Logger) (*Service, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{Queue: q, Ledger: l, Redis: rdb, Node: node, Log: log.With("component", "checkout")}, nil
}

func (r *Request) validate() error {
	var problems []string
	if !r.Gateway.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported gateway %q", r.Gateway))
	}
	if r.UserID == "" {
		problems = append(problems, "user is required")
	}
	if r.AddressID == "" {
		problems = append(problems, "address_id is required")
	}
	if r.Courier == "" {
		problems = append(problems, "courier is required")
	}
	if r.ShippingCents < 0 {
		problems = append(problems, "shipping_cents must not be negative")
	}
	items, err := payment.NormalizeItems(r.Items)
	if err != nil {
		problems = append(problems, strings.TrimPrefix(err.Error(), payment.ErrInvalidItems.Error()+": "))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	r.Items = items
	return nil
}

func (r Request) job(orderID string) Job {
	o := Order{
		OrderID:       orderID,
		UserID:        r.UserID,
		AddressID:     r.AddressID,
		Items:         r.Items,
		Courier:       r.Courier,
		Service:       r.Service,
		ShippingCents: r.ShippingCents,
	}
	if r.Gateway == payment.GatewayCrypto {
		cur := r.Currency
		if cur == "" {
			cur = "usd"
		}
		return CryptoPaymentJob{Order: o, Currency: cur}
	}
	method := r.PaymentMethod
	if method == "" {
		method = "credit_card"
	}
	return CardPaymentJob{Order: o, PaymentMethod: method}
}

// Submit validates the request, checks availability and queues the payment
// job. It never waits for the job to run.
func (s *Service) Submit(ctx context.Context, req Request) (*Submission, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	// claimed before the stock check: a replay gets the original submission
	idemKey := ""
	if req.IdempotencyKey != "" && s.Redis != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemCheckout, req.UserID, req.IdempotencyKey)
		prev, err := s.claim(ctx, idemKey)
		if err != nil || prev != nil {
			return prev, err
		}
	}

	avail, err := s.Ledger.Availability(ctx, payment.ProductIDs(req.Items))
	if err == nil {
		err = ledger.CheckAvailability(avail, req.Items)
	} else {
		err = fmt.Errorf("availability: %w", err)
	}
	if err != nil {
		if idemKey != "" {
			s.Redis.Del(context.WithoutCancel(ctx), idemKey)
		}
		return nil, err
	}

	orderID := "ORD-" + s.Node.Generate().String()
	job := req.job(orderID)
	opts := DefaultJobOptions
	if s.JobOptions.Attempts > 0 {
		opts = s.JobOptions
	}
	jobID, err := s.Queue.Submit(ctx, JobName(job), job, opts)
	if err != nil {
		if idemKey != "" {
			s.Redis.Del(context.WithoutCancel(ctx), idemKey)
		}
		return nil, err
	}
	sub := &Submission{JobID: jobID, OrderID: orderID}

	if s.Redis != nil {
		if err := s.Redis.Set(ctx, fmt.Sprintf(redisx.KeyOrderJob, orderID), jobID, redisx.TTLOrderJob).Err(); err != nil {
			s.Log.Warn("store order job mapping failed", "order_id", orderID, "job_id", jobID, "error", err)
		}
		if idemKey != "" {
			b, _ := json.Marshal(sub)
			if err := s.Redis.Set(ctx, idemKey, b, redisx.TTLIdempotency).Err(); err != nil {
				s.Log.Warn("store idempotency result failed", "key", idemKey, "error", err)
			}
		}
	}

	s.Log.InfoContext(ctx, "checkout queued", "order_id", orderID, "job_id", jobID,
		"gateway", req.Gateway, "items", len(req.Items))
	return sub, nil
}

const idemPending = "pending"

// claim reserves the idempotency key. It returns the earlier submission when
// the key was already used.
func (s *Service) claim(ctx context.Context, key string) (*Submission, error) {
	ok, err := s.Redis.SetNX(ctx, key, idemPending, redisx.TTLIdempotency).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrQueueUnavailable, err)
	}
	if ok {
		return nil, nil
	}
	v, err := s.Redis.Get(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrQueueUnavailable, err)
	}
	if v == idemPending {
		return nil, ErrDuplicateRequest
	}
	var prev Submission
	if err := json.Unmarshal([]byte(v), &prev); err != nil {
		return nil, fmt.Errorf("idempotency record %s: %w", key, err)
	}
	return &prev, nil
}

// JobForOrder returns the payment job queued for orderID.
func (s *Service) JobForOrder(ctx context.Context, orderID string) (*queue.Job, error) {
	if s.Redis == nil {
		return nil, queue.ErrJobNotFound
	}
	jobID, err := s.Redis.Get(ctx, fmt.Sprintf(redisx.KeyOrderJob, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrQueueUnavailable, err)
	}
	return s.Queue.Status(ctx, jobID)
}

func (s *Service) Job(ctx context.Context, jobID string) (*queue.Job, error) {
	return s.Queue.Status(ctx, jobID)
}
