package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/shop-payments/internal/gateway"
	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/memstore"
	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/queue"
	"github.com/ariefcatur/shop-payments/internal/reconcile"
)

// fakeCard is a card provider whose charge answer can be switched per test.
type fakeCard struct {
	srv     *httptest.Server
	charges atomic.Int32
	mu      sync.Mutex
	status  int
	native  string
}

func newFakeCard(t *testing.T) *fakeCard {
	f := &fakeCard{status: http.StatusCreated, native: "pending"}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status, native := f.status, f.native
		f.mu.Unlock()
		if r.URL.Path != "/v2/charge" {
			http.NotFound(w, r)
			return
		}
		f.charges.Add(1)
		var body struct {
			TransactionDetails struct {
				OrderID string `json:"order_id"`
			} `json:"transaction_details"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if status >= 300 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"status_message":"unavailable"}`)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"status_code":"201","transaction_id":"tx-`+body.TransactionDetails.OrderID+`",
			"order_id":"`+body.TransactionDetails.OrderID+`","transaction_status":"`+native+`",
			"redirect_url":"https://pay.example/r"}`)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCard) set(status int, native string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.native = status, native
}

type env struct {
	store  *memstore.Store
	q      *queue.Queue
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	svc    *Service
	worker *Worker
	card   *fakeCard
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := memstore.New()
	s.PutProduct(payment.Product{ID: "A", Name: "Lamp", PriceCents: 5000, Stock: 5})
	s.PutProduct(payment.Product{ID: "B", Name: "Bulb", PriceCents: 700, Stock: 10})
	s.PutUser(payment.User{ID: "u1", Name: "Sam", Email: "sam@example.com"})
	s.PutAddress(payment.Address{ID: "a1", UserID: "u1", Recipient: "Sam", Line1: "Main 1", City: "Bandung", Country: "ID"})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.New(rdb, queue.Config{Name: QueuePayments})

	svc, err := NewService(q, s, rdb, 1, nil)
	require.NoError(t, err)

	card := newFakeCard(t)
	fee, err := payment.ParseFee(100, "0.01")
	require.NoError(t, err)
	gws := gateway.NewRegistry(gateway.NewCard(card.srv.URL, "server-key", card.srv.Client()))
	rec := &reconcile.Reconciler{Payments: s, Shipments: s, Ledger: s, Gateways: gws}

	w := &Worker{
		Products: s, Directory: s, Payments: s, Shipments: s, Ledger: s,
		Gateways:        gws,
		Fees:            map[payment.Gateway]payment.Fee{payment.GatewayCard: fee},
		Finalizer:       rec,
		CallbackBaseURL: "https://shop.example",
		Currency:        "IDR",
	}
	return &env{store: s, q: q, mr: mr, rdb: rdb, svc: svc, worker: w, card: card}
}

func cardRequest(items ...payment.Item) Request {
	return Request{
		Gateway: payment.GatewayCard, UserID: "u1", AddressID: "a1",
		Items: items, Courier: "jne", Service: "REG", ShippingCents: 1000,
	}
}

func (e *env) reserved(t *testing.T, id string) int {
	p, ok := e.store.Product(id)
	require.True(t, ok)
	return p.ReservedStock
}

// job reads a queued job back so tests can hand it to Process directly.
func (e *env) job(t *testing.T, id string) *queue.Job {
	j, err := e.q.Status(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t)
	cases := map[string]Request{
		"gateway":  {Gateway: "paypal", UserID: "u1", AddressID: "a1", Courier: "jne", Items: []payment.Item{{ProductID: "A", Qty: 1}}},
		"user":     {Gateway: payment.GatewayCard, AddressID: "a1", Courier: "jne", Items: []payment.Item{{ProductID: "A", Qty: 1}}},
		"items":    {Gateway: payment.GatewayCard, UserID: "u1", AddressID: "a1", Courier: "jne"},
		"qty":      {Gateway: payment.GatewayCard, UserID: "u1", AddressID: "a1", Courier: "jne", Items: []payment.Item{{ProductID: "A", Qty: 0}}},
		"shipping": {Gateway: payment.GatewayCard, UserID: "u1", AddressID: "a1", Courier: "jne", ShippingCents: -1, Items: []payment.Item{{ProductID: "A", Qty: 1}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.svc.Submit(context.Background(), req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestSubmit_InsufficientStockCreatesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 6}))
	var ise *ledger.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 5, ise.Shortages[0].Available)

	counts, err := e.q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.StateWaiting])
	assert.Zero(t, e.reserved(t, "A"))

	_, err = e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "ghost", Qty: 1}))
	assert.ErrorIs(t, err, payment.ErrProductNotFound)
}

func TestSubmit_QueuesPaymentJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	sub, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 1}, payment.Item{ProductID: "A", Qty: 1}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.OrderID, "ORD-"))

	j := e.job(t, sub.JobID)
	assert.Equal(t, JobCardPayment, j.Name)
	assert.Equal(t, queue.StateWaiting, j.State)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.Equal(t, 1, j.Priority)
	assert.Equal(t, queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second}, j.Backoff)

	decoded, err := DecodeJob(j.Name, j.Payload)
	require.NoError(t, err)
	card, ok := decoded.(CardPaymentJob)
	require.True(t, ok)
	assert.Equal(t, []payment.Item{{ProductID: "A", Qty: 2}}, card.Items)
	assert.Equal(t, "credit_card", card.PaymentMethod)

	byOrder, err := e.svc.JobForOrder(ctx, sub.OrderID)
	require.NoError(t, err)
	assert.Equal(t, sub.JobID, byOrder.ID)

	assert.Zero(t, e.reserved(t, "A"), "nothing is reserved before the worker runs")
}

func TestSubmit_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := cardRequest(payment.Item{ProductID: "A", Qty: 1})
	req.IdempotencyKey = "key-1"

	first, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)
	second, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	counts, _ := e.q.Counts(ctx)
	assert.Equal(t, int64(1), counts[queue.StateWaiting])

	require.NoError(t, e.mr.Set("idem:checkout:u1:key-2", idemPending))
	req.IdempotencyKey = "key-2"
	_, err = e.svc.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestSubmit_IdempotencyKeyIsPerUser(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := cardRequest(payment.Item{ProductID: "A", Qty: 1})
	req.IdempotencyKey = "shared"

	mine, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)

	req.UserID = "u2"
	theirs, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, mine.OrderID, theirs.OrderID)
	assert.NotEqual(t, mine.JobID, theirs.JobID)
}

func TestSubmit_ReplayAfterStockRunsOut(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := cardRequest(payment.Item{ProductID: "A", Qty: 2})
	req.IdempotencyKey = "key-1"

	first, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)

	require.NoError(t, e.store.Reserve(ctx, "ORD-other", []payment.Item{{ProductID: "A", Qty: 5}}))

	replay, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, replay)

	req.IdempotencyKey = "key-2"
	_, err = e.svc.Submit(ctx, req)
	var short *ledger.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.False(t, e.mr.Exists("idem:checkout:u1:key-2"), "rejected submission releases its key")
}

func TestSubmit_QueueUnavailable(t *testing.T) {
	e := newEnv(t)
	e.mr.Close()
	_, err := e.svc.Submit(context.Background(), cardRequest(payment.Item{ProductID: "A", Qty: 1}))
	assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
}

func TestDecodeJob_Unknown(t *testing.T) {
	_, err := DecodeJob("create-paypal-payment", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, queue.ErrUnknownJobType)

	_, err = DecodeJob(JobCardPayment, json.RawMessage(`{"order_id":`))
	assert.True(t, queue.IsPermanent(err))
}

func TestProcess_ReservesPersistsAndCharges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sub, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 2}, payment.Item{ProductID: "B", Qty: 3}))
	require.NoError(t, err)

	out, err := e.worker.Process(ctx, e.job(t, sub.JobID))
	require.NoError(t, err)
	res := out.(*Result)
	assert.Equal(t, sub.OrderID, res.OrderID)
	assert.Equal(t, "tx-"+sub.OrderID, res.TransactionID)
	assert.Equal(t, payment.StatusPending, res.Status)
	assert.NotEmpty(t, res.Response)

	p, err := e.store.GetPayment(ctx, sub.OrderID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, int64(12100), p.AmountCents)
	assert.Equal(t, int64(100+121), p.AdminFeeCents)
	assert.Equal(t, int64(12100+221+1000), p.TotalCents)
	assert.Equal(t, "tx-"+sub.OrderID, p.TransactionID)

	assert.Equal(t, 2, e.reserved(t, "A"))
	assert.Equal(t, 3, e.reserved(t, "B"))
	quote, err := e.store.GetShipment(ctx, sub.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "jne", quote.Courier)

	j := e.job(t, sub.JobID)
	assert.Equal(t, 80, j.Progress)
}

func TestProcess_ImmediateSettlementFinalizes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.card.set(http.StatusOK, "settlement")
	sub, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 1}))
	require.NoError(t, err)

	out, err := e.worker.Process(ctx, e.job(t, sub.JobID))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, out.(*Result).Status)

	p, _ := e.store.Product("A")
	assert.Equal(t, 4, p.Stock)
	assert.Equal(t, 0, p.ReservedStock)
}

func TestProcess_RetryResumesWithoutDoubleReserve(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sub, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 2}))
	require.NoError(t, err)

	e.card.set(http.StatusBadGateway, "")
	_, err = e.worker.Process(ctx, e.job(t, sub.JobID))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "gateway errors are retried")

	p, err := e.store.GetPayment(ctx, sub.OrderID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Empty(t, p.TransactionID)
	assert.Equal(t, 2, e.reserved(t, "A"))

	e.card.set(http.StatusCreated, "pending")
	_, err = e.worker.Process(ctx, e.job(t, sub.JobID))
	require.NoError(t, err)
	assert.Equal(t, 2, e.reserved(t, "A"))
	assert.Equal(t, int32(2), e.card.charges.Load())

	// a redelivery after success does not charge again
	_, err = e.worker.Process(ctx, e.job(t, sub.JobID))
	require.NoError(t, err)
	assert.Equal(t, int32(2), e.card.charges.Load())
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingInvalidator) InvalidateProducts(_ context.Context, ids []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	return len(ids)
}

type failingPayments struct {
	payment.PaymentStore
	err error
}

func (f failingPayments) CreatePayment(context.Context, *payment.Payment) error { return f.err }

func TestProcess_ReserveInvalidatesEvenWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	inv := &recordingInvalidator{}
	e.worker.Cache = inv
	e.worker.Payments = failingPayments{PaymentStore: e.store, err: errors.New("db down")}

	sub, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 2}, payment.Item{ProductID: "B", Qty: 1}))
	require.NoError(t, err)

	_, err = e.worker.Process(ctx, e.job(t, sub.JobID))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, 2, e.reserved(t, "A"), "reservation is held for the retry")
	assert.Equal(t, [][]string{{"A", "B"}}, inv.calls)
	assert.Zero(t, e.card.charges.Load())
}

func TestProcess_MissingEntitiesArePermanent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sub, err := e.svc.Submit(ctx, Request{
		Gateway: payment.GatewayCard, UserID: "nobody", AddressID: "a1", Courier: "jne",
		Items: []payment.Item{{ProductID: "A", Qty: 1}},
	})
	require.NoError(t, err)

	_, err = e.worker.Process(ctx, e.job(t, sub.JobID))
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, payment.ErrUserNotFound)
	assert.Zero(t, e.reserved(t, "A"))
	assert.Zero(t, e.card.charges.Load())
}

func TestProcess_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// both pass the advisory submit check: 5 available, 3 requested each
	a, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 3}))
	require.NoError(t, err)
	b, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 3}))
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{a.JobID, b.JobID} {
		wg.Add(1)
		go func(i int, j *queue.Job) {
			defer wg.Done()
			_, errs[i] = e.worker.Process(ctx, j)
		}(i, e.job(t, id))
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.True(t, ledger.IsInsufficientStock(err))
			assert.True(t, queue.IsPermanent(err))
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, e.reserved(t, "A"))

	// after one reservation, submission itself rejects a third checkout
	_, err = e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 3}))
	assert.True(t, ledger.IsInsufficientStock(err))
}

func TestPaymentJob_ExhaustedRetriesReleaseStock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.card.set(http.StatusServiceUnavailable, "")
	e.svc.JobOptions = queue.Options{Priority: 1, Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffExponential, Delay: time.Millisecond}}

	sub, err := e.svc.Submit(ctx, cardRequest(payment.Item{ProductID: "A", Qty: 2}))
	require.NoError(t, err)

	pool := &queue.Worker{Queue: e.q, Handler: e.worker, Concurrency: 3, PollInterval: 5 * time.Millisecond}
	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		j, err := e.q.Status(ctx, sub.JobID)
		return err == nil && j.State == queue.StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	j := e.job(t, sub.JobID)
	assert.Equal(t, 3, j.AttemptsMade)
	assert.Contains(t, j.FailureReason, "card charge")
	assert.Equal(t, int32(3), e.card.charges.Load())

	p, err := e.store.GetPayment(ctx, sub.OrderID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, p.Status)
	prod, _ := e.store.Product("A")
	assert.Equal(t, 5, prod.Stock)
	assert.Equal(t, 0, prod.ReservedStock)
}
