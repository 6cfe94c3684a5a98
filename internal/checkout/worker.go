package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/shop-payments/internal/gateway"
	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/queue"
)

// Finalizer applies gateway-reported status and gives up on orders whose job failed.
type Finalizer interface {
	Finalize(ctx context.Context, orderID string, st payment.Status, raw json.RawMessage) error
	Abandon(ctx context.Context, orderID, reason string) error
}

type Invalidator interface {
	InvalidateProducts(ctx context.Context, productIDs []string) int
}

// Worker runs the payment protocol for payment jobs.
type Worker struct {
	Products  payment.ProductStore
	Directory payment.Directory
	Payments  payment.PaymentStore
	Shipments payment.ShipmentStore
	Ledger    ledger.Ledger
	Gateways  gateway.Registry
	Fees      map[payment.Gateway]payment.Fee
	Cache     Invalidator
	Finalizer Finalizer

	// CallbackBaseURL is joined with /webhooks/<gateway> for provider callbacks.
	CallbackBaseURL string
	Currency        string
	Log             *slog.Logger
	Now             func() time.Time
}

var _ queue.FailureHandler = (*Worker)(nil)

func (w *Worker) log() *slog.Logger {
	if w.Log == nil {
		return slog.Default()
	}
	return w.Log
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now()
}

func (w *Worker) Process(ctx context.Context, qj *queue.Job) (any, error) {
	job, err := DecodeJob(qj.Name, qj.Payload)
	if err != nil {
		return nil, err
	}
	var method string
	switch j := job.(type) {
	case CardPaymentJob:
		method = j.PaymentMethod
	case CryptoPaymentJob:
		method = "crypto:" + j.Currency
	default:
		return nil, fmt.Errorf("%w: %T", queue.ErrUnknownJobType, job)
	}
	return w.process(ctx, qj, job.gateway(), job.order(), method)
}

func (w *Worker) process(ctx context.Context, qj *queue.Job, gw payment.Gateway, o Order, method string) (*Result, error) {
	log := w.log().With("order_id", o.OrderID, "gateway", gw, "job_id", qj.ID)

	client, err := w.Gateways.Get(gw)
	if err != nil {
		return nil, queue.Permanent(err)
	}

	existing, err := w.Payments.GetPayment(ctx, o.OrderID)
	if err != nil && !errors.Is(err, payment.ErrPaymentNotFound) {
		return nil, err
	}
	if existing != nil && (existing.Status.Terminal() || existing.TransactionID != "") {
		log.InfoContext(ctx, "payment already charged, skipping", "status", existing.Status)
		return resultFor(existing, nil), nil
	}

	user, err := w.Directory.GetUser(ctx, o.UserID)
	if err != nil {
		return nil, permanentIfMissing(err)
	}
	addr, err := w.Directory.GetAddress(ctx, o.UserID, o.AddressID)
	if err != nil {
		return nil, permanentIfMissing(err)
	}
	_ = qj.SetProgress(ctx, 10)

	p := existing
	if p == nil {
		p, err = w.reserveAndPersist(ctx, o, gw, method)
		if err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "stock reserved, payment pending", "total_cents", p.TotalCents)
	} else {
		log.InfoContext(ctx, "resuming pending payment")
	}
	_ = qj.SetProgress(ctx, 50)

	if err := w.Shipments.CreateShipment(ctx, payment.Shipment{
		OrderID: o.OrderID, Courier: o.Courier, Service: o.Service,
		CostCents: p.ShippingCents, AddressID: o.AddressID,
	}); err != nil {
		return nil, fmt.Errorf("create shipment quote: %w", err)
	}
	_ = qj.SetProgress(ctx, 60)

	res, err := client.Charge(ctx, gateway.ChargeRequest{
		OrderID:     o.OrderID,
		TotalCents:  p.TotalCents,
		Currency:    w.Currency,
		Lines:       chargeLines(p),
		Customer:    user,
		Address:     addr,
		CallbackURL: w.CallbackBaseURL + "/webhooks/" + string(gw),
	})
	if err != nil {
		// payment stays PENDING without a transaction id; the queue retries
		return nil, fmt.Errorf("%s charge: %w", gw, err)
	}
	_ = qj.SetProgress(ctx, 80)

	if err := w.Payments.SaveGatewayResult(ctx, o.OrderID, payment.GatewayResult{
		TransactionID: res.TransactionID, RedirectURL: res.RedirectURL, Raw: res.Raw,
	}); err != nil {
		return nil, fmt.Errorf("save gateway result: %w", err)
	}
	p.TransactionID = res.TransactionID
	p.RedirectURL = res.RedirectURL

	if res.Status.Terminal() && w.Finalizer != nil {
		if err := w.Finalizer.Finalize(ctx, o.OrderID, res.Status, res.Raw); err != nil {
			log.WarnContext(ctx, "finalize after charge failed; left for reconciliation", "status", res.Status, "error", err)
		} else {
			p.Status = res.Status
		}
	}
	log.InfoContext(ctx, "gateway charge created", "transaction_id", res.TransactionID, "native_status", res.NativeStatus)
	return resultFor(p, res.Raw), nil
}

// reserveAndPersist holds the stock and creates the PENDING payment. The
// reservation comes first so a payment row never exists without one.
func (w *Worker) reserveAndPersist(ctx context.Context, o Order, gw payment.Gateway, method string) (*payment.Payment, error) {
	items, err := payment.NormalizeItems(o.Items)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	products, err := w.Products.GetProducts(ctx, payment.ProductIDs(items))
	if err != nil {
		return nil, err
	}
	p := &payment.Payment{
		OrderID:       o.OrderID,
		UserID:        o.UserID,
		Status:        payment.StatusPending,
		PaymentMethod: method,
		Gateway:       gw,
		ShippingCents: o.ShippingCents,
		CreatedAt:     w.now(),
	}
	for _, it := range items {
		pr, ok := products[it.ProductID]
		if !ok {
			return nil, queue.Permanent(fmt.Errorf("%w: %s", payment.ErrProductNotFound, it.ProductID))
		}
		line := payment.LineItem{ProductID: pr.ID, Name: pr.Name, Qty: it.Qty, PriceCents: pr.PriceCents}
		p.Items = append(p.Items, line)
		p.AmountCents += line.SubtotalCents()
	}
	p.AdminFeeCents = w.Fees[gw].Compute(p.AmountCents)
	p.TotalCents = p.AmountCents + p.AdminFeeCents + p.ShippingCents

	if err := w.Ledger.Reserve(ctx, o.OrderID, items); err != nil {
		if ledger.IsInsufficientStock(err) || errors.Is(err, ledger.ErrReservationClosed) ||
			errors.Is(err, payment.ErrProductNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, fmt.Errorf("reserve stock: %w", err)
	}
	if w.Cache != nil {
		w.Cache.InvalidateProducts(ctx, payment.ProductIDs(items))
	}

	if err := w.Payments.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, payment.ErrAlreadyExists) {
			// another delivery of this job got here first
			return w.Payments.GetPayment(ctx, o.OrderID)
		}
		// the reservation stays held for the retry; a terminal failure releases it
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return p, nil
}

// OnFailed releases what a job that ran out of attempts was holding.
func (w *Worker) OnFailed(ctx context.Context, qj *queue.Job, cause error) {
	var o struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(qj.Payload, &o); err != nil || o.OrderID == "" || w.Finalizer == nil {
		w.log().Error("cannot abandon failed job", "job_id", qj.ID, "job", qj.Name, "error", cause)
		return
	}
	if err := w.Finalizer.Abandon(ctx, o.OrderID, cause.Error()); err != nil {
		w.log().Error("abandon order failed", "order_id", o.OrderID, "job_id", qj.ID, "error", err)
	}
}

func permanentIfMissing(err error) error {
	if errors.Is(err, payment.ErrUserNotFound) || errors.Is(err, payment.ErrAddressNotFound) ||
		errors.Is(err, payment.ErrProductNotFound) {
		return queue.Permanent(err)
	}
	return err
}

// chargeLines is the item breakdown sent to the gateway; it sums to the total.
func chargeLines(p *payment.Payment) []payment.LineItem {
	lines := append([]payment.LineItem(nil), p.Items...)
	if p.AdminFeeCents > 0 {
		lines = append(lines, payment.LineItem{ProductID: "admin-fee", Name: "Admin fee", Qty: 1, PriceCents: p.AdminFeeCents})
	}
	if p.ShippingCents > 0 {
		lines = append(lines, payment.LineItem{ProductID: "shipping", Name: "Shipping", Qty: 1, PriceCents: p.ShippingCents})
	}
	return lines
}

func resultFor(p *payment.Payment, raw json.RawMessage) *Result {
	if raw == nil {
		raw = p.ProviderResponse
	}
	return &Result{
		OrderID:       p.OrderID,
		Gateway:       p.Gateway,
		Status:        p.Status,
		TotalCents:    p.TotalCents,
		TransactionID: p.TransactionID,
		RedirectURL:   p.RedirectURL,
		Response:      raw,
	}
}
