// Package reconcile applies gateway-reported payment status to local state.
//
// Every entry point (charge response, status poll, provider callback, the
// orphan sweep and abandoned jobs) ends in Apply, so they all share the same
// side effects. Side effects are keyed off the stored status and are each
// idempotent, so a repeated or racing call converges without doing anything twice.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/shop-payments/internal/audit"
	"github.com/ariefcatur/shop-payments/internal/gateway"
	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/payment"
)

type Source string

const (
	SourceCharge   Source = "charge"
	SourcePoll     Source = "poll"
	SourceCallback Source = "callback"
	SourceSweep    Source = "sweep"
	SourceAbandon  Source = "abandon"
)

var (
	ErrGatewayMismatch = errors.New("callback gateway does not match payment")
	ErrAmountMismatch  = errors.New("callback amount does not match payment")
)

type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

type Invalidator interface {
	InvalidateProducts(ctx context.Context, productIDs []string) int
}

// Outcome describes what a reconciliation call observed and changed.
type Outcome struct {
	OrderID        string         `json:"order_id"`
	Status         payment.Status `json:"status"`
	Applied        bool           `json:"applied"`
	UnitsMoved     int            `json:"units_moved"`
	ShippedCreated bool           `json:"shipped_created"`
}

type Reconciler struct {
	Payments  payment.PaymentStore
	Shipments payment.ShipmentStore
	Ledger    ledger.Ledger
	Gateways  gateway.Registry
	Cache     Invalidator
	Events    Publisher
	Audit     audit.Recorder

	ServiceName string
	Log         *slog.Logger
	Now         func() time.Time
}

func (r *Reconciler) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

func (r *Reconciler) audit() audit.Recorder {
	if r.Audit == nil {
		return audit.Nop{}
	}
	return r.Audit
}

// Apply moves a PENDING payment to st and makes sure the side effects of the
// stored terminal status have happened. PENDING (or any non-terminal value)
// changes nothing.
func (r *Reconciler) Apply(ctx context.Context, orderID string, st payment.Status, src Source, raw json.RawMessage) (*Outcome, error) {
	p, err := r.Payments.GetPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{OrderID: orderID, Status: p.Status}
	from := p.Status

	if p.Status == payment.StatusPending && st.Terminal() {
		applied, err := r.Payments.Transition(ctx, orderID, st, r.now(), raw)
		if err != nil {
			return nil, fmt.Errorf("transition %s to %s: %w", orderID, st, err)
		}
		if applied {
			out.Applied = true
			out.Status = st
		} else {
			// lost a race; settle on whatever the winner stored
			if p, err = r.Payments.GetPayment(ctx, orderID); err != nil {
				return nil, err
			}
			out.Status = p.Status
		}
	}
	if !out.Status.Terminal() {
		return out, nil
	}

	if err := r.settle(ctx, p, out); err != nil {
		return out, err
	}

	if out.Applied {
		r.log().InfoContext(ctx, "payment finalized", "order_id", orderID, "from", from, "to", out.Status,
			"source", src, "units", out.UnitsMoved)
		p.Status = out.Status
		r.publish(ctx, p, src)
		e := audit.NewEntry(ctx, orderID, p.Gateway, string(src), audit.EventTransition)
		e.FromStatus, e.ToStatus = from, out.Status
		r.record(ctx, e)
	}
	return out, nil
}

// settle runs the stock and fulfilment side effects of a terminal status.
func (r *Reconciler) settle(ctx context.Context, p *payment.Payment, out *Outcome) error {
	var err error
	if out.Status == payment.StatusSuccess {
		out.UnitsMoved, err = r.Ledger.Commit(ctx, p.OrderID)
		if err != nil {
			return fmt.Errorf("commit reservation %s: %w", p.OrderID, err)
		}
		courier := ""
		if q, err := r.Shipments.GetShipment(ctx, p.OrderID); err == nil {
			courier = q.Courier
		}
		out.ShippedCreated, err = r.Shipments.CreateShipped(ctx, payment.Shipped{
			OrderID: p.OrderID, Courier: courier, Status: payment.ShippedStatusAwaitingPickup,
		})
		if err != nil {
			return fmt.Errorf("create shipped record %s: %w", p.OrderID, err)
		}
	} else {
		out.UnitsMoved, err = r.Ledger.Release(ctx, p.OrderID)
		if err != nil {
			return fmt.Errorf("release reservation %s: %w", p.OrderID, err)
		}
	}
	if out.UnitsMoved > 0 && r.Cache != nil {
		r.Cache.InvalidateProducts(ctx, p.ProductIDs())
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, p *payment.Payment, src Source) {
	if r.Events == nil {
		return
	}
	payload, _ := json.Marshal(payment.PaymentFinalizedPayload{
		OrderID: p.OrderID, UserID: p.UserID, Gateway: p.Gateway, Status: p.Status,
		TotalCents: p.TotalCents, TransactionID: p.TransactionID, Source: string(src),
	})
	env := payment.Envelope{
		EventID:       uuid.NewString(),
		EventType:     payment.EventForStatus(p.Status),
		EventVersion:  1,
		OccurredAt:    r.now(),
		Producer:      r.ServiceName,
		TraceID:       traceID(ctx),
		CorrelationID: p.OrderID,
		Payload:       payload,
	}
	if err := r.Events.PublishJSON(ctx, p.OrderID, env); err != nil {
		r.log().WarnContext(ctx, "publish payment event failed", "order_id", p.OrderID, "error", err)
	}
}

func (r *Reconciler) record(ctx context.Context, e audit.Entry) {
	if err := r.audit().Record(ctx, e); err != nil {
		r.log().WarnContext(ctx, "audit record failed", "order_id", e.OrderID, "event", e.Event, "error", err)
	}
}

// Finalize applies the status reported by a charge response.
func (r *Reconciler) Finalize(ctx context.Context, orderID string, st payment.Status, raw json.RawMessage) error {
	_, err := r.Apply(ctx, orderID, st, SourceCharge, raw)
	return err
}

// Poll asks the gateway for the current status of a PENDING payment and applies it.
func (r *Reconciler) Poll(ctx context.Context, orderID string) (*Outcome, error) {
	p, err := r.Payments.GetPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return r.Apply(ctx, orderID, p.Status, SourcePoll, nil)
	}
	gw, err := r.Gateways.Get(p.Gateway)
	if err != nil {
		return nil, err
	}
	res, err := gw.Status(ctx, orderID)
	if err != nil {
		var he *gateway.HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			// not charged yet
			return &Outcome{OrderID: orderID, Status: p.Status}, nil
		}
		return nil, fmt.Errorf("%s status: %w", p.Gateway, err)
	}
	return r.Apply(ctx, orderID, res.Status, SourcePoll, res.Raw)
}

// HandleCallback authenticates a provider callback, then applies it. A
// rejected callback is audited and changes nothing.
func (r *Reconciler) HandleCallback(ctx context.Context, gw payment.Gateway, header http.Header, body []byte) (*Outcome, error) {
	client, err := r.Gateways.Get(gw)
	if err != nil {
		return nil, err
	}
	res, err := client.ParseCallback(header, body)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			e := audit.NewEntry(ctx, claimedOrderID(body), gw, string(SourceCallback), audit.EventSignatureRejected)
			e.Detail = err.Error()
			r.record(ctx, e)
			r.log().WarnContext(ctx, "callback rejected", "gateway", gw, "order_id", e.OrderID, "error", err)
		}
		return nil, err
	}

	p, err := r.Payments.GetPayment(ctx, res.OrderID)
	if err != nil {
		return nil, err
	}
	if p.Gateway != gw {
		return nil, fmt.Errorf("%w: %s is a %s payment", ErrGatewayMismatch, p.OrderID, p.Gateway)
	}
	if res.AmountCents != p.TotalCents {
		err := fmt.Errorf("%w: %s reported %d, expected %d", ErrAmountMismatch, p.OrderID, res.AmountCents, p.TotalCents)
		e := audit.NewEntry(ctx, p.OrderID, gw, string(SourceCallback), audit.EventAmountRejected)
		e.Detail = err.Error()
		r.record(ctx, e)
		r.log().WarnContext(ctx, "callback rejected", "gateway", gw, "order_id", p.OrderID, "error", err)
		return nil, err
	}
	return r.Apply(ctx, res.OrderID, res.Status, SourceCallback, res.Raw)
}

// Abandon gives up on an order whose payment job failed for good: a PENDING
// payment without gateway correlation becomes FAILED, and the reservation is
// released even when no payment row was ever written.
func (r *Reconciler) Abandon(ctx context.Context, orderID, reason string) error {
	p, err := r.Payments.GetPayment(ctx, orderID)
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		n, err := r.Ledger.Release(ctx, orderID)
		if err != nil {
			return fmt.Errorf("release reservation %s: %w", orderID, err)
		}
		if n > 0 && r.Cache != nil {
			if rs, err := r.Ledger.Reservations(ctx, orderID); err == nil {
				ids := make([]string, 0, len(rs))
				for _, x := range rs {
					ids = append(ids, x.ProductID)
				}
				r.Cache.InvalidateProducts(ctx, ids)
			}
		}
		e := audit.NewEntry(ctx, orderID, "", string(SourceAbandon), audit.EventAbandoned)
		e.Detail = reason
		r.record(ctx, e)
		r.log().WarnContext(ctx, "order abandoned before payment was created", "order_id", orderID, "units", n, "reason", reason)
		return nil
	case err != nil:
		return err
	}

	if p.Status == payment.StatusPending && p.TransactionID != "" {
		r.log().WarnContext(ctx, "abandoned order has a gateway transaction; left for reconciliation", "order_id", orderID)
		return nil
	}
	out, err := r.Apply(ctx, orderID, payment.StatusFailed, SourceAbandon, nil)
	if err != nil {
		return err
	}
	e := audit.NewEntry(ctx, orderID, p.Gateway, string(SourceAbandon), audit.EventAbandoned)
	e.FromStatus, e.ToStatus, e.Detail = p.Status, out.Status, reason
	r.record(ctx, e)
	return nil
}

func claimedOrderID(body []byte) string {
	var v struct {
		OrderID string `json:"order_id"`
	}
	_ = json.Unmarshal(body, &v)
	return v.OrderID
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
