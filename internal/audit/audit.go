// Package audit records payment state changes and rejected callbacks.
package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/shop-payments/internal/payment"
)

type Event string

const (
	EventTransition        Event = "transition"
	EventSignatureRejected Event = "signature_rejected"
	EventAmountRejected    Event = "amount_rejected"
	EventAbandoned         Event = "abandoned"
)

type Entry struct {
	OrderID    string
	Gateway    payment.Gateway
	Source     string
	Event      Event
	FromStatus payment.Status
	ToStatus   payment.Status
	Detail     string
	TraceID    string
	At         time.Time
}

type Recorder interface {
	Record(ctx context.Context, e Entry) error
	ListByOrder(ctx context.Context, orderID string) ([]Entry, error)
}

// NewEntry fills At and the trace id of the active span.
func NewEntry(ctx context.Context, orderID string, gw payment.Gateway, source string, ev Event) Entry {
	e := Entry{OrderID: orderID, Gateway: gw, Source: source, Event: ev, At: time.Now().UTC()}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		e.TraceID = sc.TraceID().String()
	}
	return e
}

// Nop discards entries. Used when no audit database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error                  { return nil }
func (Nop) ListByOrder(context.Context, string) ([]Entry, error) { return nil, nil }
