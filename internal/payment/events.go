package payment

import (
	"encoding/json"
	"time"
)

const (
	EventPaymentSucceeded = "PaymentSucceeded"
	EventPaymentFailed    = "PaymentFailed"
	EventPaymentCancelled = "PaymentCancelled"
	EventPaymentExpired   = "PaymentExpired"
)

// EventForStatus returns the event type published when a payment reaches s.
func EventForStatus(s Status) string {
	switch s {
	case StatusSuccess:
		return EventPaymentSucceeded
	case StatusCancelled:
		return EventPaymentCancelled
	case StatusExpired:
		return EventPaymentExpired
	default:
		return EventPaymentFailed
	}
}

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type PaymentFinalizedPayload struct {
	OrderID       string  `json:"order_id"`
	UserID        string  `json:"user_id"`
	Gateway       Gateway `json:"gateway"`
	Status        Status  `json:"status"`
	TotalCents    int64   `json:"total_cents"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Source        string  `json:"source"`
}
