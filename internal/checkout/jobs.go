package checkout

import (
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/queue"
)

const (
	QueuePayments = "payments"

	JobCardPayment   = "create-card-payment"
	JobCryptoPayment = "create-crypto-payment"
)

// Order is the checkout data shared by every payment job.
type Order struct {
	OrderID       string         `json:"order_id"`
	UserID        string         `json:"user_id"`
	AddressID     string         `json:"address_id"`
	Items         []payment.Item `json:"items"`
	Courier       string         `json:"courier"`
	Service       string         `json:"service"`
	ShippingCents int64          `json:"shipping_cents"`
}

// Job is one of the payment job kinds.
type Job interface {
	order() Order
	gateway() payment.Gateway
}

type CardPaymentJob struct {
	Order
	// PaymentMethod is the card-rail method, e.g. "credit_card" or "bank_transfer".
	PaymentMethod string `json:"payment_method"`
}

type CryptoPaymentJob struct {
	Order
	Currency string `json:"currency"`
}

func (j CardPaymentJob) order() Order               { return j.Order }
func (j CardPaymentJob) gateway() payment.Gateway   { return payment.GatewayCard }
func (j CryptoPaymentJob) order() Order             { return j.Order }
func (j CryptoPaymentJob) gateway() payment.Gateway { return payment.GatewayCrypto }

// JobName returns the queue job name for a job value.
func JobName(j Job) string {
	switch j.(type) {
	case CardPaymentJob, *CardPaymentJob:
		return JobCardPayment
	case CryptoPaymentJob, *CryptoPaymentJob:
		return JobCryptoPayment
	}
	panic(fmt.Sprintf("checkout: unhandled job type %T", j))
}

// DecodeJob turns a queued job into its typed form. Unknown names fail with
// queue.ErrUnknownJobType, undecodable payloads are permanent failures.
func DecodeJob(name string, payload json.RawMessage) (Job, error) {
	var (
		j   Job
		err error
	)
	switch name {
	case JobCardPayment:
		var c CardPaymentJob
		err = json.Unmarshal(payload, &c)
		j = c
	case JobCryptoPayment:
		var c CryptoPaymentJob
		err = json.Unmarshal(payload, &c)
		j = c
	default:
		return nil, fmt.Errorf("%w: %q", queue.ErrUnknownJobType, name)
	}
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode %s: %w", name, err))
	}
	if o := j.order(); o.OrderID == "" || len(o.Items) == 0 {
		return nil, queue.Permanent(fmt.Errorf("decode %s: order_id and items are required", name))
	}
	return j, nil
}

// Result is stored as the job result once the gateway accepted the charge.
type Result struct {
	OrderID       string          `json:"order_id"`
	Gateway       payment.Gateway `json:"gateway"`
	Status        payment.Status  `json:"status"`
	TotalCents    int64           `json:"total_cents"`
	TransactionID string          `json:"transaction_id"`
	RedirectURL   string          `json:"redirect_url,omitempty"`
	Response      json.RawMessage `json:"gateway_response,omitempty"`
}
