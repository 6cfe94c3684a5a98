package payment

import (
	"context"
	"encoding/json"
	"time"
)

type ProductStore interface {
	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

type Directory interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetAddress(ctx context.Context, userID, addressID string) (Address, error)
}

type PaymentStore interface {
	// CreatePayment inserts a PENDING payment with its line items. ErrAlreadyExists if the order id is taken.
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, orderID string) (*Payment, error)
	// SaveGatewayResult stores provider correlation data without touching status.
	SaveGatewayResult(ctx context.Context, orderID string, res GatewayResult) error
	// Transition moves a PENDING payment to a terminal status. It reports false
	// when the payment was no longer PENDING.
	Transition(ctx context.Context, orderID string, to Status, at time.Time, raw json.RawMessage) (bool, error)
	// ListPending returns PENDING payments created before the cutoff, oldest first.
	ListPending(ctx context.Context, before time.Time, limit int) ([]Payment, error)
}

type ShipmentStore interface {
	// CreateShipment stores the checkout quote; a second call for the same order is a no-op.
	CreateShipment(ctx context.Context, s Shipment) error
	GetShipment(ctx context.Context, orderID string) (*Shipment, error)
	// CreateShipped creates the fulfilment record once; created is false if it already existed.
	CreateShipped(ctx context.Context, s Shipped) (created bool, err error)
	GetShipped(ctx context.Context, orderID string) (*Shipped, error)
}

type GatewayResult struct {
	TransactionID string
	RedirectURL   string
	Raw           json.RawMessage
}
