package payment

import (
	"encoding/json"
	"time"
)

// Gateway identifies the payment provider a payment is routed through.
type Gateway string

const (
	GatewayCard   Gateway = "card"
	GatewayCrypto Gateway = "crypto"
)

func (g Gateway) Valid() bool { return g == GatewayCard || g == GatewayCrypto }

type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PriceCents    int64     `json:"price_cents"`
	Stock         int       `json:"stock"`
	ReservedStock int       `json:"reserved_stock"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Available is the quantity that can still be sold.
func (p Product) Available() int { return p.Stock - p.ReservedStock }

type User struct {
	ID    string
	Name  string
	Email string
	Phone string
}

type Address struct {
	ID         string
	UserID     string
	Recipient  string
	Phone      string
	Line1      string
	City       string
	PostalCode string
	Country    string
}

// LineItem is one priced product line of a payment, stored in payment_items.
type LineItem struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

func (l LineItem) SubtotalCents() int64 { return l.PriceCents * int64(l.Qty) }

type Payment struct {
	OrderID          string
	UserID           string
	Items            []LineItem
	AmountCents      int64
	AdminFeeCents    int64
	ShippingCents    int64
	TotalCents       int64
	Status           Status
	PaymentMethod    string
	Gateway          Gateway
	TransactionID    string
	ProviderResponse json.RawMessage
	RedirectURL      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
}

func (p *Payment) ProductIDs() []string {
	ids := make([]string, 0, len(p.Items))
	seen := make(map[string]bool, len(p.Items))
	for _, it := range p.Items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	return ids
}

// Shipment is the shipping quote attached to a payment at checkout time.
type Shipment struct {
	OrderID   string
	Courier   string
	Service   string
	CostCents int64
	AddressID string
	CreatedAt time.Time
}

// Shipped is the fulfilment record created once a payment succeeds.
type Shipped struct {
	OrderID        string
	Courier        string
	TrackingNumber string
	Status         string
	CreatedAt      time.Time
}

const ShippedStatusAwaitingPickup = "AWAITING_PICKUP"
