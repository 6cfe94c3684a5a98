package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ariefcatur/shop-payments/internal/payment"
)

// Card talks to the card/bank-transfer provider.
type Card struct {
	c         client
	serverKey string
}

func NewCard(baseURL, serverKey string, hc *http.Client) *Card {
	return &Card{
		c: newClient(payment.GatewayCard, strings.TrimRight(baseURL, "/"), hc, func(r *http.Request) {
			r.SetBasicAuth(serverKey, "")
		}),
		serverKey: serverKey,
	}
}

func (g *Card) Name() payment.Gateway { return payment.GatewayCard }

type cardItem struct {
	ID       string `json:"id"`
	Price    string `json:"price"`
	Quantity int    `json:"quantity"`
	Name     string `json:"name"`
}

type cardChargeRequest struct {
	PaymentType        string `json:"payment_type"`
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount string `json:"gross_amount"`
	} `json:"transaction_details"`
	ItemDetails     []cardItem `json:"item_details"`
	CustomerDetails struct {
		FirstName       string `json:"first_name"`
		Email           string `json:"email"`
		Phone           string `json:"phone"`
		ShippingAddress struct {
			FirstName   string `json:"first_name"`
			Phone       string `json:"phone"`
			Address     string `json:"address"`
			City        string `json:"city"`
			PostalCode  string `json:"postal_code"`
			CountryCode string `json:"country_code"`
		} `json:"shipping_address"`
	} `json:"customer_details"`
	Callbacks struct {
		Notification string `json:"notification,omitempty"`
	} `json:"callbacks"`
}

type cardTransaction struct {
	StatusCode        string `json:"status_code"`
	StatusMessage     string `json:"status_message"`
	TransactionID     string `json:"transaction_id"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	RedirectURL       string `json:"redirect_url"`
	SignatureKey      string `json:"signature_key"`
}

func (t cardTransaction) result(raw []byte) *Result {
	st := MapStatus(t.TransactionStatus)
	// a challenged capture still needs manual review
	if strings.EqualFold(t.TransactionStatus, "capture") && strings.EqualFold(t.FraudStatus, "challenge") {
		st = payment.StatusPending
	}
	amount, _ := payment.ParseMajorUnits(t.GrossAmount)
	return &Result{
		OrderID:       t.OrderID,
		TransactionID: t.TransactionID,
		RedirectURL:   t.RedirectURL,
		NativeStatus:  t.TransactionStatus,
		Status:        st,
		AmountCents:   amount,
		Raw:           json.RawMessage(raw),
	}
}

func (g *Card) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	var body cardChargeRequest
	body.PaymentType = "card"
	body.TransactionDetails.OrderID = req.OrderID
	body.TransactionDetails.GrossAmount = payment.MajorUnits(req.TotalCents)
	for _, l := range req.Lines {
		body.ItemDetails = append(body.ItemDetails, cardItem{
			ID: l.ProductID, Price: payment.MajorUnits(l.PriceCents), Quantity: l.Qty, Name: l.Name,
		})
	}
	cd := &body.CustomerDetails
	cd.FirstName = req.Customer.Name
	cd.Email = req.Customer.Email
	cd.Phone = req.Customer.Phone
	cd.ShippingAddress.FirstName = req.Address.Recipient
	cd.ShippingAddress.Phone = req.Address.Phone
	cd.ShippingAddress.Address = req.Address.Line1
	cd.ShippingAddress.City = req.Address.City
	cd.ShippingAddress.PostalCode = req.Address.PostalCode
	cd.ShippingAddress.CountryCode = req.Address.Country
	body.Callbacks.Notification = req.CallbackURL

	var out cardTransaction
	raw, err := g.c.do(ctx, "charge", http.MethodPost, "/v2/charge", body, &out)
	if err != nil {
		return nil, err
	}
	if out.TransactionID == "" {
		return nil, fmt.Errorf("%w: charge response without transaction_id (%s)", ErrMalformed, out.StatusMessage)
	}
	if out.OrderID == "" {
		out.OrderID = req.OrderID
	}
	return out.result(raw), nil
}

func (g *Card) Status(ctx context.Context, orderID string) (*Result, error) {
	var out cardTransaction
	raw, err := g.c.do(ctx, "status", http.MethodGet, "/v2/"+url.PathEscape(orderID)+"/status", nil, &out)
	if err != nil {
		return nil, err
	}
	if out.OrderID == "" {
		out.OrderID = orderID
	}
	return out.result(raw), nil
}

func (g *Card) ParseCallback(_ http.Header, body []byte) (*Result, error) {
	var n cardTransaction
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	want := CardSignature(n.OrderID, n.StatusCode, n.GrossAmount, g.serverKey)
	if n.SignatureKey == "" || subtle.ConstantTimeCompare([]byte(strings.ToLower(n.SignatureKey)), []byte(want)) != 1 {
		return nil, ErrInvalidSignature
	}
	// transaction_status is outside the signature; only a signed 200 may settle.
	res := n.result(body)
	if res.Status == payment.StatusSuccess && n.StatusCode != "200" {
		return nil, fmt.Errorf("%w: status_code %s cannot settle", ErrInvalidSignature, n.StatusCode)
	}
	return res, nil
}

// CardSignature is hex(SHA512(order_id + status_code + gross_amount + server_key)).
func CardSignature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}
