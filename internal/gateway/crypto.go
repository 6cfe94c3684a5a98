package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ariefcatur/shop-payments/internal/payment"
)

const HeaderCallbackSignature = "X-Callback-Signature"

// Crypto talks to the crypto invoice provider.
type Crypto struct {
	c      client
	secret string
}

func NewCrypto(baseURL, apiKey, callbackSecret string, hc *http.Client) *Crypto {
	return &Crypto{
		c: newClient(payment.GatewayCrypto, strings.TrimRight(baseURL, "/"), hc, func(r *http.Request) {
			r.Header.Set("x-api-key", apiKey)
		}),
		secret: callbackSecret,
	}
}

func (g *Crypto) Name() payment.Gateway { return payment.GatewayCrypto }

type invoiceItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

type invoiceRequest struct {
	OrderID        string        `json:"order_id"`
	PriceAmount    string        `json:"price_amount"`
	PriceCurrency  string        `json:"price_currency"`
	Items          []invoiceItem `json:"items"`
	IPNCallbackURL string        `json:"ipn_callback_url,omitempty"`
	CustomerEmail  string        `json:"customer_email,omitempty"`
}

type invoice struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id"`
	InvoiceURL    string `json:"invoice_url"`
	PaymentStatus string `json:"payment_status"`
	PriceAmount   string `json:"price_amount"`
}

func (i invoice) result(raw []byte) *Result {
	amount, _ := payment.ParseMajorUnits(i.PriceAmount)
	return &Result{
		OrderID:       i.OrderID,
		TransactionID: i.ID,
		RedirectURL:   i.InvoiceURL,
		NativeStatus:  i.PaymentStatus,
		Status:        MapStatus(i.PaymentStatus),
		AmountCents:   amount,
		Raw:           json.RawMessage(raw),
	}
}

func (g *Crypto) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	body := invoiceRequest{
		OrderID:        req.OrderID,
		PriceAmount:    payment.MajorUnits(req.TotalCents),
		PriceCurrency:  strings.ToLower(req.Currency),
		IPNCallbackURL: req.CallbackURL,
		CustomerEmail:  req.Customer.Email,
	}
	for _, l := range req.Lines {
		body.Items = append(body.Items, invoiceItem{Name: l.Name, Quantity: l.Qty, Price: payment.MajorUnits(l.PriceCents)})
	}

	var out invoice
	raw, err := g.c.do(ctx, "charge", http.MethodPost, "/v1/invoice", body, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: invoice response without id", ErrMalformed)
	}
	if out.OrderID == "" {
		out.OrderID = req.OrderID
	}
	return out.result(raw), nil
}

func (g *Crypto) Status(ctx context.Context, orderID string) (*Result, error) {
	var out invoice
	raw, err := g.c.do(ctx, "status", http.MethodGet, "/v1/invoice/"+url.PathEscape(orderID), nil, &out)
	if err != nil {
		return nil, err
	}
	if out.OrderID == "" {
		out.OrderID = orderID
	}
	return out.result(raw), nil
}

// ParseCallback authenticates the whole notice body, so no field of a
// genuine notice can be altered and replayed.
func (g *Crypto) ParseCallback(header http.Header, body []byte) (*Result, error) {
	sig, err := hex.DecodeString(header.Get(HeaderCallbackSignature))
	if err != nil || len(sig) == 0 {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal(sig, cryptoMAC(g.secret, body)) {
		return nil, ErrInvalidSignature
	}
	var n invoice
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return n.result(body), nil
}

// CryptoSignature is hex(HMAC-SHA256(secret, body)) over the raw notice body.
func CryptoSignature(secret string, body []byte) string {
	return hex.EncodeToString(cryptoMAC(secret, body))
}

func cryptoMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
