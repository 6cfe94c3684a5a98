// Package gateway holds the payment provider clients and the mapping from
// their native status vocabulary to payment.Status.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ariefcatur/shop-payments/internal/payment"
)

var (
	ErrInvalidSignature = errors.New("invalid callback signature")
	ErrUnknownGateway   = errors.New("unknown gateway")
	ErrMalformed        = errors.New("malformed gateway message")
)

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.StatusCode, e.Body)
}

type ChargeRequest struct {
	OrderID     string
	TotalCents  int64
	Currency    string
	Lines       []payment.LineItem
	Customer    payment.User
	Address     payment.Address
	CallbackURL string
}

// Result is what a provider reports about one order, from a charge, a
// status query or a callback.
type Result struct {
	OrderID       string
	TransactionID string
	RedirectURL   string
	NativeStatus  string
	Status        payment.Status
	// AmountCents is the amount the provider reports, zero when absent.
	AmountCents int64
	Raw         json.RawMessage
}

type Gateway interface {
	Name() payment.Gateway
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	Status(ctx context.Context, orderID string) (*Result, error)
	// ParseCallback authenticates a provider callback. It returns
	// ErrInvalidSignature before looking at anything else in the body.
	ParseCallback(header http.Header, body []byte) (*Result, error)
}

type Registry map[payment.Gateway]Gateway

func NewRegistry(gws ...Gateway) Registry {
	r := make(Registry, len(gws))
	for _, g := range gws {
		r[g.Name()] = g
	}
	return r
}

func (r Registry) Get(name payment.Gateway) (Gateway, error) {
	g, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return g, nil
}

// client is the JSON-over-HTTP plumbing shared by the providers.
type client struct {
	name    payment.Gateway
	baseURL string
	http    *http.Client
	auth    func(*http.Request)
}

func newClient(name payment.Gateway, baseURL string, hc *http.Client, auth func(*http.Request)) client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return client{name: name, baseURL: baseURL, http: hc, auth: auth}
}

// do sends in (if not nil) and decodes the response into out. It returns the
// raw response body for storing as provider snapshot.
func (c client) do(ctx context.Context, op, method, path string, in, out any) (raw []byte, err error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, fmt.Sprintf("gateway.%s.%s", c.name, op))
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return raw, nil
}
