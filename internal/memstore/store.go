// Package memstore is an in-memory implementation of the payment store ports
// and the reservation ledger. It keeps the same conditional-update semantics
// as the Postgres implementation and is used by tests and local runs.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/payment"
)

type reservationKey struct{ orderID, productID string }

type Store struct {
	mu           sync.Mutex
	products     map[string]payment.Product
	users        map[string]payment.User
	addresses    map[string]payment.Address
	payments     map[string]payment.Payment
	shipments    map[string]payment.Shipment
	shipped      map[string]payment.Shipped
	reservations map[reservationKey]ledger.Reservation

	now func() time.Time
}

func New() *Store {
	return &Store{
		products:     map[string]payment.Product{},
		users:        map[string]payment.User{},
		addresses:    map[string]payment.Address{},
		payments:     map[string]payment.Payment{},
		shipments:    map[string]payment.Shipment{},
		shipped:      map[string]payment.Shipped{},
		reservations: map[reservationKey]ledger.Reservation{},
		now:          time.Now,
	}
}

var (
	_ payment.ProductStore  = (*Store)(nil)
	_ payment.Directory     = (*Store)(nil)
	_ payment.PaymentStore  = (*Store)(nil)
	_ payment.ShipmentStore = (*Store)(nil)
	_ ledger.Ledger         = (*Store)(nil)
)

func (s *Store) PutProduct(p payment.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.products[p.ID] = p
}

func (s *Store) PutUser(u payment.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) PutAddress(a payment.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[a.ID] = a
}

// Product returns a snapshot of the product counters.
func (s *Store) Product(id string) (payment.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

// SetCreatedAt backdates a payment; used to exercise the orphan sweep.
func (s *Store) SetCreatedAt(orderID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[orderID]; ok {
		p.CreatedAt = at
		s.payments[orderID] = p
	}
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]payment.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]payment.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) ListProducts(_ context.Context) ([]payment.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payment.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetUser(_ context.Context, id string) (payment.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return payment.User{}, payment.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) GetAddress(_ context.Context, userID, addressID string) (payment.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addressID]
	if !ok || a.UserID != userID {
		return payment.Address{}, payment.ErrAddressNotFound
	}
	return a, nil
}

func (s *Store) CreatePayment(_ context.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.OrderID]; ok {
		return payment.ErrAlreadyExists
	}
	for _, it := range p.Items {
		if _, ok := s.products[it.ProductID]; !ok {
			return fmt.Errorf("%w: %s", payment.ErrProductNotFound, it.ProductID)
		}
	}
	cp := *p
	cp.Items = append([]payment.LineItem(nil), p.Items...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.payments[p.OrderID] = cp
	return nil
}

func (s *Store) GetPayment(_ context.Context, orderID string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	p.Items = append([]payment.LineItem(nil), p.Items...)
	return &p, nil
}

func (s *Store) SaveGatewayResult(_ context.Context, orderID string, res payment.GatewayResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return payment.ErrPaymentNotFound
	}
	p.TransactionID = res.TransactionID
	p.RedirectURL = res.RedirectURL
	if len(res.Raw) > 0 {
		p.ProviderResponse = res.Raw
	}
	p.UpdatedAt = s.now()
	s.payments[orderID] = p
	return nil
}

func (s *Store) Transition(_ context.Context, orderID string, to payment.Status, at time.Time, raw json.RawMessage) (bool, error) {
	if !payment.CanTransition(payment.StatusPending, to) {
		return false, fmt.Errorf("transition to %s not allowed", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok || p.Status != payment.StatusPending {
		return false, nil
	}
	p.Status = to
	if to == payment.StatusSuccess && p.PaidAt == nil {
		t := at
		p.PaidAt = &t
	}
	if len(raw) > 0 {
		p.ProviderResponse = raw
	}
	p.UpdatedAt = at
	s.payments[orderID] = p
	return true, nil
}

func (s *Store) ListPending(_ context.Context, before time.Time, limit int) ([]payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payment.Payment
	for _, p := range s.payments {
		if p.Status == payment.StatusPending && p.CreatedAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateShipment(_ context.Context, sh payment.Shipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shipments[sh.OrderID]; ok {
		return nil
	}
	if sh.CreatedAt.IsZero() {
		sh.CreatedAt = s.now()
	}
	s.shipments[sh.OrderID] = sh
	return nil
}

func (s *Store) GetShipment(_ context.Context, orderID string) (*payment.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[orderID]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return &sh, nil
}

func (s *Store) CreateShipped(_ context.Context, sh payment.Shipped) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shipped[sh.OrderID]; ok {
		return false, nil
	}
	if sh.CreatedAt.IsZero() {
		sh.CreatedAt = s.now()
	}
	s.shipped[sh.OrderID] = sh
	return true, nil
}

func (s *Store) GetShipped(_ context.Context, orderID string) (*payment.Shipped, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipped[orderID]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return &sh, nil
}
