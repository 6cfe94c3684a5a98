package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/payment"
)

func (s *Store) Reserve(_ context.Context, orderID string, items []payment.Item) error {
	items, err := payment.NormalizeItems(items)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, r := range s.reservations {
		if k.orderID == orderID && r.Status == ledger.Released {
			return fmt.Errorf("%w: order %s", ledger.ErrReservationClosed, orderID)
		}
	}

	var shortages []ledger.Shortage
	var todo []payment.Item
	for _, it := range items {
		p, ok := s.products[it.ProductID]
		if !ok {
			return fmt.Errorf("%w: %s", payment.ErrProductNotFound, it.ProductID)
		}
		if _, held := s.reservations[reservationKey{orderID, it.ProductID}]; held {
			continue
		}
		if p.Available() < it.Qty {
			shortages = append(shortages, ledger.Shortage{ProductID: it.ProductID, Required: it.Qty, Available: p.Available()})
			continue
		}
		todo = append(todo, it)
	}
	if len(shortages) > 0 {
		return &ledger.InsufficientStockError{Shortages: shortages}
	}

	now := s.now()
	for _, it := range todo {
		p := s.products[it.ProductID]
		p.ReservedStock += it.Qty
		p.UpdatedAt = now
		s.products[it.ProductID] = p
		s.reservations[reservationKey{orderID, it.ProductID}] = ledger.Reservation{
			OrderID: orderID, ProductID: it.ProductID, Qty: it.Qty, Status: ledger.Reserved, CreatedAt: now,
		}
	}
	return nil
}

func (s *Store) Commit(_ context.Context, orderID string) (int, error) {
	return s.resolve(orderID, ledger.Committed), nil
}

func (s *Store) Release(_ context.Context, orderID string) (int, error) {
	return s.resolve(orderID, ledger.Released), nil
}

func (s *Store) resolve(orderID string, to ledger.ReservationStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	units := 0
	now := s.now()
	for k, r := range s.reservations {
		if k.orderID != orderID || r.Status != ledger.Reserved {
			continue
		}
		p := s.products[k.productID]
		p.ReservedStock -= r.Qty
		if to == ledger.Committed {
			p.Stock -= r.Qty
		}
		p.UpdatedAt = now
		s.products[k.productID] = p

		r.Status = to
		s.reservations[k] = r
		units += r.Qty
	}
	return units
}

func (s *Store) Reservations(_ context.Context, orderID string) ([]ledger.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Reservation
	for k, r := range s.reservations {
		if k.orderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) Availability(_ context.Context, productIDs []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[id]; ok {
			out[id] = p.Available()
		}
	}
	return out, nil
}
