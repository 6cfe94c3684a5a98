// Package ledger owns the stock and reserved_stock counters of products.
//
// A reservation is taken once per order and resolved once: Commit turns it
// into a permanent stock decrement, Release gives it back. Both are keyed by
// the reservation rows of the order, so repeating them is a no-op.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/shop-payments/internal/payment"
)

type ReservationStatus string

const (
	Reserved  ReservationStatus = "RESERVED"
	Committed ReservationStatus = "COMMITTED"
	Released  ReservationStatus = "RELEASED"
)

type Reservation struct {
	OrderID   string
	ProductID string
	Qty       int
	Status    ReservationStatus
	CreatedAt time.Time
}

type Ledger interface {
	Reserve(ctx context.Context, orderID string, items []payment.Item) error
	Commit(ctx context.Context, orderID string) (units int, err error)
	Release(ctx context.Context, orderID string) (units int, err error)
	Reservations(ctx context.Context, orderID string) ([]Reservation, error)
	// Availability returns stock - reserved_stock for each known product id.
	Availability(ctx context.Context, productIDs []string) (map[string]int, error)
}

// ErrReservationClosed is returned when reserving an order whose reservation was already resolved.
var ErrReservationClosed = errors.New("reservation already resolved")

type Shortage struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		parts[i] = fmt.Sprintf("%s (required %d, available %d)", s.ProductID, s.Required, s.Available)
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func IsInsufficientStock(err error) bool {
	var e *InsufficientStockError
	return errors.As(err, &e)
}

// CheckAvailability compares requested quantities against an Availability result.
// It is advisory: Reserve is the authority under concurrency.
func CheckAvailability(available map[string]int, items []payment.Item) error {
	var shortages []Shortage
	for _, it := range items {
		n, ok := available[it.ProductID]
		if !ok {
			return fmt.Errorf("%w: %s", payment.ErrProductNotFound, it.ProductID)
		}
		if n < it.Qty {
			shortages = append(shortages, Shortage{ProductID: it.ProductID, Required: it.Qty, Available: n})
		}
	}
	if len(shortages) > 0 {
		return &InsufficientStockError{Shortages: shortages}
	}
	return nil
}
