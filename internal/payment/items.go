package payment

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidItems = errors.New("invalid items")

// Item is a (product, quantity) pair. Single-item checkout is a one-element list.
type Item struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// NormalizeItems merges duplicate products and sorts by product id so that
// row locks are always taken in the same order.
func NormalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidItems)
	}
	byID := make(map[string]int, len(items))
	for i, it := range items {
		if it.ProductID == "" {
			return nil, fmt.Errorf("%w: item %d: product_id is required", ErrInvalidItems, i)
		}
		if it.Qty <= 0 {
			return nil, fmt.Errorf("%w: item %d: qty must be greater than 0", ErrInvalidItems, i)
		}
		byID[it.ProductID] += it.Qty
	}
	out := make([]Item, 0, len(byID))
	for id, qty := range byID {
		out = append(out, Item{ProductID: id, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func ProductIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	return ids
}
