// Package ledgertest holds behaviour tests shared by every Ledger implementation.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/payment"
)

// Harness seeds products and reads their counters back for a Ledger under test.
type Harness interface {
	Ledger() ledger.Ledger
	SeedProduct(t *testing.T, id string, stock int)
	Counters(t *testing.T, id string) (stock, reserved int)
}

func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	ctx := context.Background()

	t.Run("reserve then commit moves stock once", func(t *testing.T) {
		h := newHarness(t)
		l := h.Ledger()
		h.SeedProduct(t, "p1", 10)

		require.NoError(t, l.Reserve(ctx, "o1", []payment.Item{{ProductID: "p1", Qty: 3}}))
		stock, reserved := h.Counters(t, "p1")
		assert.Equal(t, 10, stock)
		assert.Equal(t, 3, reserved)

		n, err := l.Commit(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = l.Commit(ctx, "o1")
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = l.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Zero(t, n)

		stock, reserved = h.Counters(t, "p1")
		assert.Equal(t, 7, stock)
		assert.Equal(t, 0, reserved)
	})

	t.Run("release restores availability and closes the order", func(t *testing.T) {
		h := newHarness(t)
		l := h.Ledger()
		h.SeedProduct(t, "p1", 5)

		require.NoError(t, l.Reserve(ctx, "o1", []payment.Item{{ProductID: "p1", Qty: 5}}))
		n, err := l.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		stock, reserved := h.Counters(t, "p1")
		assert.Equal(t, 5, stock)
		assert.Equal(t, 0, reserved)

		err = l.Reserve(ctx, "o1", []payment.Item{{ProductID: "p1", Qty: 1}})
		assert.ErrorIs(t, err, ledger.ErrReservationClosed)
	})

	t.Run("re-reserving a held order is a no-op", func(t *testing.T) {
		h := newHarness(t)
		l := h.Ledger()
		h.SeedProduct(t, "p1", 4)

		items := []payment.Item{{ProductID: "p1", Qty: 2}}
		require.NoError(t, l.Reserve(ctx, "o1", items))
		require.NoError(t, l.Reserve(ctx, "o1", items))

		_, reserved := h.Counters(t, "p1")
		assert.Equal(t, 2, reserved)
	})

	t.Run("shortage on one item rolls back the whole order", func(t *testing.T) {
		h := newHarness(t)
		l := h.Ledger()
		h.SeedProduct(t, "a", 5)
		h.SeedProduct(t, "b", 1)

		err := l.Reserve(ctx, "o1", []payment.Item{{ProductID: "a", Qty: 2}, {ProductID: "b", Qty: 3}})
		var ise *ledger.InsufficientStockError
		require.ErrorAs(t, err, &ise)
		require.Len(t, ise.Shortages, 1)
		assert.Equal(t, ledger.Shortage{ProductID: "b", Required: 3, Available: 1}, ise.Shortages[0])

		_, reserved := h.Counters(t, "a")
		assert.Zero(t, reserved)
		rs, err := l.Reservations(ctx, "o1")
		require.NoError(t, err)
		assert.Empty(t, rs)
	})

	t.Run("duplicate items are merged", func(t *testing.T) {
		h := newHarness(t)
		l := h.Ledger()
		h.SeedProduct(t, "p1", 3)

		err := l.Reserve(ctx, "o1", []payment.Item{{ProductID: "p1", Qty: 2}, {ProductID: "p1", Qty: 2}})
		assert.True(t, ledger.IsInsufficientStock(err))

		require.NoError(t, l.Reserve(ctx, "o2", []payment.Item{{ProductID: "p1", Qty: 1}, {ProductID: "p1", Qty: 2}}))
		avail, err := l.Availability(ctx, []string{"p1"})
		require.NoError(t, err)
		assert.Equal(t, 0, avail["p1"])
	})

	t.Run("unknown product is reported", func(t *testing.T) {
		h := newHarness(t)
		err := h.Ledger().Reserve(ctx, "o1", []payment.Item{{ProductID: "nope", Qty: 1}})
		assert.ErrorIs(t, err, payment.ErrProductNotFound)
	})

	t.Run("concurrent reservations never oversell", func(t *testing.T) {
		h := newHarness(t)
		l := h.Ledger()
		h.SeedProduct(t, "hot", 5)

		var wg sync.WaitGroup
		var ok, short atomic.Int32
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := l.Reserve(ctx, fmt.Sprintf("o-%d", i), []payment.Item{{ProductID: "hot", Qty: 1}})
				switch {
				case err == nil:
					ok.Add(1)
				case ledger.IsInsufficientStock(err):
					short.Add(1)
				default:
					t.Errorf("reserve: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(5), ok.Load())
		assert.Equal(t, int32(15), short.Load())
		stock, reserved := h.Counters(t, "hot")
		assert.Equal(t, 5, stock)
		assert.Equal(t, 5, reserved)
	})

	t.Run("concurrent commit and release resolve once", func(t *testing.T) {
		h := newHarness(t)
		l := h.Ledger()
		h.SeedProduct(t, "p1", 10)
		require.NoError(t, l.Reserve(ctx, "o1", []payment.Item{{ProductID: "p1", Qty: 4}}))

		var wg sync.WaitGroup
		var moved atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var n int
				var err error
				if i%2 == 0 {
					n, err = l.Commit(ctx, "o1")
				} else {
					n, err = l.Release(ctx, "o1")
				}
				assert.NoError(t, err)
				moved.Add(int32(n))
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(4), moved.Load())
		stock, reserved := h.Counters(t, "p1")
		assert.Zero(t, reserved)
		assert.Contains(t, []int{6, 10}, stock)
	})
}
