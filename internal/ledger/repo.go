package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/shop-payments/internal/payment"
)

// Postgres is the Ledger backed by the products and reservations tables.
type Postgres struct{ DB *pgxpool.Pool }

const foreignKeyViolation = "23503"

// Reserve takes the whole reservation or nothing: any shortage rolls back
// every increment made for the order in this call.
func (l *Postgres) Reserve(ctx context.Context, orderID string, items []payment.Item) error {
	items, err := payment.NormalizeItems(items)
	if err != nil {
		return err
	}

	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var released int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM reservations WHERE order_id=$1 AND status='RELEASED'`, orderID).Scan(&released); err != nil {
		return err
	}
	if released > 0 {
		return fmt.Errorf("%w: order %s", ErrReservationClosed, orderID)
	}

	var shortages []Shortage
	for _, it := range items {
		ct, err := tx.Exec(ctx, `
			INSERT INTO reservations(order_id, product_id, qty, status)
			VALUES ($1,$2,$3,'RESERVED')
			ON CONFLICT (order_id, product_id) DO NOTHING`, orderID, it.ProductID, it.Qty)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return fmt.Errorf("%w: %s", payment.ErrProductNotFound, it.ProductID)
			}
			return err
		}
		if ct.RowsAffected() == 0 {
			// already held by an earlier attempt for this order
			continue
		}

		ct, err = tx.Exec(ctx, `
			UPDATE products
			SET reserved_stock = reserved_stock + $2, updated_at = now()
			WHERE id=$1 AND stock - reserved_stock >= $2`, it.ProductID, it.Qty)
		if err != nil {
			return err
		}
		if ct.RowsAffected() != 1 {
			var available int
			if err := tx.QueryRow(ctx, `SELECT stock - reserved_stock FROM products WHERE id=$1`, it.ProductID).Scan(&available); err != nil {
				return err
			}
			shortages = append(shortages, Shortage{ProductID: it.ProductID, Required: it.Qty, Available: available})
		}
	}

	if len(shortages) > 0 {
		return &InsufficientStockError{Shortages: shortages} // rollback via defer
	}
	return tx.Commit(ctx)
}

func (l *Postgres) Commit(ctx context.Context, orderID string) (int, error) {
	return l.resolve(ctx, orderID, Committed,
		`UPDATE products SET stock = stock - $2, reserved_stock = reserved_stock - $2, updated_at = now() WHERE id=$1`)
}

func (l *Postgres) Release(ctx context.Context, orderID string) (int, error) {
	return l.resolve(ctx, orderID, Released,
		`UPDATE products SET reserved_stock = reserved_stock - $2, updated_at = now() WHERE id=$1`)
}

// resolve applies productUpdate to every RESERVED row of the order and flips
// the rows to status. The row lock makes concurrent resolvers serialize; the
// loser finds no RESERVED rows and moves nothing.
func (l *Postgres) resolve(ctx context.Context, orderID string, status ReservationStatus, productUpdate string) (int, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT product_id, qty FROM reservations
		WHERE order_id=$1 AND status='RESERVED'
		ORDER BY product_id
		FOR UPDATE`, orderID)
	if err != nil {
		return 0, err
	}
	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			rows.Close()
			return 0, err
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	units := 0
	for _, x := range recs {
		if _, err := tx.Exec(ctx, productUpdate, x.pid, x.qty); err != nil {
			return 0, err
		}
		units += x.qty
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status=$2, updated_at=now()
		WHERE order_id=$1 AND status='RESERVED'`, orderID, string(status)); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return units, nil
}

func (l *Postgres) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT order_id, product_id, qty, status, created_at
		FROM reservations WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		var st string
		if err := rows.Scan(&r.OrderID, &r.ProductID, &r.Qty, &st, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = ReservationStatus(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Postgres) Availability(ctx context.Context, productIDs []string) (map[string]int, error) {
	rows, err := l.DB.Query(ctx, `SELECT id, stock - reserved_stock FROM products WHERE id = ANY($1)`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int, len(productIDs))
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
