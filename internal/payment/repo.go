package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

const uniqueViolation = "23505"

func (r *Repo) GetProducts(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, price_cents, stock, reserved_stock, updated_at
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.ReservedStock, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, price_cents, stock, reserved_stock, updated_at
		FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.ReservedStock, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) CreatePayment(ctx context.Context, p *Payment) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO payments(order_id, user_id, amount_cents, admin_fee_cents, shipping_cents, total_cents,
		                     status, payment_method, gateway, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		p.OrderID, p.UserID, p.AmountCents, p.AdminFeeCents, p.ShippingCents, p.TotalCents,
		string(p.Status), p.PaymentMethod, string(p.Gateway), p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}

	for i, it := range p.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO payment_items(order_id, position, product_id, name, qty, price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			p.OrderID, i, it.ProductID, it.Name, it.Qty, it.PriceCents); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) GetPayment(ctx context.Context, orderID string) (*Payment, error) {
	var (
		p      Payment
		status string
		gw     string
		raw    []byte
	)
	err := r.DB.QueryRow(ctx, `
		SELECT order_id, user_id, amount_cents, admin_fee_cents, shipping_cents, total_cents, status,
		       payment_method, gateway, transaction_id, provider_response, redirect_url,
		       created_at, updated_at, paid_at
		FROM payments WHERE order_id=$1`, orderID).Scan(
		&p.OrderID, &p.UserID, &p.AmountCents, &p.AdminFeeCents, &p.ShippingCents, &p.TotalCents, &status,
		&p.PaymentMethod, &gw, &p.TransactionID, &raw, &p.RedirectURL,
		&p.CreatedAt, &p.UpdatedAt, &p.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.Gateway = Gateway(gw)
	p.ProviderResponse = raw

	items, err := r.lineItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	p.Items = items
	return &p, nil
}

func (r *Repo) lineItems(ctx context.Context, orderID string) ([]LineItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, name, qty, price_cents
		FROM payment_items WHERE order_id=$1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LineItem
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repo) SaveGatewayResult(ctx context.Context, orderID string, res GatewayResult) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE payments
		SET transaction_id=$2, redirect_url=$3, provider_response=$4, updated_at=now()
		WHERE order_id=$1`, orderID, res.TransactionID, res.RedirectURL, nullableJSON(res.Raw))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *Repo) Transition(ctx context.Context, orderID string, to Status, at time.Time, raw json.RawMessage) (bool, error) {
	if !CanTransition(StatusPending, to) {
		return false, fmt.Errorf("transition to %s not allowed", to)
	}
	var paidAt *time.Time
	if to == StatusSuccess {
		paidAt = &at
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE payments
		SET status=$2,
		    paid_at=COALESCE(paid_at, $3),
		    provider_response=COALESCE($4, provider_response),
		    updated_at=$5
		WHERE order_id=$1 AND status='PENDING'`,
		orderID, string(to), paidAt, nullableJSON(raw), at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) ListPending(ctx context.Context, before time.Time, limit int) ([]Payment, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id
		FROM payments WHERE status='PENDING' AND created_at < $1
		ORDER BY created_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Payment, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetPayment(ctx, id)
		if errors.Is(err, ErrPaymentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (r *Repo) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := r.DB.QueryRow(ctx, `SELECT id, name, email, phone FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func (r *Repo) GetAddress(ctx context.Context, userID, addressID string) (Address, error) {
	var a Address
	err := r.DB.QueryRow(ctx, `
		SELECT id, user_id, recipient, phone, line1, city, postal_code, country
		FROM addresses WHERE id=$1 AND user_id=$2`, addressID, userID).
		Scan(&a.ID, &a.UserID, &a.Recipient, &a.Phone, &a.Line1, &a.City, &a.PostalCode, &a.Country)
	if errors.Is(err, pgx.ErrNoRows) {
		return Address{}, ErrAddressNotFound
	}
	return a, err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
