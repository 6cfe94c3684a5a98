package payment

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ShipmentRepo struct{ DB *pgxpool.Pool }

func (r *ShipmentRepo) CreateShipment(ctx context.Context, s Shipment) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO shipments(order_id, courier, service, cost_cents, address_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id) DO NOTHING`,
		s.OrderID, s.Courier, s.Service, s.CostCents, s.AddressID)
	return err
}

func (r *ShipmentRepo) GetShipment(ctx context.Context, orderID string) (*Shipment, error) {
	var s Shipment
	err := r.DB.QueryRow(ctx, `
		SELECT order_id, courier, service, cost_cents, address_id, created_at
		FROM shipments WHERE order_id=$1`, orderID).
		Scan(&s.OrderID, &s.Courier, &s.Service, &s.CostCents, &s.AddressID, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *ShipmentRepo) CreateShipped(ctx context.Context, s Shipped) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		INSERT INTO shipped(order_id, courier, tracking_number, status)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (order_id) DO NOTHING`,
		s.OrderID, s.Courier, s.TrackingNumber, s.Status)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *ShipmentRepo) GetShipped(ctx context.Context, orderID string) (*Shipped, error) {
	var s Shipped
	err := r.DB.QueryRow(ctx, `
		SELECT order_id, courier, tracking_number, status, created_at
		FROM shipped WHERE order_id=$1`, orderID).
		Scan(&s.OrderID, &s.Courier, &s.TrackingNumber, &s.Status, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
