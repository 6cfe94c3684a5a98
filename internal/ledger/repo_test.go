package ledger_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/ledger/ledgertest"
	"github.com/ariefcatur/shop-payments/internal/postgres"
)

type pgHarness struct{ db *pgxpool.Pool }

func (h pgHarness) Ledger() ledger.Ledger { return &ledger.Postgres{DB: h.db} }

func (h pgHarness) SeedProduct(t *testing.T, id string, stock int) {
	_, err := h.db.Exec(context.Background(), `
		INSERT INTO products(id, name, price_cents, stock) VALUES ($1,$1,1000,$2)`, id, stock)
	require.NoError(t, err)
}

func (h pgHarness) Counters(t *testing.T, id string) (int, int) {
	var stock, reserved int
	err := h.db.QueryRow(context.Background(),
		`SELECT stock, reserved_stock FROM products WHERE id=$1`, id).Scan(&stock, &reserved)
	require.NoError(t, err)
	return stock, reserved
}

func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, postgres.Migrate(ctx, db))

	ledgertest.Run(t, func(t *testing.T) ledgertest.Harness {
		_, err := db.Exec(ctx, `TRUNCATE shipped, shipments, payment_items, payments, reservations, products CASCADE`)
		require.NoError(t, err)
		return pgHarness{db}
	})
}
