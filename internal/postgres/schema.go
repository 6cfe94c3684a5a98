package postgres

const schema = `
CREATE TABLE IF NOT EXISTS products (
    id             TEXT PRIMARY KEY,
    name           TEXT        NOT NULL,
    price_cents    BIGINT      NOT NULL CHECK (price_cents >= 0),
    stock          INTEGER     NOT NULL DEFAULT 0,
    reserved_stock INTEGER     NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT products_reserved_within_stock CHECK (reserved_stock >= 0 AND reserved_stock <= stock)
);

CREATE TABLE IF NOT EXISTS users (
    id    TEXT PRIMARY KEY,
    name  TEXT NOT NULL,
    email TEXT NOT NULL,
    phone TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS addresses (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL REFERENCES users(id),
    recipient   TEXT NOT NULL,
    phone       TEXT NOT NULL DEFAULT '',
    line1       TEXT NOT NULL,
    city        TEXT NOT NULL,
    postal_code TEXT NOT NULL,
    country     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
    order_id          TEXT PRIMARY KEY,
    user_id           TEXT        NOT NULL,
    amount_cents      BIGINT      NOT NULL,
    admin_fee_cents   BIGINT      NOT NULL DEFAULT 0,
    shipping_cents    BIGINT      NOT NULL DEFAULT 0,
    total_cents       BIGINT      NOT NULL,
    status            TEXT        NOT NULL,
    payment_method    TEXT        NOT NULL,
    gateway           TEXT        NOT NULL,
    transaction_id    TEXT        NOT NULL DEFAULT '',
    provider_response JSONB,
    redirect_url      TEXT        NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    paid_at           TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_payments_pending ON payments(created_at) WHERE status = 'PENDING';

CREATE TABLE IF NOT EXISTS payment_items (
    order_id    TEXT    NOT NULL REFERENCES payments(order_id) ON DELETE CASCADE,
    position    INTEGER NOT NULL,
    product_id  TEXT    NOT NULL REFERENCES products(id),
    name        TEXT    NOT NULL,
    qty         INTEGER NOT NULL CHECK (qty > 0),
    price_cents BIGINT  NOT NULL,
    PRIMARY KEY (order_id, position)
);

CREATE TABLE IF NOT EXISTS reservations (
    order_id   TEXT        NOT NULL,
    product_id TEXT        NOT NULL REFERENCES products(id),
    qty        INTEGER     NOT NULL CHECK (qty > 0),
    status     TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (order_id, product_id)
);

CREATE TABLE IF NOT EXISTS shipments (
    order_id   TEXT PRIMARY KEY REFERENCES payments(order_id) ON DELETE CASCADE,
    courier    TEXT        NOT NULL,
    service    TEXT        NOT NULL,
    cost_cents BIGINT      NOT NULL,
    address_id TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shipped (
    order_id        TEXT PRIMARY KEY REFERENCES payments(order_id),
    courier         TEXT        NOT NULL,
    tracking_number TEXT        NOT NULL DEFAULT '',
    status          TEXT        NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
