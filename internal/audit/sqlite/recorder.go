// Package sqlite stores the audit trail in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ariefcatur/shop-payments/internal/audit"
	"github.com/ariefcatur/shop-payments/internal/payment"
)

// append-only
const schema = `
CREATE TABLE IF NOT EXISTS payment_audit (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id    TEXT NOT NULL,
    gateway     TEXT NOT NULL DEFAULT '',
    source      TEXT NOT NULL DEFAULT '',
    event       TEXT NOT NULL,
    from_status TEXT NOT NULL DEFAULT '',
    to_status   TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    trace_id    TEXT NOT NULL DEFAULT '',
    at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_audit_order ON payment_audit(order_id, at);
`

const timeLayout = "2006-01-02T15:04:05.999999999Z"

type Recorder struct {
	db *sql.DB
}

var _ audit.Recorder = (*Recorder)(nil)

// Open opens or creates the database at path in WAL mode.
func Open(path string) (*Recorder, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Close() error { return r.db.Close() }

func (r *Recorder) Record(ctx context.Context, e audit.Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_audit (order_id, gateway, source, event, from_status, to_status, detail, trace_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OrderID, string(e.Gateway), e.Source, string(e.Event),
		string(e.FromStatus), string(e.ToStatus), e.Detail, e.TraceID,
		e.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record %s for %q: %w", e.Event, e.OrderID, err)
	}
	return nil
}

func (r *Recorder) ListByOrder(ctx context.Context, orderID string) ([]audit.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, gateway, source, event, from_status, to_status, detail, trace_id, at
		FROM   payment_audit
		WHERE  order_id = ?
		ORDER  BY at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit for %q: %w", orderID, err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e                      audit.Entry
			gw, ev, from, to, when string
		)
		if err := rows.Scan(&e.OrderID, &gw, &e.Source, &ev, &from, &to, &e.Detail, &e.TraceID, &when); err != nil {
			return nil, err
		}
		e.Gateway = payment.Gateway(gw)
		e.Event = audit.Event(ev)
		e.FromStatus = payment.Status(from)
		e.ToStatus = payment.Status(to)
		e.At, err = time.Parse(timeLayout, when)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse audit time %q: %w", when, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
