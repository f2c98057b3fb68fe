package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sellable_units (
	id             TEXT PRIMARY KEY,
	product_id     TEXT NOT NULL,
	variant_key    TEXT NOT NULL DEFAULT '',
	sku            TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	unit_price     NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0),
	stock_quantity INT NOT NULL CHECK (stock_quantity >= 0),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at     TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_sellable_units_product_variant
	ON sellable_units(product_id, variant_key) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	people_id      TEXT,
	checkout_name  TEXT NOT NULL,
	phone_number   TEXT NOT NULL,
	qobilah        TEXT NOT NULL DEFAULT '',
	payment_method TEXT NOT NULL,
	status         TEXT NOT NULL CHECK (status IN ('new','paid','processed','ready_pickup','completed','cancelled')),
	total_amount   NUMERIC(14,2) NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at DESC);

CREATE TABLE IF NOT EXISTS order_lines (
	id                  TEXT PRIMARY KEY,
	order_id            TEXT NOT NULL REFERENCES orders(id),
	position            INT NOT NULL,
	sellable_unit_id    TEXT NOT NULL REFERENCES sellable_units(id),
	product_id          TEXT NOT NULL,
	sku                 TEXT NOT NULL,
	variant_key         TEXT NOT NULL DEFAULT '',
	quantity            INT NOT NULL CHECK (quantity >= 1),
	unit_price_at_order NUMERIC(12,2) NOT NULL,
	line_total          NUMERIC(14,2) NOT NULL,
	recipient_name      TEXT NOT NULL,
	recipient_phone     TEXT,
	recipient_qobilah   TEXT,
	reservation_id      TEXT,
	deleted_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_order_lines_order ON order_lines(order_id);
CREATE INDEX IF NOT EXISTS idx_order_lines_unit ON order_lines(sellable_unit_id);

CREATE TABLE IF NOT EXISTS reservations (
	id               TEXT PRIMARY KEY,
	sellable_unit_id TEXT NOT NULL REFERENCES sellable_units(id),
	order_id         TEXT NOT NULL,
	quantity         INT NOT NULL CHECK (quantity >= 1),
	status           TEXT NOT NULL CHECK (status IN ('reserved','released','committed')),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reservations_order ON reservations(order_id);
CREATE INDEX IF NOT EXISTS idx_reservations_reserved ON reservations(created_at) WHERE status = 'reserved';
`

// Migrate applies the schema; every statement is idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
