package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres keeps units and reservations in Postgres. Reserve locks the single unit row
// (SELECT ... FOR UPDATE) for the read-check-decrement and nothing else.
type Postgres struct {
	DB   *pgxpool.Pool
	opts Options
}

func NewPostgres(db *pgxpool.Pool, opts Options) *Postgres {
	return &Postgres{DB: db, opts: opts.withDefaults()}
}

func (l *Postgres) Reserve(ctx context.Context, orderID, unitID string, qty int) (orders.Reservation, error) {
	if err := validateQty(qty); err != nil {
		return orders.Reservation{}, err
	}
	var res orders.Reservation
	err := l.retry(ctx, func() error {
		var err error
		res, err = l.reserveOnce(ctx, orderID, unitID, qty)
		return err
	})
	return res, err
}

func (l *Postgres) reserveOnce(ctx context.Context, orderID, unitID string, qty int) (orders.Reservation, error) {
	tx, err := l.begin(ctx)
	if err != nil {
		return orders.Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stock int
	err = tx.QueryRow(ctx, `SELECT stock_quantity FROM sellable_units WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, unitID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Reservation{}, unitNotFound(unitID)
	}
	if err != nil {
		return orders.Reservation{}, err
	}
	if stock < qty {
		return orders.Reservation{}, &orders.InsufficientStockError{UnitID: unitID, Line: -1, Requested: qty, Available: stock}
	}

	ct, err := tx.Exec(ctx, `UPDATE sellable_units SET stock_quantity = stock_quantity - $2, updated_at = now() WHERE id=$1`, unitID, qty)
	if err != nil {
		return orders.Reservation{}, err
	}
	if ct.RowsAffected() != 1 {
		return orders.Reservation{}, unitNotFound(unitID)
	}

	now := time.Now().UTC()
	res := orders.Reservation{
		ID:             uuid.NewString(),
		SellableUnitID: unitID,
		OrderID:        orderID,
		Quantity:       qty,
		Status:         orders.ReservationReserved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations(id, sellable_unit_id, order_id, quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'reserved', $5, $5)`,
		res.ID, res.SellableUnitID, res.OrderID, res.Quantity, now); err != nil {
		return orders.Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return orders.Reservation{}, err
	}
	return res, nil
}

func (l *Postgres) Release(ctx context.Context, reservationID string) error {
	return l.retry(ctx, func() error {
		tx, err := l.begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		unitID, qty, status, err := lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch status {
		case orders.ReservationReleased:
			return nil
		case orders.ReservationCommitted:
			return fmt.Errorf("%w: %s is committed", orders.ErrReservationClosed, reservationID)
		}

		// soft-deleted units still take their stock back
		if _, err := tx.Exec(ctx, `UPDATE sellable_units SET stock_quantity = stock_quantity + $2, updated_at = now() WHERE id=$1`, unitID, qty); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE reservations SET status='released', updated_at=now() WHERE id=$1`, reservationID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (l *Postgres) Commit(ctx context.Context, reservationID string) error {
	return l.retry(ctx, func() error {
		tx, err := l.begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, _, status, err := lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch status {
		case orders.ReservationCommitted:
			return nil
		case orders.ReservationReleased:
			return fmt.Errorf("%w: %s is released", orders.ErrReservationClosed, reservationID)
		}
		if _, err := tx.Exec(ctx, `UPDATE reservations SET status='committed', updated_at=now() WHERE id=$1`, reservationID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (l *Postgres) ReservationsForOrder(ctx context.Context, orderID string) ([]orders.Reservation, error) {
	return l.queryReservations(ctx, `WHERE order_id=$1 ORDER BY created_at`, orderID)
}

// StaleReservations only returns reservations whose order row does not exist.
func (l *Postgres) StaleReservations(ctx context.Context, before time.Time) ([]orders.Reservation, error) {
	return l.queryReservations(ctx, `
		WHERE r.status='reserved' AND r.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.id = r.order_id)
		ORDER BY r.created_at LIMIT 500`, before)
}

func (l *Postgres) queryReservations(ctx context.Context, where string, args ...any) ([]orders.Reservation, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT r.id, r.sellable_unit_id, r.order_id, r.quantity, r.status, r.created_at, r.updated_at
		FROM reservations r `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Reservation
	for rows.Next() {
		var (
			r  orders.Reservation
			st string
		)
		if err := rows.Scan(&r.ID, &r.SellableUnitID, &r.OrderID, &r.Quantity, &st, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = orders.ReservationStatus(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- catalog ----

func (l *Postgres) Resolve(ctx context.Context, productID string, variantIDs []string) (orders.SellableUnit, error) {
	u, err := scanUnit(l.DB.QueryRow(ctx, selectUnit+` WHERE product_id=$1 AND variant_key=$2 AND deleted_at IS NULL`,
		productID, orders.VariantKey(variantIDs)))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.SellableUnit{}, fmt.Errorf("%w: product %s variants [%s]", orders.ErrUnitNotFound, productID, orders.VariantKey(variantIDs))
	}
	return u, err
}

func (l *Postgres) Get(ctx context.Context, unitID string) (orders.SellableUnit, error) {
	u, err := scanUnit(l.DB.QueryRow(ctx, selectUnit+` WHERE id=$1 AND deleted_at IS NULL`, unitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.SellableUnit{}, unitNotFound(unitID)
	}
	return u, err
}

func (l *Postgres) List(ctx context.Context) ([]orders.SellableUnit, error) {
	rows, err := l.DB.Query(ctx, selectUnit+` WHERE deleted_at IS NULL ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.SellableUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Upsert creates a unit or, for an existing (product, variants) pair, overwrites sku, name, price and stock.
// An id that already names another unit is rejected with a validation error.
func (l *Postgres) Upsert(ctx context.Context, u orders.SellableUnit) (orders.SellableUnit, error) {
	if err := validateUnit(u); err != nil {
		return orders.SellableUnit{}, err
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	key := orders.VariantKey(u.VariantIDs)
	u.VariantIDs = orders.SplitVariantKey(key)

	var product, curKey string
	err := l.DB.QueryRow(ctx, `SELECT product_id, variant_key FROM sellable_units WHERE id=$1`, u.ID).Scan(&product, &curKey)
	switch {
	case err == nil && (product != u.ProductID || curKey != key):
		return orders.SellableUnit{}, idTaken(u.ID)
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return orders.SellableUnit{}, err
	}

	err = l.DB.QueryRow(ctx, `
		INSERT INTO sellable_units(id, product_id, variant_key, sku, name, unit_price, stock_quantity)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7)
		ON CONFLICT (product_id, variant_key) WHERE deleted_at IS NULL
		DO UPDATE SET sku=EXCLUDED.sku, name=EXCLUDED.name, unit_price=EXCLUDED.unit_price,
		              stock_quantity=EXCLUDED.stock_quantity, updated_at=now()
		RETURNING id, created_at, updated_at`,
		u.ID, u.ProductID, key, u.SKU, u.Name, orders.Money(u.UnitPrice), u.StockQuantity,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "sellable_units_pkey" {
		// the id is held by a deleted unit, or was taken since the check above
		return orders.SellableUnit{}, idTaken(u.ID)
	}
	if err != nil {
		return orders.SellableUnit{}, err
	}
	return u, nil
}

func (l *Postgres) SetPrice(ctx context.Context, unitID string, price decimal.Decimal) error {
	if price.IsNegative() {
		ve := orders.NewValidationError()
		ve.Add("unit_price", "must not be negative")
		return ve
	}
	ct, err := l.DB.Exec(ctx, `UPDATE sellable_units SET unit_price=$2::text::numeric, updated_at=now() WHERE id=$1 AND deleted_at IS NULL`,
		unitID, orders.Money(price))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return unitNotFound(unitID)
	}
	return nil
}

func (l *Postgres) Delete(ctx context.Context, unitID string) error {
	ct, err := l.DB.Exec(ctx, `UPDATE sellable_units SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL`, unitID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return unitNotFound(unitID)
	}
	return nil
}

// ---- helpers ----

func (l *Postgres) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	timeout := fmt.Sprintf("%dms", l.opts.LockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}

// retry re-runs fn on lock timeouts, deadlocks and serialization failures, then gives up with ErrConflict.
func (l *Postgres) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= l.opts.Attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", orders.ErrConflict, err)
		}
		if !isTransient(err) {
			return err
		}
		if attempt == l.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", orders.ErrConflict, ctx.Err())
		case <-time.After(l.opts.Backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", orders.ErrConflict, err)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "55P03", // lock_not_available
		"40P01", // deadlock_detected
		"40001": // serialization_failure
		return true
	}
	return false
}

func lockReservation(ctx context.Context, tx pgx.Tx, id string) (unitID string, qty int, status orders.ReservationStatus, err error) {
	var st string
	err = tx.QueryRow(ctx, `SELECT sellable_unit_id, quantity, status FROM reservations WHERE id=$1 FOR UPDATE`, id).
		Scan(&unitID, &qty, &st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, "", fmt.Errorf("%w: %s", orders.ErrReservationNotFound, id)
	}
	return unitID, qty, orders.ReservationStatus(st), err
}

const selectUnit = `
	SELECT id, product_id, variant_key, sku, name, unit_price::text, stock_quantity, created_at, updated_at
	FROM sellable_units`

func scanUnit(row pgx.Row) (orders.SellableUnit, error) {
	var (
		u          orders.SellableUnit
		key, price string
	)
	if err := row.Scan(&u.ID, &u.ProductID, &key, &u.SKU, &u.Name, &price, &u.StockQuantity, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return orders.SellableUnit{}, err
	}
	u.VariantIDs = orders.SplitVariantKey(key)
	p, err := decimal.NewFromString(price)
	if err != nil {
		return orders.SellableUnit{}, err
	}
	u.UnitPrice = p
	return u, nil
}
