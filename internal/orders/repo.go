package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repo persists orders and their lines in Postgres.
type Repo struct{ DB *pgxpool.Pool }

// Create inserts the order header and every line in one transaction: all rows or none.
func (r *Repo) Create(ctx context.Context, o Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, people_id, checkout_name, phone_number, qobilah, payment_method,
		                   status, total_amount, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8::text::numeric, $9, $9)`,
		o.ID, o.PeopleID, o.CheckoutName, o.PhoneNumber, o.Qobilah, string(o.PaymentMethod),
		string(o.Status), Money(o.TotalAmount), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, l := range o.Lines {
		batch.Queue(`
			INSERT INTO order_lines(id, order_id, position, sellable_unit_id, product_id, sku, variant_key, quantity,
			                        unit_price_at_order, line_total, recipient_name, recipient_phone,
			                        recipient_qobilah, reservation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10::text::numeric, $11,
			        NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''))`,
			l.ID, o.ID, i, l.SellableUnitID, l.ProductID, l.SKU, VariantKey(l.VariantIDs), l.Quantity,
			Money(l.UnitPriceAtOrder), Money(l.LineTotal), l.RecipientName, l.RecipientPhone,
			l.RecipientQobilah, l.ReservationID,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order lines: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Repo) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, selectOrder+` WHERE id=$1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Lines, err = r.lines(ctx, id)
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

// Exists reports whether an order row was ever persisted, soft-deleted rows included.
func (r *Repo) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&ok)
	return ok, err
}

// List returns order headers, newest first. Lines are not loaded.
func (r *Repo) List(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.Query(ctx, selectOrder+` WHERE deleted_at IS NULL ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus moves an order along the status machine; the row is locked for the check.
func (r *Repo) UpdateStatus(ctx context.Context, id string, to Status) (Status, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var s string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", err
	}
	from := Status(s)
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, id, string(to)); err != nil {
		return from, err
	}
	return from, tx.Commit(ctx)
}

// SoftDelete marks a terminal order and its lines deleted.
func (r *Repo) SoftDelete(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var s string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if !Status(s).Terminal() {
		return fmt.Errorf("%w: cannot delete order in status %s", ErrInvalidTransition, s)
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET deleted_at=now() WHERE id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE order_lines SET deleted_at=now() WHERE order_id=$1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SoldQuantity sums line quantities of persisted, non-cancelled orders for one unit.
func (r *Repo) SoldQuantity(ctx context.Context, unitID string) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(l.quantity), 0)
		FROM order_lines l JOIN orders o ON o.id = l.order_id
		WHERE l.sellable_unit_id=$1 AND o.status <> 'cancelled'`, unitID).Scan(&n)
	return n, err
}

func (r *Repo) lines(ctx context.Context, orderID string) ([]OrderLine, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, sellable_unit_id, product_id, sku, variant_key, quantity,
		       unit_price_at_order::text, line_total::text, recipient_name,
		       COALESCE(recipient_phone, ''), COALESCE(recipient_qobilah, ''), COALESCE(reservation_id, '')
		FROM order_lines WHERE order_id=$1 AND deleted_at IS NULL ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderLine
	for rows.Next() {
		var (
			l            OrderLine
			variantKey   string
			price, total string
		)
		if err := rows.Scan(&l.ID, &l.OrderID, &l.SellableUnitID, &l.ProductID, &l.SKU, &variantKey, &l.Quantity,
			&price, &total, &l.RecipientName, &l.RecipientPhone, &l.RecipientQobilah, &l.ReservationID); err != nil {
			return nil, err
		}
		l.VariantIDs = SplitVariantKey(variantKey)
		if l.UnitPriceAtOrder, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if l.LineTotal, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const selectOrder = `
	SELECT id, COALESCE(people_id, ''), checkout_name, phone_number, qobilah, payment_method, status,
	       total_amount::text, created_at, updated_at, deleted_at
	FROM orders`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o             Order
		pm, st, total string
		deleted       *time.Time
	)
	if err := row.Scan(&o.ID, &o.PeopleID, &o.CheckoutName, &o.PhoneNumber, &o.Qobilah, &pm, &st,
		&total, &o.CreatedAt, &o.UpdatedAt, &deleted); err != nil {
		return Order{}, err
	}
	o.PaymentMethod = PaymentMethod(pm)
	o.Status = Status(st)
	o.DeletedAt = deleted
	amt, err := decimal.NewFromString(total)
	if err != nil {
		return Order{}, err
	}
	o.TotalAmount = amt
	return o, nil
}

// Money renders an amount the way it is stored: two decimal places.
func Money(d decimal.Decimal) string { return d.StringFixed(2) }
