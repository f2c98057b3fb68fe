// Package ledger owns stock_quantity of sellable units. Every decrement goes through Reserve and every
// increment after a checkout goes through Release; nothing else writes stock for an order.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/shopspring/decimal"
)

// Ledger is the reservation side of the store.
type Ledger interface {
	// Reserve atomically checks and decrements stock of one unit. On failure nothing changes.
	Reserve(ctx context.Context, orderID, unitID string, qty int) (orders.Reservation, error)
	// Release gives the reserved quantity back. Releasing twice is a no-op.
	Release(ctx context.Context, reservationID string) error
	// Commit makes a reservation permanent. Committing twice is a no-op.
	Commit(ctx context.Context, reservationID string) error
	ReservationsForOrder(ctx context.Context, orderID string) ([]orders.Reservation, error)
	// StaleReservations lists reservations still in reserved state created before the given time.
	// Implementations may include reservations whose order exists; callers check.
	StaleReservations(ctx context.Context, before time.Time) ([]orders.Reservation, error)
}

// Catalog is the read/maintenance side of the same store.
type Catalog interface {
	Resolve(ctx context.Context, productID string, variantIDs []string) (orders.SellableUnit, error)
	Get(ctx context.Context, unitID string) (orders.SellableUnit, error)
	List(ctx context.Context) ([]orders.SellableUnit, error)
	Upsert(ctx context.Context, u orders.SellableUnit) (orders.SellableUnit, error)
	SetPrice(ctx context.Context, unitID string, price decimal.Decimal) error
	Delete(ctx context.Context, unitID string) error
}

type Options struct {
	LockTimeout time.Duration // max wait for a unit's lock
	Attempts    int           // reserve attempts on transient lock failures
	Backoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 2 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 20 * time.Millisecond
	}
	return o
}

func validateQty(qty int) error {
	if qty < 1 {
		ve := orders.NewValidationError()
		ve.Add("quantity", "must be at least 1")
		return ve
	}
	return nil
}

func validateUnit(u orders.SellableUnit) error {
	ve := orders.NewValidationError()
	if u.ProductID == "" {
		ve.Add("product_id", "required")
	}
	if u.SKU == "" {
		ve.Add("sku", "required")
	}
	if u.StockQuantity < 0 {
		ve.Add("stock_quantity", "must not be negative")
	}
	if u.UnitPrice.IsNegative() {
		ve.Add("unit_price", "must not be negative")
	}
	if ve.Empty() {
		return nil
	}
	return ve
}

// idTaken rejects a client-supplied unit id that already names a different sellable unit.
func idTaken(unitID string) error {
	ve := orders.NewValidationError()
	ve.Add("id", fmt.Sprintf("%s already belongs to another sellable unit", unitID))
	return ve
}

func unitNotFound(unitID string) error {
	return fmt.Errorf("%w: %s", orders.ErrUnitNotFound, unitID)
}

var (
	_ Ledger  = (*Postgres)(nil)
	_ Catalog = (*Postgres)(nil)
	_ Ledger  = (*Memory)(nil)
	_ Catalog = (*Memory)(nil)
)
