package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is the in-process ledger. Each unit has its own lock (a 1-slot channel) so reservations
// on unrelated units never contend, and acquiring it gives up after Options.LockTimeout.
type Memory struct {
	opts Options

	mu           sync.Mutex // guards the maps and the unit/reservation values
	units        map[string]*memUnit
	byKey        map[string]string // product_id|variant_key -> unit id
	reservations map[string]orders.Reservation
}

type memUnit struct {
	lock chan struct{}
	unit orders.SellableUnit
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:         opts.withDefaults(),
		units:        map[string]*memUnit{},
		byKey:        map[string]string{},
		reservations: map[string]orders.Reservation{},
	}
}

func (m *Memory) Reserve(ctx context.Context, orderID, unitID string, qty int) (orders.Reservation, error) {
	if err := validateQty(qty); err != nil {
		return orders.Reservation{}, err
	}
	mu, err := m.lookup(unitID, false)
	if err != nil {
		return orders.Reservation{}, err
	}
	unlock, err := m.acquire(ctx, mu)
	if err != nil {
		return orders.Reservation{}, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if mu.unit.DeletedAt != nil {
		return orders.Reservation{}, unitNotFound(unitID)
	}
	if mu.unit.StockQuantity < qty {
		return orders.Reservation{}, &orders.InsufficientStockError{UnitID: unitID, Line: -1, Requested: qty, Available: mu.unit.StockQuantity}
	}
	now := time.Now().UTC()
	mu.unit.StockQuantity -= qty
	mu.unit.UpdatedAt = now
	res := orders.Reservation{
		ID:             uuid.NewString(),
		SellableUnitID: unitID,
		OrderID:        orderID,
		Quantity:       qty,
		Status:         orders.ReservationReserved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.reservations[res.ID] = res
	return res, nil
}

func (m *Memory) Release(ctx context.Context, reservationID string) error {
	return m.close(ctx, reservationID, orders.ReservationReleased)
}

func (m *Memory) Commit(ctx context.Context, reservationID string) error {
	return m.close(ctx, reservationID, orders.ReservationCommitted)
}

func (m *Memory) close(ctx context.Context, reservationID string, to orders.ReservationStatus) error {
	m.mu.Lock()
	res, ok := m.reservations[reservationID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrReservationNotFound, reservationID)
	}
	mu, err := m.lookup(res.SellableUnitID, true)
	if err != nil {
		return err
	}
	unlock, err := m.acquire(ctx, mu)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	res = m.reservations[reservationID]
	switch res.Status {
	case to:
		return nil
	case orders.ReservationReleased, orders.ReservationCommitted:
		return fmt.Errorf("%w: %s is %s", orders.ErrReservationClosed, reservationID, res.Status)
	}
	now := time.Now().UTC()
	if to == orders.ReservationReleased {
		mu.unit.StockQuantity += res.Quantity
		mu.unit.UpdatedAt = now
	}
	res.Status = to
	res.UpdatedAt = now
	m.reservations[reservationID] = res
	return nil
}

func (m *Memory) ReservationsForOrder(_ context.Context, orderID string) ([]orders.Reservation, error) {
	return m.filter(func(r orders.Reservation) bool { return r.OrderID == orderID }), nil
}

func (m *Memory) StaleReservations(_ context.Context, before time.Time) ([]orders.Reservation, error) {
	return m.filter(func(r orders.Reservation) bool {
		return r.Status == orders.ReservationReserved && r.CreatedAt.Before(before)
	}), nil
}

func (m *Memory) filter(keep func(orders.Reservation) bool) []orders.Reservation {
	m.mu.Lock()
	var out []orders.Reservation
	for _, r := range m.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ---- catalog ----

func (m *Memory) Resolve(_ context.Context, productID string, variantIDs []string) (orders.SellableUnit, error) {
	key := orders.VariantKey(variantIDs)
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[productID+"|"+key]
	if !ok {
		return orders.SellableUnit{}, fmt.Errorf("%w: product %s variants [%s]", orders.ErrUnitNotFound, productID, key)
	}
	return copyUnit(m.units[id].unit), nil
}

func (m *Memory) Get(_ context.Context, unitID string) (orders.SellableUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.units[unitID]
	if !ok || mu.unit.DeletedAt != nil {
		return orders.SellableUnit{}, unitNotFound(unitID)
	}
	return copyUnit(mu.unit), nil
}

func (m *Memory) List(_ context.Context) ([]orders.SellableUnit, error) {
	m.mu.Lock()
	out := make([]orders.SellableUnit, 0, len(m.units))
	for _, mu := range m.units {
		if mu.unit.DeletedAt == nil {
			out = append(out, copyUnit(mu.unit))
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (m *Memory) Upsert(ctx context.Context, u orders.SellableUnit) (orders.SellableUnit, error) {
	if err := validateUnit(u); err != nil {
		return orders.SellableUnit{}, err
	}
	key := orders.VariantKey(u.VariantIDs)
	u.VariantIDs = orders.SplitVariantKey(key)
	now := time.Now().UTC()

	m.mu.Lock()
	id, exists := m.byKey[u.ProductID+"|"+key]
	if _, taken := m.units[u.ID]; u.ID != "" && u.ID != id && taken {
		m.mu.Unlock()
		return orders.SellableUnit{}, idTaken(u.ID)
	}
	if !exists {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		u.CreatedAt, u.UpdatedAt, u.DeletedAt = now, now, nil
		m.units[u.ID] = &memUnit{lock: make(chan struct{}, 1), unit: u}
		m.byKey[u.ProductID+"|"+key] = u.ID
		m.mu.Unlock()
		return copyUnit(u), nil
	}
	mu := m.units[id]
	m.mu.Unlock()

	// restocking an existing unit waits for in-flight reservations like any other writer
	unlock, err := m.acquire(ctx, mu)
	if err != nil {
		return orders.SellableUnit{}, err
	}
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	mu.unit.SKU = u.SKU
	mu.unit.Name = u.Name
	mu.unit.UnitPrice = u.UnitPrice
	mu.unit.StockQuantity = u.StockQuantity
	mu.unit.UpdatedAt = now
	return copyUnit(mu.unit), nil
}

func (m *Memory) SetPrice(_ context.Context, unitID string, price decimal.Decimal) error {
	if price.IsNegative() {
		ve := orders.NewValidationError()
		ve.Add("unit_price", "must not be negative")
		return ve
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.units[unitID]
	if !ok || mu.unit.DeletedAt != nil {
		return unitNotFound(unitID)
	}
	mu.unit.UnitPrice = price
	mu.unit.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Delete(_ context.Context, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.units[unitID]
	if !ok || mu.unit.DeletedAt != nil {
		return unitNotFound(unitID)
	}
	now := time.Now().UTC()
	mu.unit.DeletedAt = &now
	delete(m.byKey, mu.unit.ProductID+"|"+orders.VariantKey(mu.unit.VariantIDs))
	return nil
}

// ---- helpers ----

func (m *Memory) lookup(unitID string, includeDeleted bool) (*memUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.units[unitID]
	if !ok || (!includeDeleted && mu.unit.DeletedAt != nil) {
		return nil, unitNotFound(unitID)
	}
	return mu, nil
}

// acquire takes the unit lock, failing with ErrConflict after the lock timeout.
func (m *Memory) acquire(ctx context.Context, mu *memUnit) (func(), error) {
	t := time.NewTimer(m.opts.LockTimeout)
	defer t.Stop()
	select {
	case mu.lock <- struct{}{}:
		return func() { <-mu.lock }, nil
	case <-t.C:
		return nil, fmt.Errorf("%w: lock timeout on unit %s", orders.ErrConflict, mu.unit.ID)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", orders.ErrConflict, ctx.Err())
	}
}

func copyUnit(u orders.SellableUnit) orders.SellableUnit {
	u.VariantIDs = append([]string(nil), u.VariantIDs...)
	return u
}
