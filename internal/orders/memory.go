package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process order store used by STORE=memory and tests.
type MemStore struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewMemStore() *MemStore {
	return &MemStore{orders: map[string]Order{}}
}

func (m *MemStore) Create(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return Order{}, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemStore) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.orders[id]
	return ok, nil
}

func (m *MemStore) List(_ context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if o.DeletedAt != nil {
			continue
		}
		h := o
		h.Lines = nil
		out = append(out, h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) UpdateStatus(_ context.Context, id string, to Status) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return "", ErrOrderNotFound
	}
	from := o.Status
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return from, nil
}

func (m *MemStore) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.DeletedAt != nil {
		return ErrOrderNotFound
	}
	if !o.Status.Terminal() {
		return fmt.Errorf("%w: cannot delete order in status %s", ErrInvalidTransition, o.Status)
	}
	now := time.Now().UTC()
	o.DeletedAt = &now
	m.orders[id] = o
	return nil
}

func (m *MemStore) SoldQuantity(_ context.Context, unitID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if o.Status == StatusCancelled {
			continue
		}
		for _, l := range o.Lines {
			if l.SellableUnitID == unitID {
				n += l.Quantity
			}
		}
	}
	return n, nil
}

func cloneOrder(o Order) Order {
	c := o
	c.Lines = make([]OrderLine, len(o.Lines))
	for i, l := range o.Lines {
		l.VariantIDs = append([]string(nil), l.VariantIDs...)
		c.Lines[i] = l
	}
	return c
}
