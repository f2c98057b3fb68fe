package checkout

import (
	"context"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// OrderStore is implemented by orders.Repo (Postgres) and orders.MemStore.
type OrderStore interface {
	// Create persists header and lines atomically.
	Create(ctx context.Context, o orders.Order) error
	Get(ctx context.Context, id string) (orders.Order, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, limit int) ([]orders.Order, error)
	UpdateStatus(ctx context.Context, id string, to orders.Status) (from orders.Status, err error)
	SoftDelete(ctx context.Context, id string) error
}

// Publisher hands an immutable event to the bus. Delivery is at-least-once; consumers dedupe by order id.
type Publisher interface {
	Publish(ctx context.Context, ev orders.Envelope) error
}

var (
	_ OrderStore = (*orders.Repo)(nil)
	_ OrderStore = (*orders.MemStore)(nil)
)
