package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// Notifier delivers one notification for a new order.
type Notifier interface {
	Notify(ctx context.Context, p orders.NewOrderReceivedPayload) error
}

// LogNotifier stands in for email/SMS delivery.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, p orders.NewOrderReceivedPayload) error {
	n.Log.Info("new order notification",
		"order_id", p.OrderID,
		"checkout_name", p.CheckoutName,
		"phone_number", p.PhoneNumber,
		"payment_method", p.PaymentMethod,
		"total", orders.Money(p.TotalAmount),
		"lines", len(p.Lines),
	)
	return nil
}

// Dedup claims an order id once. redisx.Dedup is the shared implementation.
//
// A claim is provisional until Confirm. Implementations let an unconfirmed claim lapse after a
// short while, so a consumer that crashes between Claim and a successful notification does not
// suppress the notification for the full dedup window.
type Dedup interface {
	Claim(ctx context.Context, orderID string) (bool, error)
	Confirm(ctx context.Context, orderID string) error
	Forget(ctx context.Context, orderID string) error
}

// MemoryDedup is the single-process Dedup.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: map[string]struct{}{}}
}

func (d *MemoryDedup) Claim(_ context.Context, orderID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[orderID]; ok {
		return false, nil
	}
	d.seen[orderID] = struct{}{}
	return true, nil
}

// Confirm is a no-op; a process crash clears the set anyway.
func (d *MemoryDedup) Confirm(context.Context, string) error { return nil }

func (d *MemoryDedup) Forget(_ context.Context, orderID string) error {
	d.mu.Lock()
	delete(d.seen, orderID)
	d.mu.Unlock()
	return nil
}
