package checkout

import (
	"context"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
)

// Janitor releases reservations left behind by attempts that died between reserve and persist
// (process crash, failed compensating release). It goes through the ledger like everything else.
//
// Grace must be longer than the longest checkout attempt, or an in-flight attempt could lose its stock.
type Janitor struct {
	Ledger   ledger.Ledger
	Orders   OrderStore
	Interval time.Duration
	Grace    time.Duration
	Log      *slog.Logger
	Metrics  *metrics.Metrics // optional
	Now      func() time.Time
}

func (j *Janitor) Run(ctx context.Context) error {
	t := time.NewTicker(j.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			j.Log.Info("janitor stopping")
			return nil
		case <-t.C:
			n, err := j.Sweep(ctx)
			if err != nil {
				j.Log.Error("janitor sweep error", "err", err)
				continue
			}
			if n > 0 {
				j.Log.Info("janitor released orphaned reservations", "count", n)
			}
		}
	}
}

// Sweep releases every stale reservation whose order was never persisted and returns how many it released.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}
	stale, err := j.Ledger.StaleReservations(ctx, now.Add(-j.Grace))
	if err != nil {
		return 0, err
	}

	released := 0
	for _, r := range stale {
		exists, err := j.Orders.Exists(ctx, r.OrderID)
		if err != nil {
			return released, err
		}
		if exists {
			continue
		}
		if err := j.Ledger.Release(ctx, r.ID); err != nil {
			j.Log.Warn("janitor release failed", "reservation_id", r.ID, "order_id", r.OrderID, "err", err)
			continue
		}
		released++
		if j.Metrics != nil {
			j.Metrics.JanitorReleased.Inc()
		}
	}
	return released, nil
}
