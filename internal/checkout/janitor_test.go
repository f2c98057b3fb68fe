package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitorReleasesOrphansOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.unit(t, "a", "10", 10)

	o, err := f.svc.Checkout(ctx, request(item("a", 2)))
	require.NoError(t, err)

	// a crashed attempt: reserved, never persisted
	_, err = f.ledger.Reserve(ctx, "order-that-never-landed", u.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, f.stock(t, u.ID))

	j := &Janitor{
		Ledger:  f.ledger,
		Orders:  f.store,
		Grace:   time.Minute,
		Log:     f.svc.Log,
		Metrics: f.metrics,
		Now:     func() time.Time { return time.Now().Add(2 * time.Minute) },
	}
	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 8, f.stock(t, u.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JanitorReleased))

	rs, err := f.ledger.ReservationsForOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "reserved", string(rs[0].Status))

	n, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJanitorRespectsGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.unit(t, "a", "10", 10)
	_, err := f.ledger.Reserve(ctx, "in-flight", u.ID, 4)
	require.NoError(t, err)

	j := &Janitor{Ledger: f.ledger, Orders: f.store, Grace: time.Hour, Log: f.svc.Log}
	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 6, f.stock(t, u.ID))
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{Ledger: f.ledger, Orders: f.store, Interval: 5 * time.Millisecond, Grace: time.Minute, Log: f.svc.Log}

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
