package checkout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type recordingPublisher struct {
	mu   sync.Mutex
	evs  []orders.Envelope
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, ev orders.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.evs = append(p.evs, ev)
	return nil
}

func (p *recordingPublisher) events() []orders.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]orders.Envelope(nil), p.evs...)
}

type failingStore struct {
	*orders.MemStore
	err error
}

func (f *failingStore) Create(context.Context, orders.Order) error { return f.err }

// unreachableStore fails every write and every existence check.
type unreachableStore struct {
	*orders.MemStore
	err error
}

func (s *unreachableStore) Create(context.Context, orders.Order) error { return s.err }

func (s *unreachableStore) Exists(context.Context, string) (bool, error) { return false, s.err }

// lateCommitStore persists the order, then reports err as if the commit acknowledgement was lost.
type lateCommitStore struct {
	*orders.MemStore
	err error
}

func (s *lateCommitStore) Create(ctx context.Context, o orders.Order) error {
	if err := s.MemStore.Create(ctx, o); err != nil {
		return err
	}
	return s.err
}

// orderRecordingLedger remembers the unit order reservations were attempted in.
type orderRecordingLedger struct {
	ledger.Ledger
	mu    sync.Mutex
	units []string
}

func (l *orderRecordingLedger) Reserve(ctx context.Context, orderID, unitID string, qty int) (orders.Reservation, error) {
	l.mu.Lock()
	l.units = append(l.units, unitID)
	l.mu.Unlock()
	return l.Ledger.Reserve(ctx, orderID, unitID, qty)
}

type fixture struct {
	svc     *Service
	ledger  *ledger.Memory
	store   *orders.MemStore
	pub     *recordingPublisher
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.NewMemory(ledger.Options{})
	store := orders.NewMemStore()
	pub := &recordingPublisher{}
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{
		svc: &Service{
			Assembler: &Assembler{Catalog: l},
			Ledger:    l,
			Orders:    store,
			Events:    pub,
			Log:       logging.Discard(),
			Metrics:   m,
			Producer:  "checkout-test",
		},
		ledger:  l,
		store:   store,
		pub:     pub,
		metrics: m,
	}
}

func (f *fixture) unit(t *testing.T, product string, price string, stock int) orders.SellableUnit {
	t.Helper()
	u, err := f.ledger.Upsert(context.Background(), orders.SellableUnit{
		ProductID: product, SKU: "SKU-" + product, Name: product,
		UnitPrice: decimal.RequireFromString(price), StockQuantity: stock,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) stock(t *testing.T, unitID string) int {
	t.Helper()
	u, err := f.ledger.Get(context.Background(), unitID)
	require.NoError(t, err)
	return u.StockQuantity
}

func request(items ...Item) Request {
	return Request{
		CheckoutName:  "Aisyah",
		PhoneNumber:   "08123456789",
		Qobilah:       "Bani Hasyim",
		PaymentMethod: orders.PaymentBankTransfer,
		Items:         items,
	}
}

func item(product string, qty int) Item {
	return Item{ProductID: product, Quantity: qty, RecipientName: "Fatimah"}
}

func TestCheckoutCreatesOrderWithSnapshotPrices(t *testing.T) {
	f := newFixture(t)
	a := f.unit(t, "kurma", "45000.00", 10)
	b := f.unit(t, "madu", "120000.50", 3)

	o, err := f.svc.Checkout(context.Background(), request(item("kurma", 2), item("madu", 1)))
	require.NoError(t, err)

	assert.Equal(t, orders.StatusNew, o.Status)
	require.Len(t, o.Lines, 2)
	assert.Equal(t, "90000.00", orders.Money(o.Lines[0].LineTotal))
	assert.Equal(t, "210000.50", orders.Money(o.TotalAmount))
	for _, l := range o.Lines {
		assert.NotEmpty(t, l.ReservationID)
		assert.Equal(t, o.ID, l.OrderID)
	}
	assert.Equal(t, 8, f.stock(t, a.ID))
	assert.Equal(t, 2, f.stock(t, b.ID))

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.TotalAmount.String(), stored.TotalAmount.String())

	evs := f.pub.events()
	require.Len(t, evs, 1)
	assert.Equal(t, orders.EventNewOrderReceived, evs[0].EventType)
	assert.Equal(t, o.ID, evs[0].CorrelationID)
	p, err := orders.UnwrapPayload[orders.NewOrderReceivedPayload](evs[0].Payload)
	require.NoError(t, err)
	assert.Len(t, p.Lines, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CheckoutOutcomes.WithLabelValues(string(StageCompleted))))
}

func TestCheckoutConcurrentExactlyStockSucceeds(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "kaos", "75000", 5)

	var created, short atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := f.svc.Checkout(context.Background(), request(item("kaos", 1)))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, orders.ErrInsufficientStock):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 5, created.Load())
	assert.EqualValues(t, 5, short.Load())
	assert.Equal(t, 0, f.stock(t, u.ID))

	sold, err := f.store.SoldQuantity(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, sold)

	list, err := f.store.List(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, list, 5)
	for _, o := range list {
		assert.Equal(t, orders.StatusNew, o.Status)
	}
}

func TestCheckoutManyUnitsConcurrentNeverOversells(t *testing.T) {
	f := newFixture(t)
	a := f.unit(t, "a", "10", 7)
	b := f.unit(t, "b", "10", 4)

	var g errgroup.Group
	for i := 0; i < 40; i++ {
		i := i
		g.Go(func() error {
			req := request(item("a", 1), item("b", 1))
			if i%2 == 0 {
				req = request(item("b", 1), item("a", 2))
			}
			_, err := f.svc.Checkout(context.Background(), req)
			if err != nil && !errors.Is(err, orders.ErrInsufficientStock) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	soldA, _ := f.store.SoldQuantity(context.Background(), a.ID)
	soldB, _ := f.store.SoldQuantity(context.Background(), b.ID)
	assert.Equal(t, 7, soldA+f.stock(t, a.ID))
	assert.Equal(t, 4, soldB+f.stock(t, b.ID))
	assert.GreaterOrEqual(t, f.stock(t, a.ID), 0)
	assert.GreaterOrEqual(t, f.stock(t, b.ID), 0)
}

func TestCheckoutOneLineShortRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	a := f.unit(t, "a", "10", 5)
	b := f.unit(t, "b", "10", 1)

	_, err := f.svc.Checkout(context.Background(), request(item("a", 2), item("b", 3)))
	require.Error(t, err)

	var ise *orders.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 1, ise.Line)
	assert.Equal(t, b.ID, ise.UnitID)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StageReservationFailed, cerr.Stage)

	assert.Equal(t, 5, f.stock(t, a.ID))
	assert.Equal(t, 1, f.stock(t, b.ID))
	list, _ := f.store.List(context.Background(), 10)
	assert.Empty(t, list)
	assert.Empty(t, f.pub.events())
}

func TestCheckoutPersistenceFailureRestoresStock(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "a", "10", 5)
	f.svc.Orders = &failingStore{MemStore: f.store, err: errors.New("connection reset")}

	_, err := f.svc.Checkout(context.Background(), request(item("a", 2), item("a", 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, orders.ErrPersistence)
	assert.NotErrorIs(t, err, orders.ErrConflict)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StagePersistenceFailed, cerr.Stage)

	assert.Equal(t, 5, f.stock(t, u.ID))
	rs, _ := f.ledger.StaleReservations(context.Background(), time.Now().Add(time.Hour))
	assert.Empty(t, rs)
	assert.Empty(t, f.pub.events())
}

func TestCheckoutPersistenceTimeoutIsConflict(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "a", "10", 5)
	f.svc.Orders = &failingStore{MemStore: f.store, err: context.DeadlineExceeded}

	_, err := f.svc.Checkout(context.Background(), request(item("a", 1)))
	assert.ErrorIs(t, err, orders.ErrConflict)
	assert.ErrorIs(t, err, orders.ErrPersistence)
}

func TestCheckoutCommittedDespiteTimeoutKeepsStock(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "a", "10", 1)
	f.svc.Orders = &lateCommitStore{MemStore: f.store, err: context.DeadlineExceeded}

	o, err := f.svc.Checkout(context.Background(), request(item("a", 1)))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusNew, o.Status)

	sold, err := f.store.SoldQuantity(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sold)
	assert.Equal(t, 0, f.stock(t, u.ID))
	assert.Len(t, f.pub.events(), 1)

	// the retry the client might send now finds no stock
	_, err = f.svc.Checkout(context.Background(), request(item("a", 1)))
	assert.ErrorIs(t, err, orders.ErrInsufficientStock)
}

func TestCheckoutUnknownCreateOutcomeHoldsStockForJanitor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.unit(t, "a", "10", 3)
	f.svc.Orders = &unreachableStore{MemStore: f.store, err: errors.New("connection refused")}

	_, err := f.svc.Checkout(ctx, request(item("a", 2)))
	require.ErrorIs(t, err, orders.ErrPersistence)
	assert.Equal(t, 1, f.stock(t, u.ID))
	assert.Empty(t, f.pub.events())

	j := &Janitor{
		Ledger: f.ledger, Orders: f.store, Grace: time.Minute, Log: f.svc.Log,
		Now: func() time.Time { return time.Now().Add(2 * time.Minute) },
	}
	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, f.stock(t, u.ID))
}

func TestCheckoutPriceChangeDoesNotTouchExistingOrders(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "a", "100.00", 5)

	o, err := f.svc.Checkout(context.Background(), request(item("a", 2)))
	require.NoError(t, err)

	require.NoError(t, f.ledger.SetPrice(context.Background(), u.ID, decimal.RequireFromString("150.00")))

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", orders.Money(stored.Lines[0].UnitPriceAtOrder))
	assert.Equal(t, "200.00", orders.Money(stored.TotalAmount))

	o2, err := f.svc.Checkout(context.Background(), request(item("a", 1)))
	require.NoError(t, err)
	assert.Equal(t, "150.00", orders.Money(o2.TotalAmount))
}

func TestCheckoutValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "a", "10", 5)

	req := request(item("a", 0), Item{ProductID: "a", Quantity: 1})
	req.PaymentMethod = "bitcoin"
	_, err := f.svc.Checkout(context.Background(), req)

	var ve *orders.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "payment_method")
	assert.Contains(t, ve.Fields, "items[0].quantity")
	assert.Contains(t, ve.Fields, "items[1].recipient_name")
	assert.NotErrorIs(t, err, orders.ErrInsufficientStock)

	_, err = f.svc.Checkout(context.Background(), request())
	assert.ErrorIs(t, err, orders.ErrValidation)

	assert.Equal(t, 5, f.stock(t, u.ID))
}

func TestCheckoutUnknownUnit(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "a", "10", 5)

	_, err := f.svc.Checkout(context.Background(), request(item("a", 1), Item{
		ProductID: "a", VariantIDs: []string{"xl"}, Quantity: 1, RecipientName: "x",
	}))
	assert.ErrorIs(t, err, orders.ErrUnitNotFound)
	assert.Equal(t, 5, f.stock(t, mustResolve(t, f, "a").ID))
}

func mustResolve(t *testing.T, f *fixture, product string) orders.SellableUnit {
	u, err := f.ledger.Resolve(context.Background(), product, nil)
	require.NoError(t, err)
	return u
}

func TestCheckoutReservesInUnitOrder(t *testing.T) {
	f := newFixture(t)
	a := f.unit(t, "a", "10", 5)
	b := f.unit(t, "b", "10", 5)
	c := f.unit(t, "c", "10", 5)
	rec := &orderRecordingLedger{Ledger: f.ledger}
	f.svc.Ledger = rec

	_, err := f.svc.Checkout(context.Background(), request(item("c", 1), item("a", 1), item("b", 1)))
	require.NoError(t, err)

	want := []string{a.ID, b.ID, c.ID}
	sort.Strings(want)
	assert.Equal(t, want, rec.units)
}

func TestCheckoutPublishFailureKeepsOrder(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "a", "10", 5)
	f.pub.fail = errors.New("broker down")

	o, err := f.svc.Checkout(context.Background(), request(item("a", 1)))
	require.NoError(t, err)
	_, err = f.store.Get(context.Background(), o.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Published.WithLabelValues(orders.EventNewOrderReceived, "error")))
}

func TestChangeStatusCancelReleasesStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.unit(t, "a", "10", 5)

	o, err := f.svc.Checkout(ctx, request(item("a", 3)))
	require.NoError(t, err)
	assert.Equal(t, 2, f.stock(t, u.ID))

	got, err := f.svc.ChangeStatus(ctx, o.ID, orders.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, got.Status)

	got, err = f.svc.ChangeStatus(ctx, o.ID, orders.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, 5, f.stock(t, u.ID))

	// retrying a terminal transition is safe and does not double-release
	_, err = f.svc.ChangeStatus(ctx, o.ID, orders.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 5, f.stock(t, u.ID))

	_, err = f.svc.ChangeStatus(ctx, o.ID, orders.StatusPaid)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestChangeStatusCompleteCommitsReservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.unit(t, "a", "10", 5)

	o, err := f.svc.Checkout(ctx, request(item("a", 1)))
	require.NoError(t, err)
	for _, st := range []orders.Status{orders.StatusPaid, orders.StatusProcessed, orders.StatusReadyPickup, orders.StatusCompleted} {
		_, err = f.svc.ChangeStatus(ctx, o.ID, st)
		require.NoError(t, err, st)
	}

	rs, err := f.ledger.ReservationsForOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, orders.ReservationCommitted, rs[0].Status)
	assert.Equal(t, 4, f.stock(t, u.ID))

	_, err = f.svc.ChangeStatus(ctx, o.ID, orders.StatusCancelled)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)

	_, err = f.svc.ChangeStatus(ctx, o.ID, "shipped")
	assert.ErrorIs(t, err, orders.ErrValidation)

	require.NoError(t, f.svc.Delete(ctx, o.ID))
	_, err = f.svc.Get(ctx, o.ID)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}
