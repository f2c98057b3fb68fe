package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("checkout")

// Stage is where a checkout attempt is, or where it stopped.
type Stage string

const (
	StageReceived   Stage = "received"
	StageValidating Stage = "validating"
	StageReserving  Stage = "reserving"
	StagePersisting Stage = "persisting"
	StageCompleted  Stage = "completed"

	StageValidationFailed  Stage = "validation_failed"
	StageReservationFailed Stage = "reservation_failed"
	StagePersistenceFailed Stage = "persistence_failed"
)

// Error is returned by Checkout. Err wraps one of the orders.Err* sentinels or an infrastructure error.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("checkout %s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Service is the checkout orchestrator. It is the only component that undoes another component's work.
type Service struct {
	Assembler *Assembler
	Ledger    ledger.Ledger
	Orders    OrderStore
	Events    Publisher // nil disables event emission
	Log       *slog.Logger
	Metrics   *metrics.Metrics // optional
	Producer  string

	// ReleaseTimeout bounds compensating releases, which run detached from the request context.
	ReleaseTimeout time.Duration
}

// Checkout runs validate -> reserve -> persist -> publish for one attempt.
func (s *Service) Checkout(ctx context.Context, req Request) (orders.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout")
	defer span.End()
	s.enter(ctx, StageReceived)

	o, err := s.run(ctx, req)

	stage := StageCompleted
	var cerr *Error
	if errors.As(err, &cerr) {
		stage = cerr.Stage
	}
	span.SetAttributes(attribute.String("checkout.stage", string(stage)))
	if s.Metrics != nil {
		s.Metrics.CheckoutOutcomes.WithLabelValues(string(stage)).Inc()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		s.Log.Info("checkout rejected", "stage", stage, "err", err, "request_id", RequestID(ctx))
		return orders.Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	s.Log.Info("checkout completed", "order_id", o.ID, "lines", len(o.Lines),
		"total", orders.Money(o.TotalAmount), "request_id", RequestID(ctx))
	return o, nil
}

func (s *Service) run(ctx context.Context, req Request) (orders.Order, error) {
	s.enter(ctx, StageValidating)
	o, err := s.Assembler.Build(ctx, req)
	if err != nil {
		return orders.Order{}, &Error{Stage: StageValidationFailed, Err: err}
	}

	s.enter(ctx, StageReserving)
	held, err := s.reserveAll(ctx, &o)
	if err != nil {
		s.releaseAll(ctx, o.ID, held)
		return orders.Order{}, &Error{Stage: StageReservationFailed, Err: err}
	}

	s.enter(ctx, StagePersisting)
	pctx := ctx
	if err := s.Orders.Create(ctx, o); err != nil {
		persisted, xerr := s.persisted(ctx, o.ID)
		switch {
		case persisted:
			// the commit landed even though the caller saw an error
			s.Log.Warn("order create reported failure but order exists", "order_id", o.ID, "err", err)
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout())
			defer cancel()
		case xerr != nil:
			// outcome unknown: keep the stock held, the janitor frees it if the order never appears
			s.Log.Error("order create outcome unknown", "order_id", o.ID, "err", err, "exists_err", xerr)
			return orders.Order{}, &Error{Stage: StagePersistenceFailed,
				Err: fmt.Errorf("%w: %w", orders.ErrPersistence, err)}
		default:
			s.releaseAll(ctx, o.ID, held)
			perr := fmt.Errorf("%w: %w", orders.ErrPersistence, err)
			if errors.Is(err, context.DeadlineExceeded) {
				perr = fmt.Errorf("%w: %w", orders.ErrConflict, perr)
			}
			return orders.Order{}, &Error{Stage: StagePersistenceFailed, Err: perr}
		}
	}

	s.publish(pctx, o)
	return o, nil
}

// persisted checks whether a Create that returned an error committed anyway. It runs detached
// from ctx, which may be the reason Create failed.
func (s *Service) persisted(ctx context.Context, orderID string) (bool, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout())
	defer cancel()
	return s.Orders.Exists(rctx, orderID)
}

func (s *Service) releaseTimeout() time.Duration {
	if s.ReleaseTimeout <= 0 {
		return 5 * time.Second
	}
	return s.ReleaseTimeout
}

func (s *Service) enter(ctx context.Context, st Stage) {
	trace.SpanFromContext(ctx).AddEvent(string(st))
	s.Log.Debug("checkout stage", "stage", st, "request_id", RequestID(ctx))
}

// reserveAll reserves every line in unit-id order so two checkouts never wait on each other's units crosswise.
// It returns what it managed to reserve even on failure.
func (s *Service) reserveAll(ctx context.Context, o *orders.Order) ([]orders.Reservation, error) {
	ctx, span := tracer.Start(ctx, "checkout.reserve")
	defer span.End()

	idx := make([]int, len(o.Lines))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return o.Lines[idx[a]].SellableUnitID < o.Lines[idx[b]].SellableUnitID
	})

	held := make([]orders.Reservation, 0, len(o.Lines))
	for _, i := range idx {
		line := &o.Lines[i]
		start := time.Now()
		res, err := s.Ledger.Reserve(ctx, o.ID, line.SellableUnitID, line.Quantity)
		if s.Metrics != nil {
			s.Metrics.ReserveLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
		}
		if err != nil {
			var ise *orders.InsufficientStockError
			if errors.As(err, &ise) {
				ise.Line = i
				return held, ise
			}
			return held, fmt.Errorf("line %d: %w", i, err)
		}
		line.ReservationID = res.ID
		held = append(held, res)
	}
	return held, nil
}

// releaseAll undoes this attempt's reservations. A release that fails is left for the janitor.
func (s *Service) releaseAll(ctx context.Context, orderID string, held []orders.Reservation) {
	if len(held) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout())
	defer cancel()

	for i := len(held) - 1; i >= 0; i-- {
		if err := s.Ledger.Release(rctx, held[i].ID); err != nil {
			s.Log.Error("release reservation failed", "order_id", orderID, "reservation_id", held[i].ID, "err", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, o orders.Order) {
	if s.Events == nil {
		return
	}
	ev, err := orders.NewOrderReceived(o, s.Producer, RequestID(ctx))
	if err == nil {
		err = s.Events.Publish(ctx, ev)
	}
	s.countPublish(orders.EventNewOrderReceived, err)
	if err != nil {
		// the order stands; notification is best effort from here
		s.Log.Warn("publish NewOrderReceived failed", "order_id", o.ID, "err", err)
	}
}

func (s *Service) countPublish(event string, err error) {
	if s.Metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.Metrics.Published.WithLabelValues(event, result).Inc()
}

// ---- order lifecycle ----

func (s *Service) Get(ctx context.Context, id string) (orders.Order, error) {
	return s.Orders.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]orders.Order, error) {
	return s.Orders.List(ctx, limit)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.Orders.SoftDelete(ctx, id)
}

// ChangeStatus moves an order along its status machine. Cancelling releases the order's reservations;
// completing commits them. Repeating a terminal transition re-runs that settlement, so it can be retried.
func (s *Service) ChangeStatus(ctx context.Context, id string, to orders.Status) (orders.Order, error) {
	if !to.Valid() {
		ve := orders.NewValidationError()
		ve.Add("status", fmt.Sprintf("unknown status %q", to))
		return orders.Order{}, ve
	}
	cur, err := s.Orders.Get(ctx, id)
	if err != nil {
		return orders.Order{}, err
	}

	if cur.Status != to || !to.Terminal() {
		from, err := s.Orders.UpdateStatus(ctx, id, to)
		if err != nil {
			return orders.Order{}, err
		}
		s.Log.Info("order status changed", "order_id", id, "from", from, "to", to)
		if s.Events != nil {
			ev, err := orders.StatusChanged(id, from, to, s.Producer)
			if err == nil {
				err = s.Events.Publish(ctx, ev)
			}
			s.countPublish(orders.EventOrderStatusChanged, err)
			if err != nil {
				s.Log.Warn("publish OrderStatusChanged failed", "order_id", id, "err", err)
			}
		}
	}

	if err := s.settle(ctx, id, to); err != nil {
		return orders.Order{}, err
	}
	return s.Orders.Get(ctx, id)
}

func (s *Service) settle(ctx context.Context, orderID string, to orders.Status) error {
	var op func(context.Context, string) error
	switch to {
	case orders.StatusCancelled:
		op = s.Ledger.Release
	case orders.StatusCompleted:
		op = s.Ledger.Commit
	default:
		return nil
	}
	rs, err := s.Ledger.ReservationsForOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if r.Status != orders.ReservationReserved {
			continue
		}
		if err := op(ctx, r.ID); err != nil {
			return fmt.Errorf("settle reservation %s: %w", r.ID, err)
		}
	}
	return nil
}

type requestIDKey struct{}

// WithRequestID attaches the caller's request id; it becomes the event trace id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
