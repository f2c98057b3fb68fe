package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
)

var (
	ErrQueueClosed = errors.New("notification queue closed")
	ErrQueueFull   = errors.New("notification queue full")
)

type Options struct {
	Workers     int           // default 4
	QueueSize   int           // default 256
	MaxAttempts int           // default 5
	BaseBackoff time.Duration // default 100ms, doubled per attempt
	MaxBackoff  time.Duration // default 5s
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// Dispatcher handles NewOrderReceived events off the checkout path. Its failures never reach the order.
//
// Events arrive either through Publish (in-process queue drained by Run's workers) or through
// HandleKafka / HandleDelivery, which process synchronously so the broker only acks handled messages.
type Dispatcher struct {
	notifier Notifier
	dedup    Dedup
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics

	queue chan orders.Envelope
	mu    sync.RWMutex
	done  bool
}

func NewDispatcher(n Notifier, d Dedup, opts Options, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	opts = opts.withDefaults()
	if d == nil {
		d = NewMemoryDedup()
	}
	return &Dispatcher{
		notifier: n,
		dedup:    d,
		opts:     opts,
		log:      log,
		metrics:  m,
		queue:    make(chan orders.Envelope, opts.QueueSize),
	}
}

// Publish implements checkout.Publisher for EVENT_BUS=memory. It never waits on the workers:
// when the queue is full the event is dropped and ErrQueueFull returned.
func (d *Dispatcher) Publish(_ context.Context, ev orders.Envelope) error {
	if ev.EventType != orders.EventNewOrderReceived {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.done {
		return ErrQueueClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		d.log.Warn("notification queue full, event dropped", "order_id", ev.CorrelationID, "event_id", ev.EventID)
		d.count("dropped")
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx ends, then closes the queue and lets the
// workers finish what is already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for ev := range d.queue {
				// detached: queued events are still delivered during shutdown
				if err := d.Handle(context.WithoutCancel(ctx), ev); err != nil {
					d.log.Error("notification failed", "worker", id, "order_id", ev.CorrelationID, "err", err)
				}
			}
		}(i)
	}

	<-ctx.Done()
	d.mu.Lock()
	d.done = true
	close(d.queue)
	d.mu.Unlock()
	wg.Wait()
	d.log.Info("notification dispatcher stopped")
	return nil
}

// Handle processes one envelope: dedup by order id, then notify with retry and exponential backoff.
// The claim is confirmed after a successful notification. When every attempt fails it is dropped
// so a redelivery can try again.
func (d *Dispatcher) Handle(ctx context.Context, ev orders.Envelope) error {
	if ev.EventType != orders.EventNewOrderReceived {
		return nil
	}
	p, err := orders.UnwrapPayload[orders.NewOrderReceivedPayload](ev.Payload)
	if err != nil {
		// poison message, retrying cannot help
		d.log.Error("drop undecodable NewOrderReceived", "event_id", ev.EventID, "err", err)
		d.count("invalid")
		return nil
	}

	claimed, err := d.dedup.Claim(ctx, p.OrderID)
	if err != nil {
		return fmt.Errorf("dedup claim %s: %w", p.OrderID, err)
	}
	if !claimed {
		d.log.Info("duplicate NewOrderReceived skipped", "order_id", p.OrderID, "event_id", ev.EventID)
		d.count("duplicate")
		return nil
	}

	backoff := d.opts.BaseBackoff
	for attempt := 1; ; attempt++ {
		err = d.notifier.Notify(ctx, p)
		if err == nil {
			d.count("sent")
			if cerr := d.dedup.Confirm(context.WithoutCancel(ctx), p.OrderID); cerr != nil {
				// the claim still lapses on its own; at worst the customer is notified twice
				d.log.Warn("dedup confirm failed", "order_id", p.OrderID, "err", cerr)
			}
			return nil
		}
		if attempt >= d.opts.MaxAttempts {
			break
		}
		d.log.Warn("notify attempt failed", "order_id", p.OrderID, "attempt", attempt, "retry_in", backoff, "err", err)
		if !sleep(ctx, backoff) {
			err = ctx.Err()
			break
		}
		backoff = min(backoff*2, d.opts.MaxBackoff)
	}

	d.count("failed")
	if ferr := d.dedup.Forget(context.WithoutCancel(ctx), p.OrderID); ferr != nil {
		d.log.Error("dedup forget failed", "order_id", p.OrderID, "err", ferr)
	}
	return fmt.Errorf("notify order %s: %w", p.OrderID, err)
}

// HandleKafka is the kafka.Handler for the notifier consumer group.
func (d *Dispatcher) HandleKafka(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.HeaderValue(m.Headers, kafkax.HeaderEventType); t != "" && t != orders.EventNewOrderReceived {
		return nil
	}
	ev, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		d.log.Error("drop undecodable kafka message", "topic", m.Topic, "offset", m.Offset, "err", err)
		d.count("invalid")
		return nil
	}
	return d.Handle(ctx, ev)
}

// HandleDelivery is the rabbitmq.Handler for the notifier queue.
func (d *Dispatcher) HandleDelivery(ctx context.Context, body []byte) error {
	var ev orders.Envelope
	if err := json.Unmarshal(body, &ev); err != nil {
		d.log.Error("drop undecodable delivery", "err", err)
		d.count("invalid")
		return nil
	}
	return d.Handle(ctx, ev)
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(result).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
