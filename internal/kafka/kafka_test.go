package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func envelope(t *testing.T) orders.Envelope {
	ev, err := orders.StatusChanged("order-1", orders.StatusNew, orders.StatusPaid, "test")
	require.NoError(t, err)
	return ev
}

func TestMessageRoutesByEventType(t *testing.T) {
	ev := envelope(t)
	m, err := Message(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, orders.TopicOrderStatusChanged, m.Topic)
	assert.Equal(t, []byte("order-1"), m.Key)
	assert.Equal(t, orders.EventOrderStatusChanged, HeaderValue(m.Headers, HeaderEventType))
	assert.Equal(t, "1", HeaderValue(m.Headers, HeaderEventVersion))

	back, err := DecodeEnvelope(m)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, back.EventID)

	ev.EventType = "Unknown"
	_, err = Message(context.Background(), ev)
	assert.Error(t, err)
}

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := InjectHeaders(ctx, nil)
	assert.NotEmpty(t, HeaderValue(headers, "traceparent"))

	got := trace.SpanContextFromContext(ExtractHeaders(context.Background(), headers))
	assert.Equal(t, tid, got.TraceID())
}

func TestProducerPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{w: w, log: logging.Discard()}

	require.NoError(t, p.Publish(context.Background(), envelope(t)))
	require.Len(t, w.msgs, 1)

	w.err = errors.New("broker unavailable")
	assert.Error(t, p.Publish(context.Background(), envelope(t)))

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), envelope(t)), ErrProducerClosed)
}

func TestConsumerRetriesFailedMessageBeforeCommittingLater(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(r, 1, logging.Discard())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var handled []int64
	failures := 0
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			if m.Offset == 2 && failures < 2 {
				failures++
				return errors.New("smtp unavailable")
			}
			handled = append(handled, m.Offset)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, []int64{1, 2, 3}, r.commits())
	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3}, handled)
	assert.Equal(t, 2, failures)
	mu.Unlock()
}

func TestConsumerKeepsPartitionOrderAcrossWorkers(t *testing.T) {
	var msgs []kafka.Message
	for off := int64(0); off < 5; off++ {
		msgs = append(msgs, kafka.Message{Partition: 0, Offset: off}, kafka.Message{Partition: 1, Offset: 100 + off})
	}
	r := &fakeReader{pending: msgs}
	c := newConsumer(r, 2, logging.Discard())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	failed := map[int64]bool{}
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			if m.Offset%2 == 1 && !failed[m.Offset] {
				failed[m.Offset] = true
				return errors.New("transient")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(r.commits()) == 10 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var p0, p1 []int64
	for _, off := range r.commits() {
		if off < 100 {
			p0 = append(p0, off)
		} else {
			p1 = append(p1, off)
		}
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, p0)
	assert.Equal(t, []int64{100, 101, 102, 103, 104}, p1)
}

func TestConsumerLeavesMessageUncommittedOnShutdown(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 7}}}
	c := newConsumer(r, 1, logging.Discard())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(context.Context, kafka.Message) error {
			select {
			case calls <- struct{}{}:
			default:
			}
			return errors.New("down")
		})
	}()

	<-calls
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.commits())
}
