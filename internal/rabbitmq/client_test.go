package rabbitmq

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishingCarriesEnvelopeAndTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled}))

	ev, err := orders.StatusChanged("o-1", orders.StatusNew, orders.StatusCancelled, "test")
	require.NoError(t, err)

	p, key, err := Publishing(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, orders.TopicOrderStatusChanged, key)
	assert.Equal(t, ev.EventID, p.MessageId)
	assert.Equal(t, "o-1", p.CorrelationId)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, orders.EventOrderStatusChanged, p.Headers["x-event-type"])

	var back orders.Envelope
	require.NoError(t, json.Unmarshal(p.Body, &back))
	assert.Equal(t, ev.EventID, back.EventID)

	got := trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), tableCarrier(p.Headers)))
	assert.Equal(t, tid, got.TraceID())

	ev.EventType = "Nope"
	_, _, err = Publishing(ctx, ev)
	assert.Error(t, err)
}

func TestTableCarrierIgnoresNonStrings(t *testing.T) {
	c := tableCarrier(amqp.Table{"n": int32(1), "s": "x"})
	assert.Equal(t, "", c.Get("n"))
	assert.Equal(t, "x", c.Get("s"))
	assert.ElementsMatch(t, []string{"n", "s"}, c.Keys())
}
