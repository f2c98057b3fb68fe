package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// Message turns an envelope into a kafka message: topic by event type, key = order id,
// trace context from ctx carried in the headers.
func Message(ctx context.Context, ev orders.Envelope) (kafka.Message, error) {
	topic := orders.TopicFor(ev.EventType)
	if topic == "" {
		return kafka.Message{}, fmt.Errorf("no topic for event type %q", ev.EventType)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	headers := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(ev.EventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(ev.EventVersion))},
	}
	return kafka.Message{
		Topic:   topic,
		Key:     orders.PartitionKey(ev.CorrelationID),
		Value:   b,
		Time:    time.Now(),
		Headers: InjectHeaders(ctx, headers),
	}, nil
}

// DecodeEnvelope is the inverse of Message for the value part.
func DecodeEnvelope(m kafka.Message) (orders.Envelope, error) {
	var ev orders.Envelope
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode envelope at %s/%d/%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return ev, nil
}

func InjectHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

func ExtractHeaders(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
