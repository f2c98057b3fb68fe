package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

const DefaultExchange = "storefront.events"

type Config struct {
	URL      string
	Exchange string
	Attempts int // dial attempts, default 5
}

// Client owns one connection and one publishing channel. Consumers open their own channel.
type Client struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	exchange string
	log      *slog.Logger
}

// Dial connects with retry and declares the durable topic exchange.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}

	var conn *amqp.Connection
	var err error
	for i := 0; i < cfg.Attempts; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		wait := time.Duration(i*i)*time.Second + time.Second
		log.Warn("rabbitmq dial failed, retrying", "in", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", cfg.Attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	log.Info("rabbitmq connected", "exchange", cfg.Exchange)
	return &Client{conn: conn, pub: ch, exchange: cfg.Exchange, log: log}, nil
}

func (c *Client) Close() error {
	if c.pub != nil {
		if err := c.pub.Close(); err != nil {
			return err
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Publish implements checkout.Publisher. Routing key = topic of the event type.
func (c *Client) Publish(ctx context.Context, ev orders.Envelope) error {
	p, key, err := Publishing(ctx, ev)
	if err != nil {
		return err
	}
	if err := c.pub.PublishWithContext(ctx, c.exchange, key, false, false, p); err != nil {
		c.log.Error("rabbitmq publish failed", "routing_key", key, "event_id", ev.EventID, "err", err)
		return fmt.Errorf("publish %s to %s: %w", key, c.exchange, err)
	}
	return nil
}

// Publishing builds the AMQP message for an envelope.
func Publishing(ctx context.Context, ev orders.Envelope) (amqp.Publishing, string, error) {
	key := orders.TopicFor(ev.EventType)
	if key == "" {
		return amqp.Publishing{}, "", fmt.Errorf("no routing key for event type %q", ev.EventType)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("encode envelope: %w", err)
	}
	headers := amqp.Table{
		"x-event-type":    ev.EventType,
		"x-event-version": int32(ev.EventVersion),
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.EventID,
		CorrelationId: ev.CorrelationID,
		Timestamp:     ev.OccurredAt,
		Type:          ev.EventType,
		Headers:       headers,
		Body:          b,
	}, key, nil
}

// Handler returns nil to ack. An error nacks with requeue.
type Handler func(ctx context.Context, body []byte) error

// Consume declares queue, binds it to routingKey and handles deliveries one at a time until ctx ends.
func (c *Client) Consume(ctx context.Context, queue, routingKey string, prefetch int, h Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(q.Name, routingKey, c.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, c.exchange, err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	c.log.Info("rabbitmq consumer started", "queue", queue, "routing_key", routingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			dctx := otel.GetTextMapPropagator().Extract(ctx, tableCarrier(d.Headers))
			if err := h(dctx, d.Body); err != nil {
				c.log.Warn("rabbitmq handler error", "queue", queue, "message_id", d.MessageId, "err", err)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// tableCarrier adapts amqp headers to the otel TextMapCarrier interface.
type tableCarrier amqp.Table

func (t tableCarrier) Get(key string) string {
	v, _ := t[key].(string)
	return v
}

func (t tableCarrier) Set(key, val string) { t[key] = val }

func (t tableCarrier) Keys() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	return out
}
