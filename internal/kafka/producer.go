package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/segmentio/kafka-go"
)

var ErrProducerClosed = errors.New("kafka producer closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes envelopes synchronously so the caller sees broker errors.
// The topic comes from each message, so one producer serves every event type.
type Producer struct {
	w      messageWriter
	log    *slog.Logger
	closed atomic.Bool
}

func NewProducer(brokers []string, log *slog.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		log: log,
	}
}

// Publish implements checkout.Publisher.
func (p *Producer) Publish(ctx context.Context, ev orders.Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	m, err := Message(ctx, ev)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error("kafka write failed", "topic", m.Topic, "event_id", ev.EventID, "order_id", ev.CorrelationID, "err", err)
		return err
	}
	p.log.Debug("kafka event published", "topic", m.Topic, "event_type", ev.EventType, "order_id", ev.CorrelationID)
	return nil
}

// Close flushes pending batches and closes the writer. Publish fails afterwards.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.w.Close()
}
