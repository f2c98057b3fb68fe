package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          messageReader
	workers    int
	log        *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int, log *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: log, backoff: 200 * time.Millisecond, maxBackoff: 10 * time.Second}
}

// Start fetches until ctx is cancelled, fanning messages out to the workers by partition so each
// partition is handled and committed in offset order. A failed message is retried in place until
// its handler returns nil; later offsets of that partition wait behind it.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup

	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(id int, jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if !c.handle(ctx, id, m, h) {
					continue
				}
				if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
					c.log.Error("commit failed", "topic", m.Topic, "offset", m.Offset, "err", err)
				}
			}
		}(i, lanes[i])
	}

	err := c.fetch(ctx, lanes)
	for _, l := range lanes {
		close(l)
	}
	wg.Wait()
	return err
}

// handle runs h until it succeeds. It reports false when ctx ended first; the message then stays
// uncommitted and the group redelivers it.
func (c *Consumer) handle(ctx context.Context, worker int, m kafka.Message, h Handler) bool {
	backoff := c.backoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := h(ExtractHeaders(ctx, m.Headers), m)
		if err == nil {
			return true
		}
		c.log.Warn("handler error", "worker", worker, "topic", m.Topic, "partition", m.Partition,
			"offset", m.Offset, "attempt", attempt, "retry_in", backoff, "err", err)
		c.sleep(ctx, backoff)
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Consumer) fetch(ctx context.Context, lanes []chan kafka.Message) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			// kecilkan noise saat shutdown
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%len(lanes)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
