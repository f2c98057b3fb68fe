package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/notify"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/rabbitmq"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.New(cfg.LogLevel).With("service", cfg.ServiceName+"-notifier")
	slog.SetDefault(log)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("notifier exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var dedup notify.Dedup
	if cfg.RedisAddr != "" {
		rdb, err := redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		dedup = redisx.NewDedup(rdb, "notifier")
	} else {
		log.Warn("REDIS_ADDR not set; dedup is per process")
	}

	d := notify.NewDispatcher(notify.LogNotifier{Log: log}, dedup, notify.Options{
		Workers:     cfg.NotifyWorkers,
		MaxAttempts: cfg.NotifyMaxAttempts,
	}, log, m)

	g, ctx := errgroup.WithContext(ctx)

	switch cfg.EventBus {
	case "rabbitmq":
		c, err := rabbitmq.Dial(ctx, rabbitmq.Config{URL: cfg.RabbitMQURL}, log)
		if err != nil {
			return err
		}
		defer c.Close()
		g.Go(func() error {
			return c.Consume(ctx, cfg.NotifyGroup, orders.TopicNewOrderReceived, cfg.NotifyWorkers, d.HandleDelivery)
		})
	default:
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifyGroup, orders.TopicNewOrderReceived, cfg.NotifyWorkers, log)
		g.Go(func() error {
			log.Info("notifier consumer started", "group", cfg.NotifyGroup, "topic", orders.TopicNewOrderReceived, "workers", cfg.NotifyWorkers)
			return cons.Start(ctx, d.HandleKafka)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: cfg.NotifierMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down consumer...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
