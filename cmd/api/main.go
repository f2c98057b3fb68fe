package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/notify"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/ariefcatur/go-storefront-checkout/internal/rabbitmq"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.New(cfg.LogLevel).With("service", cfg.ServiceName)
	slog.SetDefault(log)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

type store struct {
	ledger  ledger.Ledger
	catalog ledger.Catalog
	orders  checkout.OrderStore
	close   func()
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	events, closeBus, err := openBus(ctx, g, cfg, rdb, log, m)
	if err != nil {
		return err
	}
	defer closeBus()

	svc := &checkout.Service{
		Assembler:      &checkout.Assembler{Catalog: st.catalog},
		Ledger:         st.ledger,
		Orders:         st.orders,
		Events:         events,
		Log:            log,
		Metrics:        m,
		Producer:       cfg.ServiceName,
		ReleaseTimeout: cfg.LedgerLockTimeout * time.Duration(cfg.LedgerReserveAttempts+1),
	}

	j := &checkout.Janitor{
		Ledger:   st.ledger,
		Orders:   st.orders,
		Interval: cfg.JanitorInterval,
		Grace:    cfg.JanitorGrace,
		Log:      log.With("component", "janitor"),
		Metrics:  m,
	}
	g.Go(func() error { return j.Run(ctx) })

	router := httpx.NewRouter(m, reg)
	oh := &httpx.OrdersHandler{Checkout: svc, Log: log, CheckoutTimeout: cfg.CheckoutTimeout}
	if rdb != nil {
		oh.Idem = redisx.NewIdempotencyStore(rdb, 2*cfg.CheckoutTimeout)
		oh.Status = redisx.NewStatusCache(rdb)
	}
	oh.Register(router)
	(&httpx.UnitsHandler{Catalog: st.catalog, Log: log}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Info("HTTP listening", "addr", cfg.HTTPAddr, "store", cfg.Store, "event_bus", cfg.EventBus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store, error) {
	opts := ledger.Options{LockTimeout: cfg.LedgerLockTimeout, Attempts: cfg.LedgerReserveAttempts}
	if cfg.Store == "memory" {
		l := ledger.NewMemory(opts)
		log.Warn("using in-memory store; data is lost on exit")
		return store{ledger: l, catalog: l, orders: orders.NewMemStore(), close: func() {}}, nil
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return store{}, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return store{}, err
	}
	l := ledger.NewPostgres(db, opts)
	return store{ledger: l, catalog: l, orders: &orders.Repo{DB: db}, close: db.Close}, nil
}

// openBus returns the publisher for checkout events. With EVENT_BUS=memory the notification
// dispatcher runs inside this process.
func openBus(ctx context.Context, g *errgroup.Group, cfg config.Config, rdb *redis.Client, log *slog.Logger, m *metrics.Metrics) (checkout.Publisher, func(), error) {
	switch cfg.EventBus {
	case "kafka":
		p := kafkax.NewProducer(cfg.KafkaBrokers, log.With("component", "kafka"))
		return p, func() { _ = p.Close() }, nil
	case "rabbitmq":
		c, err := rabbitmq.Dial(ctx, rabbitmq.Config{URL: cfg.RabbitMQURL}, log.With("component", "rabbitmq"))
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		var dedup notify.Dedup
		if rdb != nil {
			dedup = redisx.NewDedup(rdb, "notifier")
		}
		nlog := log.With("component", "notifier")
		d := notify.NewDispatcher(notify.LogNotifier{Log: nlog}, dedup, notify.Options{
			Workers:     cfg.NotifyWorkers,
			MaxAttempts: cfg.NotifyMaxAttempts,
		}, nlog, m)
		g.Go(func() error { return d.Run(ctx) })
		return d, func() {}, nil
	}
}
