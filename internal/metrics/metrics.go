package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

type Metrics struct {
	CheckoutOutcomes *prometheus.CounterVec // label: stage (completed, validation_failed, ...)
	ReserveLatencyMS prometheus.Histogram
	Published        *prometheus.CounterVec   // labels: event, result
	Notifications    *prometheus.CounterVec   // label: result
	Requests         *prometheus.CounterVec   // labels: route, status
	LatencyMS        *prometheus.HistogramVec // label: route
	JanitorReleased  prometheus.Counter
}

// New registers every collector on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkout", Name: "attempts_total",
			Help: "Checkout attempts by final stage.",
		}, []string{"stage"}),
		ReserveLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "reserve_duration_ms",
			Help:    "Stock reservation latency in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Domain events handed to the event bus.",
		}, []string{"event", "result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "handled_total",
			Help: "NewOrderReceived events handled by the notification dispatcher.",
		}, []string{"result"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_ms",
			Help:    "HTTP request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		JanitorReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "janitor", Name: "released_total",
			Help: "Orphaned reservations released by the janitor.",
		}),
	}
	reg.MustRegister(m.CheckoutOutcomes, m.ReserveLatencyMS, m.Published, m.Notifications,
		m.Requests, m.LatencyMS, m.JanitorReleased)
	return m
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
