// Package telemetry exposes Prometheus metrics for the API: HTTP request
// latency by route, published form events and database pool usage.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intakedesk/intake/internal/platform/events"
)

const namespace = "intake"

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Metrics struct {
	registry       *prometheus.Registry
	requestSeconds *prometheus.HistogramVec
	activeRequests prometheus.Gauge
	formEvents     *prometheus.CounterVec
	eventFailures  *prometheus.CounterVec
}

// New registers the API metrics, plus the Go runtime and process
// collectors, on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route pattern and status code.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served.",
		}),
		formEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forms",
			Name:      "events_total",
			Help:      "Form lifecycle events by type and resulting status.",
		}, []string{"type", "status"}),
		eventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forms",
			Name:      "event_publish_failures_total",
			Help:      "Form events the publisher rejected.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.requestSeconds,
		m.activeRequests,
		m.formEvents,
		m.eventFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records latency against the route pattern rather than the raw
// path so ids do not explode the label space.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = 500
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requestSeconds.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
}

// RegisterPool exports connection pool statistics as gauges read at scrape
// time.
func (m *Metrics) RegisterPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, read func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(pool.Stat()) })
	}
	m.registry.MustRegister(
		gauge("total_conns", "Open connections.", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("idle_conns", "Idle connections.", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("acquired_conns", "Connections in use.", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("max_conns", "Configured pool size.", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
	)
}

// countingPublisher counts form events on their way to the real publisher.
type countingPublisher struct {
	next    events.Publisher
	metrics *Metrics
}

// CountEvents wraps pub so every published form event is counted.
func (m *Metrics) CountEvents(pub events.Publisher) events.Publisher {
	return &countingPublisher{next: pub, metrics: m}
}

func (p *countingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.metrics.formEvents.WithLabelValues(string(e.Type), e.Status).Inc()
	if err := p.next.Publish(ctx, e); err != nil {
		p.metrics.eventFailures.WithLabelValues(string(e.Type)).Inc()
		return err
	}
	return nil
}

func (p *countingPublisher) Close() error {
	return p.next.Close()
}
