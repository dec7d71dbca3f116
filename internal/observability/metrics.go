package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, the delivery workers
// and the background maintenance jobs.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	deliveriesSucceededTotal   *prometheus.CounterVec
	deliveriesFailedTotal *prometheus.CounterVec
	deliveryAttemptDuration *prometheus.HistogramVec
	workerInflight           prometheus.Gauge
	retryScheduledTotal      *prometheus.CounterVec
	eventsDispatchedTotal    *prometheus.CounterVec
	enqueueRejectedTotal     prometheus.Counter
	recoveredTotal           prometheus.Counter
	logsPrunedTotal          prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "webhook_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveriesSucceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_engine",
				Name:      "deliveries_succeeded_total",
				Help:      "Total number of delivery sequences that ended in SUCCESS.",
			},
			[]string{"event"},
		),
		deliveriesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_engine",
				Name:      "deliveries_failed_total",
				Help:      "Total number of delivery sequences that ended in FAILED.",
			},
			[]string{"event", "reason"},
		),
		deliveryAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "webhook_engine",
				Name:      "delivery_attempt_duration_seconds",
				Help:      "Duration of a single HTTP delivery attempt in seconds grouped by event.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"event"},
		),
		workerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "webhook_engine",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight delivery attempts.",
			},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_engine",
				Name:      "retry_scheduled_total",
				Help:      "Total number of delivery attempts scheduled for retry.",
			},
			[]string{"event"},
		),
		eventsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webhook_engine",
				Name:      "events_dispatched_total",
				Help:      "Total number of delivery sequences started grouped by event.",
			},
			[]string{"event"},
		),
		enqueueRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "webhook_engine",
				Name:      "enqueue_rejected_total",
				Help:      "Total number of delivery messages the queue refused; the retry scanner recovers them.",
			},
		),
		recoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "webhook_engine",
				Name:      "deliveries_recovered_total",
				Help:      "Total number of orphaned delivery sequences re-queued by the retry scanner.",
			},
		),
		logsPrunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "webhook_engine",
				Name:      "logs_pruned_total",
				Help:      "Total number of resolved delivery logs removed by retention.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesSucceededTotal,
		m.deliveriesFailedTotal,
		m.deliveryAttemptDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.eventsDispatchedTotal,
		m.enqueueRejectedTotal,
		m.recoveredTotal,
		m.logsPrunedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDeliverySucceeded(event string) {
	if m == nil {
		return
	}
	m.deliveriesSucceededTotal.WithLabelValues(normalizeLabel(event)).Inc()
}

func (m *Metrics) IncDeliveryFailed(event string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.deliveriesFailedTotal.WithLabelValues(normalizeLabel(event), reasonLabel).Inc()
}

func (m *Metrics) ObserveAttemptDuration(event string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryAttemptDuration.WithLabelValues(normalizeLabel(event)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Inc()
}

func (m *Metrics) DecWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Dec()
}

func (m *Metrics) IncRetryScheduled(event string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(event)).Inc()
}

func (m *Metrics) IncEventDispatched(event string) {
	if m == nil {
		return
	}
	m.eventsDispatchedTotal.WithLabelValues(normalizeLabel(event)).Inc()
}

func (m *Metrics) IncEnqueueRejected() {
	if m == nil {
		return
	}
	m.enqueueRejectedTotal.Inc()
}

func (m *Metrics) AddRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recoveredTotal.Add(float64(n))
}

func (m *Metrics) AddLogsPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.logsPrunedTotal.Add(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
