package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultNamespace = "transfers"

	// NotificationDelivered counts events handed to a live connection.
	NotificationDelivered = "delivered"
	// NotificationDropped counts events discarded because a queue was full.
	NotificationDropped = "dropped"
	// NotificationFailed counts events whose delivery returned an error.
	NotificationFailed = "failed"
)

// Metrics owns the prometheus collectors of the transfer service.
type Metrics struct {
	registry          *prometheus.Registry
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	notifications     *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	connections       prometheus.Gauge
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations by outcome.",
			},
			[]string{"operation", "status", "kind"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Duration of engine operations.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"operation"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "events_total",
				Help:      "Notification events by outcome.",
			},
			[]string{"event", "outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "path"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "connections",
				Help:      "Open realtime connections.",
			},
		),
	}
	metrics.registry.MustRegister(
		metrics.operations,
		metrics.operationDuration,
		metrics.notifications,
		metrics.httpRequests,
		metrics.httpDuration,
		metrics.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// ObserveOperation records one engine operation.
func (metrics *Metrics) ObserveOperation(operation string, status string, kind string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.operations.WithLabelValues(operation, status, kind).Inc()
	if duration > 0 {
		metrics.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// ObserveNotification records the outcome of one notification event.
func (metrics *Metrics) ObserveNotification(event string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.notifications.WithLabelValues(event, outcome).Inc()
}

// ObserveHTTPRequest records one handled request.
func (metrics *Metrics) ObserveHTTPRequest(method string, path string, status string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.httpRequests.WithLabelValues(method, path, status).Inc()
	metrics.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ConnectionOpened increments the open connection gauge.
func (metrics *Metrics) ConnectionOpened() {
	if metrics == nil {
		return
	}
	metrics.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (metrics *Metrics) ConnectionClosed() {
	if metrics == nil {
		return
	}
	metrics.connections.Dec()
}
