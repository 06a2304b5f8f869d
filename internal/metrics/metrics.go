// Package metrics exposes Prometheus counters for the queue engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several can coexist in tests. All
// methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	tokenAllocations   *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	versionConflicts   prometheus.Counter
	broadcasts         *prometheus.CounterVec
	connectedClients   prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
}

func NewCollector(serviceName string) *Collector {
	constLabels := prometheus.Labels{"service": serviceName}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		tokenAllocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "queue_token_allocations_total",
				Help:        "Token allocations by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "queue_transitions_total",
				Help:        "Appointment status transitions by edge and result",
				ConstLabels: constLabels,
			},
			[]string{"from", "to", "result"},
		),
		versionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "queue_version_conflicts_total",
				Help:        "Optimistic concurrency collisions on queue state",
				ConstLabels: constLabels,
			},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "queue_broadcast_deliveries_total",
				Help:        "Queue broadcast delivery attempts by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		connectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "realtime_connected_clients",
				Help:        "Open WebSocket subscriber connections",
				ConstLabels: constLabels,
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "route"},
		),
	}

	c.registry.MustRegister(
		c.tokenAllocations,
		c.transitions,
		c.versionConflicts,
		c.broadcasts,
		c.connectedClients,
		c.httpRequests,
		c.httpRequestLatency,
	)

	return c
}

func (c *Collector) RecordTokenAllocation(success bool) {
	if c == nil {
		return
	}
	c.tokenAllocations.WithLabelValues(result(success)).Inc()
}

func (c *Collector) RecordTransition(from, to string, success bool) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to, result(success)).Inc()
}

func (c *Collector) RecordVersionConflict() {
	if c == nil {
		return
	}
	c.versionConflicts.Inc()
}

func (c *Collector) RecordBroadcast(success bool) {
	if c == nil {
		return
	}
	c.broadcasts.WithLabelValues(result(success)).Inc()
}

func (c *Collector) SetConnectedClients(n int) {
	if c == nil {
		return
	}
	c.connectedClients.Set(float64(n))
}

func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpRequestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
