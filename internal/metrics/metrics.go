// Package metrics provides Prometheus metrics for transfers and the status server.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for transfer and request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	Registry *prometheus.Registry

	TransfersTotal    *prometheus.CounterVec
	TransferDuration  *prometheus.HistogramVec
	TransfersInFlight prometheus.Gauge
	TransferRetries   prometheus.Counter

	PoolIdle      *prometheus.GaugeVec
	PoolCreated   *prometheus.CounterVec
	PoolDestroyed *prometheus.CounterVec

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xfer_transfers_total",
			Help: "Completed transfers by method and outcome.",
		}, []string{"method", "outcome"}),

		TransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xfer_transfer_duration_seconds",
			Help:    "Transfer latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		TransfersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xfer_transfers_in_flight",
			Help: "Number of transfers currently running.",
		}),

		TransferRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xfer_transfer_retries_total",
			Help: "Transfers retried after a connection failed without an error.",
		}),

		PoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xfer_pool_idle_handles",
			Help: "Idle transfer engines kept for reuse.",
		}, []string{"pool"}),

		PoolCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xfer_pool_handles_created_total",
			Help: "Transfer engines created because the pool was empty.",
		}, []string{"pool"}),

		PoolDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xfer_pool_handles_destroyed_total",
			Help: "Transfer engines closed because the pool was full.",
		}, []string{"pool"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xfer_http_requests_total",
			Help: "Total status server requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xfer_http_request_duration_seconds",
			Help:    "Status server request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xfer_http_requests_in_flight",
			Help: "Number of status server requests currently being processed.",
		}),
	}

	reg.MustRegister(
		m.TransfersTotal,
		m.TransferDuration,
		m.TransfersInFlight,
		m.TransferRetries,
		m.PoolIdle,
		m.PoolCreated,
		m.PoolDestroyed,
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
	)

	return m
}

// PoolMetrics are the collectors of one named engine pool.
type PoolMetrics struct {
	Idle      prometheus.Gauge
	Created   prometheus.Counter
	Destroyed prometheus.Counter
}

// Pool returns the collectors labelled with name. It returns nil when m is
// nil so that callers can pass the result straight through.
func (m *Metrics) Pool(name string) *PoolMetrics {
	if m == nil {
		return nil
	}
	return &PoolMetrics{
		Idle:      m.PoolIdle.WithLabelValues(name),
		Created:   m.PoolCreated.WithLabelValues(name),
		Destroyed: m.PoolDestroyed.WithLabelValues(name),
	}
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
