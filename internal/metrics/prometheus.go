// Package metrics exports capture metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports capture metrics in Prometheus format.
type PrometheusExporter struct {
	registry *prometheus.Registry

	frames        prometheus.Counter
	missingSignal *prometheus.CounterVec
	rows          *prometheus.CounterVec
	insertLatency prometheus.Histogram
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for the insert latency histogram (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration. A busy-wait on the
// shared file can take up to the busy timeout, hence the 5s top bucket.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.frames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "saleslens",
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Total number of metrics frames received from the SDK",
		},
	)

	e.missingSignal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saleslens",
			Subsystem: "capture",
			Name:      "missing_signal_total",
			Help:      "Frames in which a signal had no reading",
		},
		[]string{"signal"},
	)

	e.rows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saleslens",
			Subsystem: "capture",
			Name:      "rows_total",
			Help:      "Physiology rows by insert outcome",
		},
		[]string{"status"},
	)

	e.insertLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "saleslens",
			Subsystem: "capture",
			Name:      "insert_latency_seconds",
			Help:      "Physiology insert latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	registry.MustRegister(
		e.frames,
		e.missingSignal,
		e.rows,
		e.insertLatency,
	)

	return e
}

// RecordFrame counts one frame handled by the adapter.
func (e *PrometheusExporter) RecordFrame() {
	e.frames.Inc()
}

// RecordMissingSignal counts a frame without a reading for signal.
func (e *PrometheusExporter) RecordMissingSignal(signal string) {
	e.missingSignal.WithLabelValues(signal).Inc()
}

// ObserveWrite records the outcome of one insert.
func (e *PrometheusExporter) ObserveWrite(latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	e.rows.WithLabelValues(status).Inc()
	e.insertLatency.Observe(latency.Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
