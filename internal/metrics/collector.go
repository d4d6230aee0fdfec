package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry       *prometheus.Registry
	uploadsTotal   *prometheus.CounterVec
	bytesTotal     prometheus.Counter
	activeSessions prometheus.Gauge
	duration       prometheus.Histogram
	aggregates     *Aggregates
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uploadrelay_uploads_total",
				Help: "Total number of upload transfers processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uploadrelay_bytes_total",
				Help: "Total bytes transferred to durable storage",
			},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "uploadrelay_active_sessions",
				Help: "Number of upload sessions currently active",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "uploadrelay_transfer_duration_seconds",
				Help:    "Time taken to transfer an upload to durable storage",
				Buckets: prometheus.DefBuckets,
			},
		),
		aggregates: NewAggregates(),
	}

	c.registry.MustRegister(c.uploadsTotal)
	c.registry.MustRegister(c.bytesTotal)
	c.registry.MustRegister(c.activeSessions)
	c.registry.MustRegister(c.duration)

	return c
}

// IncSuccess records a successful transfer
func (c *Collector) IncSuccess(bytes int64, duration time.Duration) {
	c.uploadsTotal.WithLabelValues("success").Inc()
	c.bytesTotal.Add(float64(bytes))
	c.duration.Observe(duration.Seconds())
	c.aggregates.AddSuccess(duration)
}

// IncFailed records a failed transfer
func (c *Collector) IncFailed(duration time.Duration) {
	c.uploadsTotal.WithLabelValues("failed").Inc()
	c.duration.Observe(duration.Seconds())
	c.aggregates.AddFailed(duration)
}

// IncSkipped records a callback that required no transfer
func (c *Collector) IncSkipped() {
	c.uploadsTotal.WithLabelValues("skipped").Inc()
}

// SetActiveSessions sets the active session gauge
func (c *Collector) SetActiveSessions(count int) {
	c.activeSessions.Set(float64(count))
}

// Aggregates returns the running aggregate counters
func (c *Collector) Aggregates() Snapshot {
	return c.aggregates.Snapshot()
}

// Handler returns the HTTP handler serving this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
