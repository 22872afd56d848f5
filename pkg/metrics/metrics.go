// Package metrics exposes Prometheus instrumentation for the streaming
// daemon: stream lifecycle counters, append timings, and HTTP bandwidth
// accounting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon collectors. They live on a private registry
// so multiple instances never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	StreamsActive  prometheus.Gauge
	StreamsOpened  *prometheus.CounterVec
	StreamsExpired prometheus.Counter
	VolumesServed  prometheus.Counter
	Appends        *prometheus.CounterVec
	AppendDuration prometheus.Histogram

	bytesReceived *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	requestSize   *prometheus.HistogramVec
	responseSize  *prometheus.HistogramVec
}

// New creates and registers the daemon collectors
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	factory := promauto.With(m.registry)

	m.StreamsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "rtbids_streams_active",
		Help: "Number of currently open volume streams",
	})
	m.StreamsOpened = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbids_streams_opened_total",
			Help: "Streams opened since start, by dataset source",
		},
		[]string{"source"}, // "path" or "accession"
	)
	m.StreamsExpired = factory.NewCounter(prometheus.CounterOpts{
		Name: "rtbids_streams_expired_total",
		Help: "Streams closed by the idle janitor",
	})
	m.VolumesServed = factory.NewCounter(prometheus.CounterOpts{
		Name: "rtbids_volumes_served_total",
		Help: "Incremental volumes served to clients",
	})
	m.Appends = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbids_appends_total",
			Help: "Archive append operations by result",
		},
		[]string{"result"}, // "appended", "noop", "error"
	)
	m.AppendDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtbids_append_duration_seconds",
		Help:    "Time spent appending an incremental into an archive",
		Buckets: prometheus.DefBuckets,
	})

	m.bytesReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbids_http_request_bytes_total",
			Help: "Total bytes received in HTTP requests",
		},
		[]string{"method", "endpoint"},
	)
	m.bytesSent = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbids_http_response_bytes_total",
			Help: "Total bytes sent in HTTP responses",
		},
		[]string{"method", "endpoint", "status"},
	)
	m.requestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtbids_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)
	m.responseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtbids_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint", "status"},
	)

	return m
}

// Handler returns the scrape endpoint handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
