// Package metrics exposes relay, heartbeat and HTTP metrics for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/relay"
)

// Collector owns a private registry so several collectors can coexist in one
// process (tests, embedded servers).
type Collector struct {
	registry *prometheus.Registry

	streamsStarted  *prometheus.CounterVec
	streamsFinished *prometheus.CounterVec
	streamsActive   prometheus.Gauge

	flushes        prometheus.Counter
	flushedBytes   prometheus.Counter
	malformedLines prometheus.Counter

	keepalives *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector with its metrics registered under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),

		streamsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Total number of generation streams started",
		}, []string{"kind"}),

		streamsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_finished_total",
			Help:      "Total number of generation streams finished, by terminal state",
		}, []string{"state"}),

		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of generation streams currently running",
		}),

		flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_flushes_total",
			Help:      "Total number of token batches delivered downstream",
		}),

		flushedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_flushed_bytes_total",
			Help:      "Total bytes of token text delivered downstream",
		}),

		malformedLines: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_malformed_lines_total",
			Help:      "Total number of upstream lines that could not be parsed",
		}),

		keepalives: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_keepalives_total",
			Help:      "Total number of keepalives sent to idle streams",
		}, []string{"result"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(c.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StreamStarted records a new stream of the given kind.
func (c *Collector) StreamStarted(kind string) {
	c.streamsStarted.WithLabelValues(kind).Inc()
	c.streamsActive.Inc()
}

// Flushed implements relay.Recorder.
func (c *Collector) Flushed(bytes int) {
	c.flushes.Inc()
	c.flushedBytes.Add(float64(bytes))
}

// MalformedLine implements relay.Recorder.
func (c *Collector) MalformedLine() {
	c.malformedLines.Inc()
}

// Finished implements relay.Recorder.
func (c *Collector) Finished(state relay.State) {
	c.streamsFinished.WithLabelValues(state.String()).Inc()
	c.streamsActive.Dec()
}

// KeepaliveSent implements heartbeat.Recorder.
func (c *Collector) KeepaliveSent() {
	c.keepalives.WithLabelValues("sent").Inc()
}

// KeepaliveFailed implements heartbeat.Recorder.
func (c *Collector) KeepaliveFailed() {
	c.keepalives.WithLabelValues("failed").Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
