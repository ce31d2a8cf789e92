// Package metrics exposes service counters in Prometheus format. One
// Metrics value observes the stream manager, the trip processor and the
// ingest paths.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drive_score"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	samplesIngested *prometheus.CounterVec
	samplesRejected *prometheus.CounterVec
	samplesBuffered prometheus.Counter
	samplesStored   prometheus.Counter
	flushes         *prometheus.CounterVec
	flushFailures   *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	flushSize       prometheus.Histogram
	sessions        prometheus.Gauge
	tripsStarted    prometheus.Counter
	tripsCompleted  prometheus.Counter
	analysisTime    prometheus.Histogram
}

// New registers every collector on a private registry so tests and
// multiple instances never collide on the global one.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		samplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Validated samples accepted, by ingest path.",
		}, []string{"source"}),
		samplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Payloads rejected by validation, by ingest path.",
		}, []string{"source"}),
		samplesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_samples_buffered_total",
			Help:      "Samples buffered by streaming sessions.",
		}),
		samplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trip_samples_stored_total",
			Help:      "Samples appended to trips.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_flushes_total",
			Help:      "Completed session flushes by trigger.",
		}, []string{"trigger"}),
		flushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_flush_failures_total",
			Help:      "Session flushes that failed, by trigger.",
		}, []string{"trigger"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time spent in the realtime pipeline per flush.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		flushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_flush_samples",
			Help:      "Samples per session flush.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions",
			Help:      "Connected streaming sessions.",
		}),
		tripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trips_started_total",
			Help:      "Trips started.",
		}),
		tripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trips_completed_total",
			Help:      "Trips completed with a full analysis.",
		}),
		analysisTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trip_analysis_duration_seconds",
			Help:      "Time to analyse and store a completed trip.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.samplesIngested,
		m.samplesRejected,
		m.samplesBuffered,
		m.samplesStored,
		m.flushes,
		m.flushFailures,
		m.flushDuration,
		m.flushSize,
		m.sessions,
		m.tripsStarted,
		m.tripsCompleted,
		m.analysisTime,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) SessionsChanged(n int) { m.sessions.Set(float64(n)) }

func (m *Metrics) SamplesBuffered(n int) {
	m.samplesBuffered.Add(float64(n))
	m.samplesIngested.WithLabelValues("websocket").Add(float64(n))
}

func (m *Metrics) FlushCompleted(trigger string, samples int, elapsed time.Duration) {
	m.flushes.WithLabelValues(trigger).Inc()
	m.flushSize.Observe(float64(samples))
	m.flushDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) FlushFailed(trigger string) { m.flushFailures.WithLabelValues(trigger).Inc() }

func (m *Metrics) TripStarted() { m.tripsStarted.Inc() }

func (m *Metrics) TripCompleted(elapsed time.Duration) {
	m.tripsCompleted.Inc()
	m.analysisTime.Observe(elapsed.Seconds())
}

func (m *Metrics) SamplesRecorded(n int) { m.samplesStored.Add(float64(n)) }

func (m *Metrics) SamplesIngested(source string, n int) {
	m.samplesIngested.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) SamplesRejected(source string) { m.samplesRejected.WithLabelValues(source).Inc() }
