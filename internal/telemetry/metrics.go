// Package telemetry wires structured logging (go-kit/log) and
// Prometheus metrics (client_golang/promauto) the way
// _examples/dreamsxin-wal/metrics.go sets up its own walMetrics struct,
// plus an HdrHistogram-backed commit-lock latency recorder.
package telemetry

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the engine and API layer emit.
type Metrics struct {
	CommitsTotal      *prometheus.CounterVec
	CommitErrorsTotal *prometheus.CounterVec
	CommitLatencySecs prometheus.Histogram

	EventLogOffset    prometheus.Gauge
	BusSubscribers    prometheus.Gauge
	StateKeysLive     prometheus.Gauge
	VectorCollections prometheus.Gauge
	VectorItemsLive   prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	commitHist *hdrLatency
}

// New registers and returns a Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kissengine_commits_total",
			Help: "Total successful engine commits, by operation.",
		}, []string{"op"}),
		CommitErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kissengine_commit_errors_total",
			Help: "Total failed engine commits, by operation and error kind.",
		}, []string{"op", "kind"}),
		CommitLatencySecs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kissengine_commit_latency_seconds",
			Help:    "Commit-lock hold time for a single mutation, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		EventLogOffset: f.NewGauge(prometheus.GaugeOpts{
			Name: "kissengine_event_log_offset",
			Help: "Highest offset assigned by the event bus so far.",
		}),
		BusSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "kissengine_bus_subscribers",
			Help: "Number of live SSE subscribers attached to the event bus.",
		}),
		StateKeysLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "kissengine_state_keys_live",
			Help: "Number of keys held in the state store, including expired keys not yet swept.",
		}),
		VectorCollections: f.NewGauge(prometheus.GaugeOpts{
			Name: "kissengine_vector_collections",
			Help: "Number of vector collections.",
		}),
		VectorItemsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "kissengine_vector_items_live",
			Help: "Total live vector items across all collections.",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kissengine_http_requests_total",
			Help: "Total HTTP requests, by route and status class.",
		}, []string{"route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kissengine_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		commitHist: newHdrLatency(),
	}
	return m
}

// ObserveCommit records a commit's latency against both the Prometheus
// histogram (for scraping) and the HdrHistogram (for precise percentile
// queries through CommitLatencyPercentile; no HTTP route reports them).
func (m *Metrics) ObserveCommit(op string, d time.Duration) {
	m.CommitsTotal.WithLabelValues(op).Inc()
	m.CommitLatencySecs.Observe(d.Seconds())
	m.commitHist.record(d)
}

// ObserveCommitError records a failed commit by operation and error kind.
func (m *Metrics) ObserveCommitError(op, kind string) {
	m.CommitErrorsTotal.WithLabelValues(op, kind).Inc()
}

// CommitLatencyPercentile returns the p-th percentile (0..100) commit
// latency observed so far, in microseconds.
func (m *Metrics) CommitLatencyPercentile(p float64) int64 {
	return m.commitHist.valueAtPercentile(p)
}

// hdrLatency wraps an HdrHistogram configured for microsecond-resolution
// latencies up to 10 seconds, guarded by its own lock since
// hdrhistogram.Histogram is not safe for concurrent use.
type hdrLatency struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newHdrLatency() *hdrLatency {
	return &hdrLatency{hist: hdrhistogram.New(1, 10_000_000, 3)}
}

func (h *hdrLatency) record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hist.RecordValue(d.Microseconds())
}

func (h *hdrLatency) valueAtPercentile(p float64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.ValueAtPercentile(p)
}
