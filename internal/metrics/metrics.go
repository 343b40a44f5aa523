// Package metrics exposes Prometheus collectors for cache lookups and upstream
// fetches. A nil *Recorder is valid and records nothing, so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "package_cache"

// Request results.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Fetch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder tracks cache performance.
//
// Metrics:
//   - package_cache_requests_total{result}: cache lookups by hit/miss/error
//   - package_cache_upstream_fetches_total{source,outcome}: attempts per source
//   - package_cache_upstream_bytes_total{source}: bytes persisted from each source
//   - package_cache_inflight_fetches: keys currently being fetched
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	fetchesTotal  *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
	inflightGauge prometheus.Gauge
}

// New creates and registers the collectors on registry. A nil registry gets a
// fresh one, which is what the server does at startup.
func New(registry *prometheus.Registry) *Recorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	r := &Recorder{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of cache lookups by result",
			},
			[]string{"result"},
		),
		fetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_fetches_total",
				Help:      "Total number of upstream fetch attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_bytes_total",
				Help:      "Total number of bytes written to the cache by source",
			},
			[]string{"source"},
		),
		inflightGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_fetches",
				Help:      "Number of cache keys currently being fetched",
			},
		),
	}

	registry.MustRegister(
		r.requestsTotal,
		r.fetchesTotal,
		r.bytesTotal,
		r.inflightGauge,
	)
	return r
}

// RecordRequest counts one cache lookup.
func (r *Recorder) RecordRequest(result string) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(result).Inc()
}

// RecordFetch counts one upstream attempt; bytes is only added on success.
func (r *Recorder) RecordFetch(source, outcome string, bytes int64) {
	if r == nil {
		return
	}
	r.fetchesTotal.WithLabelValues(source, outcome).Inc()
	if outcome == OutcomeSuccess && bytes > 0 {
		r.bytesTotal.WithLabelValues(source).Add(float64(bytes))
	}
}

// FetchStarted increments the in-flight gauge.
func (r *Recorder) FetchStarted() {
	if r == nil {
		return
	}
	r.inflightGauge.Inc()
}

// FetchFinished decrements the in-flight gauge.
func (r *Recorder) FetchFinished() {
	if r == nil {
		return
	}
	r.inflightGauge.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
