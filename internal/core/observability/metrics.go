// Package observability holds the service-wide Prometheus instruments.
// Until Init is called with a registerer every recorder is a no-op.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type instruments struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	upstreamLatency *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	cacheResults    *prometheus.CounterVec
	cacheOps        *prometheus.CounterVec
	cacheOpDuration *prometheus.HistogramVec
	cacheEvictions  *prometheus.CounterVec
	pageOutcomes    *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	datasetFeatures prometheus.Gauge
	visibleFeatures prometheus.Gauge
	invalidatedKeys prometheus.Counter
}

var current atomic.Pointer[instruments]

// Init registers all instruments on reg. Passing enabled=false or a nil
// registerer disables recording.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		current.Store(nil)
		return
	}
	latency := prometheus.ExponentialBuckets(0.005, 2, 12) // 5ms to ~20s
	in := &instruments{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: latency,
		}, []string{"method", "route", "status"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream listing API calls in seconds.",
			Buckets: latency,
		}, []string{"endpoint"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Upstream listing API failures by endpoint.",
		}, []string{"endpoint"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "page_cache_results_total",
			Help: "Page cache lookups by tier and outcome.",
		}, []string{"tier", "outcome"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Persistent tier operations by result.",
		}, []string{"op", "result"}),
		cacheOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "page_cache_evictions_total",
			Help: "Page cache entries removed by reason.",
		}, []string{"reason"}),
		pageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_pages_total",
			Help: "Page fetch outcomes (hit, miss, error, canceled, stale).",
		}, []string{"outcome", "mode"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_sessions_total",
			Help: "Fetch sessions by final state.",
		}, []string{"result"}),
		datasetFeatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dataset_features",
			Help: "Features in the canonical dataset.",
		}),
		visibleFeatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visible_features",
			Help: "Features in the last filtered collection pushed to the renderer.",
		}),
		invalidatedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invalidated_page_keys_total",
			Help: "Page cache keys purged by invalidation events.",
		}),
	}
	reg.MustRegister(
		in.httpRequests, in.httpDuration, in.upstreamLatency, in.upstreamErrors,
		in.cacheResults, in.cacheOps, in.cacheOpDuration, in.cacheEvictions,
		in.pageOutcomes, in.sessions, in.datasetFeatures, in.visibleFeatures,
		in.invalidatedKeys,
	)
	current.Store(in)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	in := current.Load()
	if in == nil {
		return
	}
	st := strconv.Itoa(status)
	in.httpRequests.WithLabelValues(method, route, st).Inc()
	in.httpDuration.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstream(endpoint string, err error, durationSeconds float64) {
	in := current.Load()
	if in == nil {
		return
	}
	in.upstreamLatency.WithLabelValues(endpoint).Observe(durationSeconds)
	if err != nil {
		in.upstreamErrors.WithLabelValues(endpoint).Inc()
	}
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	in := current.Load()
	if in == nil {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	in.cacheOps.WithLabelValues(op, res).Inc()
	in.cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncCacheResult(tier, outcome string) {
	if in := current.Load(); in != nil {
		in.cacheResults.WithLabelValues(tier, outcome).Inc()
	}
}

func AddCacheEvictions(reason string, n int) {
	if n <= 0 {
		return
	}
	if in := current.Load(); in != nil {
		in.cacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

func IncPageOutcome(outcome, mode string) {
	if in := current.Load(); in != nil {
		in.pageOutcomes.WithLabelValues(outcome, mode).Inc()
	}
}

func IncSession(result string) {
	if in := current.Load(); in != nil {
		in.sessions.WithLabelValues(result).Inc()
	}
}

func SetDatasetFeatures(n int) {
	if in := current.Load(); in != nil {
		in.datasetFeatures.Set(float64(n))
	}
}

func SetVisibleFeatures(n int) {
	if in := current.Load(); in != nil {
		in.visibleFeatures.Set(float64(n))
	}
}

func AddInvalidatedKeys(n int) {
	if n <= 0 {
		return
	}
	if in := current.Load(); in != nil {
		in.invalidatedKeys.Add(float64(n))
	}
}
