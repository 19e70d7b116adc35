package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

// runnerMetrics are per-runner so tests can build runners without a registry.
type runnerMetrics struct {
	results *prometheus.CounterVec   // result: ok|error|rejected
	actions *prometheus.CounterVec   // action: delete|skip_version|reload
	latency *prometheus.HistogramVec // op
	fanout  prometheus.Histogram
	lag     prometheus.Gauge
}

func newRunnerMetrics(reg prometheus.Registerer) *runnerMetrics {
	m := &runnerMetrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_inval_events_total",
			Help: "Invalidation events consumed, by outcome.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_inval_actions_total",
			Help: "Page deletions, sequence skips and viewport reloads caused by invalidation.",
		}, []string{"action"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "overlay_inval_apply_seconds",
			Help:    "Time from decode to purge completion for one event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_inval_buckets_per_event",
			Help:    "Number of 2-decimal buckets one event resolved to.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_inval_lag_seconds",
			Help: "Wall clock minus the timestamp of the last consumed message.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.results, m.actions, m.latency, m.fanout, m.lag)
	}
	return m
}
