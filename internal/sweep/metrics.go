package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type sweepMetrics struct {
	ticks    prometheus.Counter
	releases prometheus.Counter
	failures prometheus.Counter
	warnings prometheus.Counter
	duration prometheus.Histogram
}

func (m *sweepMetrics) init(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	m.ticks = factory.NewCounter(prometheus.CounterOpts{
		Name: "holdline_sweep_ticks_total",
		Help: "sweep passes started",
	})
	m.releases = factory.NewCounter(prometheus.CounterOpts{
		Name: "holdline_sweep_releases_total",
		Help: "expired commitments released by the sweep",
	})
	m.failures = factory.NewCounter(prometheus.CounterOpts{
		Name: "holdline_sweep_failures_total",
		Help: "per-resource release failures, retried on the next tick",
	})
	m.warnings = factory.NewCounter(prometheus.CounterOpts{
		Name: "holdline_sweep_warnings_total",
		Help: "advisory expiry warnings emitted",
	})
	m.duration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "holdline_sweep_duration_seconds",
		Help:    "wall time of one sweep pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})
}
