package jobs

import "github.com/prometheus/client_golang/prometheus"

// poolMetrics holds metrics related to the worker pool.
type poolMetrics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	requeued  *prometheus.CounterVec

	duration *prometheus.HistogramVec
}

func newPoolMetrics() *poolMetrics {
	const (
		namespace = "tenantdb"
		subsystem = "jobs"
	)

	labels := []string{"kind"}

	return &poolMetrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "started_total",
			Help:      "Number of jobs leased by workers",
		}, labels),

		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "completed_total",
			Help:      "Number of jobs that finished successfully",
		}, labels),

		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failed_total",
			Help:      "Number of jobs that finished with a terminal error",
		}, labels),

		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requeued_total",
			Help:      "Number of jobs returned to the queue after a lock timeout",
		}, labels),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Wall-clock time each job spent executing",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, labels),
	}
}

// PrometheusCollectors exposes the pool metrics for registration.
func (pm *poolMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		pm.started,
		pm.completed,
		pm.failed,
		pm.requeued,
		pm.duration,
	}
}
