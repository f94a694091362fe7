package gc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the dispatcher updates after
// every task run, grounded on the cuemby-warren example's pkg/metrics
// convention of namespacing every counter under the host's namespace.
type Metrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewMetrics registers the dispatcher's collectors under namespace. A
// nil Registerer skips registration (useful in tests).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "task_duration_seconds",
			Help:      "Duration of background GC tasks by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "task_failures_total",
			Help:      "Count of background GC task failures by kind.",
		}, []string{"task"}),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.failures)
	}
	return m
}

func (m *Metrics) observe(task string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(task).Observe(d.Seconds())
	if err != nil {
		m.failures.WithLabelValues(task).Inc()
	}
}
