package master

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors CellCache and ColumnRIDList
// update, grounded on the same namespaced-counter convention as
// gc.Metrics.
type Metrics struct {
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	ridRebuilds *prometheus.CounterVec
}

// NewMetrics registers the master package's collectors under
// namespace. A nil Registerer skips registration (useful in tests).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "cell_cache_hits_total",
			Help:      "Count of cell cache lookups served from cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "cell_cache_misses_total",
			Help:      "Count of cell cache lookups requiring a decode.",
		}),
		ridRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "rid_list_rebuilds_total",
			Help:      "Count of per-column RID list background rebuilds, by table.",
		}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheHits, m.cacheMisses, m.ridRebuilds)
	}
	return m
}
