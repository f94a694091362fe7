package store

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the Prometheus counters a Store exposes. They are
// created per-Store (not package globals) and registered on the
// registerer the caller supplies. The Conglomerate opens one Store;
// two Stores given the same Registerer collide on registration, and
// MustRegister panics.
type metrics struct {
	flushes    prometheus.Counter
	flushBytes prometheus.Counter
	recoveries prometheus.Counter
	ioRetries  prometheus.Counter
	lockWaits  *prometheus.HistogramVec
}

func newMetrics(namespace string, reg prometheus.Registerer) *metrics {
	m := &metrics{
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "flushes_total",
			Help: "Number of Store.Flush calls that committed a batch.",
		}),
		flushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "flush_bytes_total",
			Help: "Bytes written to the data file across all flushes.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "recoveries_total",
			Help: "Number of times Open replayed or discarded a write-ahead journal.",
		}),
		ioRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "io_retries_total",
			Help: "Number of transient area-read retries via the backoff policy.",
		}),
		lockWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "file_lock_wait_seconds",
			Help:    "Time spent blocked acquiring the OS-level file lock, by mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.flushes, m.flushBytes, m.recoveries, m.ioRetries, m.lockWaits)
	}
	return m
}
