package strata

import (
	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jpl-au/strata/store"
)

// Config configures an opened database. Unset fields fall back to the
// same defaults store.Config and the subpackages use.
type Config struct {
	// ReadOnly opens the store read-only: CreateTable and row writes
	// fail with store.ErrReadOnly. A commit that made no writes still
	// succeeds.
	ReadOnly bool

	// DataCacheSize is a human-readable byte budget (e.g. "256MB") from
	// which each cell cache's entry capacity is derived (budget/256,
	// at least 1024 entries). The tables loaded at Open share one
	// cache; each CreateTable builds its own cache of that capacity.
	// MaxCacheEntrySize is passed to store.Config and is not enforced
	// by any cache.
	DataCacheSize     string
	MaxCacheEntrySize string

	// DontSyncFilesystem maps to store.Config.SyncWrites inverted, which
	// governs only the fsync after a reserved-area write; the commit
	// flush fsyncs regardless of this option.
	DontSyncFilesystem bool

	// ChecksumAlgorithm selects the area-integrity hash ("xxh3"
	// default, "blake2b", or "fnv1a").
	ChecksumAlgorithm string

	// TransactionErrorOnDirtySelect is accepted but not consulted: the
	// validation step does no read validation and ErrDirtySelect is
	// never returned.
	TransactionErrorOnDirtySelect bool

	// IgnoreCaseForIdentifiers is accepted but not consulted: table and
	// column name comparisons are always exact (case-sensitive).
	IgnoreCaseForIdentifiers bool

	// TableLockCheck enables anacrolix/sync deadlock-checked mutexes
	// in the lock manager instead of plain sync.Mutex.
	TableLockCheck bool

	// MetricsNamespace prefixes every exported Prometheus counter.
	MetricsNamespace string

	// Logger is the shared structured logger threaded down to every
	// subpackage. A nil Logger gets a stderr Warn-level default.
	Logger *zerolog.Logger

	// Registerer receives this database's Prometheus collectors. Nil
	// skips registration.
	Registerer prometheus.Registerer
}

// dataCacheBytes parses DataCacheSize the same way store.Config does,
// defaulting to 64MiB when unset or unparseable.
func (c Config) dataCacheBytes() uint64 {
	def := uint64(64 * datasize.MB)
	if c.DataCacheSize == "" {
		return def
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(c.DataCacheSize)); err != nil {
		return def
	}
	return v.Bytes()
}

func (c Config) storeConfig() store.Config {
	alg := store.ChecksumXXHash3
	switch c.ChecksumAlgorithm {
	case "blake2b":
		alg = store.ChecksumBlake2b
	case "fnv1a":
		alg = store.ChecksumFNV1a
	}
	return store.Config{
		ReadOnly:          c.ReadOnly,
		DataCacheSize:     c.DataCacheSize,
		MaxCacheEntrySize: c.MaxCacheEntrySize,
		SyncWrites:        !c.DontSyncFilesystem,
		ChecksumAlgorithm: alg,
		MetricsNamespace:  c.MetricsNamespace,
		Logger:            c.Logger,
		Registerer:        c.Registerer,
	}
}
