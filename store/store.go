// Store lifecycle: Open, Close, and the Config surface.
//
// Store owns a single data file plus a side write-ahead journal file.
// Cross-process exclusion is an OS flock (lock.go). In-process, a
// sync.Mutex guards the pending batch and the free list; LockForWrite
// takes the flock and sets the writeOpen flag that CheckOut requires,
// but does not exclude other goroutines of the same process, and reads
// take no lock. Areas are self-describing records chained from
// dataStart to Tail (area.go); a crash between writes is recovered by
// replaying or discarding the journal (wal.go).
package store

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds store-level configuration options (spec.md §6).
type Config struct {
	ReadOnly          bool   // Disables all write latches; reject commits.
	DataCacheSize     string // Byte budget for the cell cache, e.g. "256MB". Consumed by higher layers.
	MaxCacheEntrySize string // Upper bound per cache entry, e.g. "4MB". Parsed but not enforced by any cache.
	SyncWrites        bool   // fsync after every reserved-area write (dont_synch_filesystem inverted).
	ChecksumAlgorithm int    // ChecksumXXHash3 (default), ChecksumFNV1a, ChecksumBlake2b.
	IOMaxRetries      int    // Max backoff retries for a transient area read (default 3).
	MetricsNamespace  string // Prometheus namespace prefix (default "strata").
	Logger            *zerolog.Logger       // nil uses a stderr Warn-level logger.
	Registerer        prometheus.Registerer // nil disables metrics registration.
}

// dataCacheBytes parses Config.DataCacheSize, defaulting to 64MiB.
func (c Config) dataCacheBytes() uint64 {
	return parseSizeOr(c.DataCacheSize, 64*uint64(datasize.MB))
}

// maxCacheEntryBytes parses Config.MaxCacheEntrySize, defaulting to 1MiB.
func (c Config) maxCacheEntryBytes() uint64 {
	return parseSizeOr(c.MaxCacheEntrySize, uint64(datasize.MB))
}

func parseSizeOr(s string, def uint64) uint64 {
	if s == "" {
		return def
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return def
	}
	return v.Bytes()
}

// Store is an open area file.
type Store struct {
	root   *os.Root
	name   string
	reader *os.File
	writer *os.File
	lock   *fileLock

	header   *fileHeader
	wasClean bool

	cfg     Config
	logger  zerolog.Logger
	metrics *metrics

	mu        sync.Mutex
	writeOpen bool
	pending   []walOp
	virtTail  int64      // header.Tail plus bytes already reserved by pending, unflushed CreateArea calls
	freeList  []freeSlot // durable free slots, available for reuse by CreateArea

	wal *walFile

	closed atomic.Bool
}

// Open opens or creates a store file named name under dir.
func Open(dir, name string, cfg Config) (*Store, error) {
	if cfg.ChecksumAlgorithm == 0 {
		cfg.ChecksumAlgorithm = ChecksumXXHash3
	}
	if cfg.IOMaxRetries == 0 {
		cfg.IOMaxRetries = 3
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "strata"
	}
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Str("component", "store").Str("store", name).Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open root: %v", ErrIO, err)
	}

	if _, err := root.Stat(name); os.IsNotExist(err) {
		if err := createEmpty(root, name, cfg); err != nil {
			root.Close()
			return nil, err
		}
	}

	reader, err := root.OpenFile(name, os.O_RDONLY, 0644)
	if err != nil {
		root.Close()
		return nil, fmt.Errorf("%w: open reader: %v", ErrIO, err)
	}
	writer, err := root.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		reader.Close()
		root.Close()
		return nil, fmt.Errorf("%w: open writer: %v", ErrIO, err)
	}

	hdrBuf := make([]byte, FileHeaderSize)
	if _, err := reader.ReadAt(hdrBuf, 0); err != nil {
		reader.Close()
		writer.Close()
		root.Close()
		return nil, fmt.Errorf("%w: read header: %v", ErrIO, err)
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		reader.Close()
		writer.Close()
		root.Close()
		return nil, err
	}

	lockMetrics := newMetrics(cfg.MetricsNamespace, cfg.Registerer)
	lockLogger := logger.With().Str("subcomponent", "file_lock").Logger()

	s := &Store{
		root:     root,
		name:     name,
		reader:   reader,
		writer:   writer,
		lock:     &fileLock{f: writer, logger: lockLogger, metrics: lockMetrics},
		header:   hdr,
		wasClean: hdr.CleanClose == 1,
		cfg:      cfg,
		logger:   logger,
		metrics:  lockMetrics,
	}

	s.wal, err = openWAL(root, name+".wal")
	if err != nil {
		reader.Close()
		writer.Close()
		root.Close()
		return nil, err
	}

	if s.wal.hasRecords() {
		s.wasClean = false
		s.metrics.recoveries.Inc()
		s.logger.Warn().Msg("replaying write-ahead journal found at open")
		if err := s.replayWAL(); err != nil {
			reader.Close()
			writer.Close()
			root.Close()
			return nil, err
		}
	} else if !s.wasClean {
		s.logger.Warn().Msg("store was not closed cleanly; no journal to replay, trusting last flushed state")
		s.metrics.recoveries.Inc()
	}

	s.virtTail = s.header.Tail
	if err := s.scanFreeList(); err != nil {
		reader.Close()
		writer.Close()
		root.Close()
		return nil, err
	}

	return s, nil
}

func createEmpty(root *os.Root, name string, cfg Config) error {
	f, err := root.Create(name)
	if err != nil {
		return fmt.Errorf("%w: create: %v", ErrIO, err)
	}
	defer f.Close()

	hdr := &fileHeader{
		Version:     1,
		ChecksumAlg: uint8(cfg.ChecksumAlgorithm),
		CleanClose:  1,
		Tail:        dataStart,
	}
	buf := make([]byte, dataStart)
	copy(buf, hdr.encode())
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: init: %v", ErrIO, err)
	}
	return f.Sync()
}

// LastCloseClean reports whether the store's previous session closed
// cleanly, as observed at Open time.
func (s *Store) LastCloseClean() bool { return s.wasClean }

// syncWriter fsyncs the data file.
func (s *Store) syncWriter() error {
	if err := s.writer.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrIO, err)
	}
	return nil
}

func (s *Store) markDirty() {
	if s.header.CleanClose == 1 {
		s.header.CleanClose = 0
		s.writer.WriteAt(s.header.encode(), 0)
	}
}

// Close flushes a clean-close marker and releases all handles.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lock.setFile(nil)

	s.header.CleanClose = 1
	if _, err := s.writer.WriteAt(s.header.encode(), 0); err == nil {
		s.writer.Sync()
	}

	var errs []error
	if err := s.wal.close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.root.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
