package strata

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/jpl-au/strata/blobstore"
	"github.com/jpl-au/strata/gc"
	"github.com/jpl-au/strata/indexset"
	"github.com/jpl-au/strata/lockmgr"
	"github.com/jpl-au/strata/master"
	"github.com/jpl-au/strata/sequence"
	"github.com/jpl-au/strata/store"
)

const (
	gcRowCollectInterval      = 30 * time.Second
	gcStoreCompactionInterval = 5 * time.Minute
)

const (
	catalogMaxTables  = 256
	catalogEntrySize  = 4 + 64 + 8  // name length + fixed name buffer + header area id
	catalogHeaderSize = 4 + 8 + 8 + 8 // table count, blob store root, sequence root, commit-id area
)

type tableEntry struct {
	name    string
	header  int64
	table   *master.Table
	indices *indexset.Store
}

// DB is an open Conglomerate: the serialization point owning every
// MasterTableDataSource, the SequenceManager, the LockingMechanism,
// and the registry of open transactions.
type DB struct {
	s      *store.Store
	logger zerolog.Logger
	cfg    Config

	blobs         *blobstore.BlobStore
	seq           *sequence.Manager
	locks         *lockmgr.Manager
	gcd           *gc.Dispatcher
	metrics       *dbMetrics
	masterMetrics *master.Metrics

	catalogRoot  int64
	commitIDArea int64

	mu     sync.RWMutex
	tables map[string]*tableEntry

	nextCommitID atomic.Int64

	commitMu sync.Mutex
	openTx   map[string]*Transaction
	journals []committedJournal
}

type committedJournal struct {
	commitID int64
	table    string
	entries  []master.JournalEntry
}

type dbMetrics struct {
	commits   prometheus.Counter
	conflicts *prometheus.CounterVec
	aborts    prometheus.Counter
}

func newDBMetrics(namespace string, reg prometheus.Registerer) *dbMetrics {
	m := &dbMetrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tx", Name: "commits_total",
			Help: "Total committed transactions.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tx", Name: "conflicts_total",
			Help: "Total aborted transactions by reason.",
		}, []string{"reason"}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tx", Name: "aborts_total",
			Help: "Total explicitly rolled-back transactions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commits, m.conflicts, m.aborts)
	}
	return m
}

// Open opens or creates a database rooted at dir, wiring every
// subpackage together the way the teacher's folio.Open assembles one
// DB out of its file, header, and lock primitives.
func Open(dir string, cfg Config) (*DB, error) {
	s, err := store.Open(dir, "data.strata", cfg.storeConfig())
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Str("component", "strata").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	db := &DB{
		s: s, logger: logger, cfg: cfg,
		locks:  lockMgrFor(cfg),
		tables: make(map[string]*tableEntry),
		openTx: make(map[string]*Transaction),
	}
	db.metrics = newDBMetrics(namespaceOr(cfg.MetricsNamespace), cfg.Registerer)
	db.masterMetrics = master.NewMetrics(namespaceOr(cfg.MetricsNamespace), cfg.Registerer)
	db.gcd = gc.New(gc.NewMetrics(namespaceOr(cfg.MetricsNamespace), cfg.Registerer))

	var reserved [8]byte
	if err := s.ReadReserved(reserved[:]); err != nil {
		return nil, err
	}
	root := int64(binary.LittleEndian.Uint64(reserved[:]))

	if root == 0 {
		if err := db.bootstrap(); err != nil {
			return nil, err
		}
	} else {
		if err := db.loadCatalog(root); err != nil {
			return nil, err
		}
	}

	go db.gcd.Run(context.Background())

	db.mu.RLock()
	for name, entry := range db.tables {
		db.scheduleRowCollect(name, entry)
	}
	db.mu.RUnlock()
	db.scheduleStoreCompaction()

	return db, nil
}

// oldestLiveCommitID returns the minimum base_commit_id across every
// currently open transaction, or the next commit id if none are open
// — the watermark RowCollectTask reclaims COMMITTED_REMOVED rows
// against.
func (db *DB) oldestLiveCommitID() int64 {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	min := db.nextCommitID.Load()
	for _, tx := range db.openTx {
		if tx.baseCommitID < min {
			min = tx.baseCommitID
		}
	}
	return min
}

// rowCommitIDFor returns a lookup function for the commit id that last
// touched rowIndex in tableName, derived from the published journal
// history rather than a per-row stored field (the row slot format has
// none). The journal history is held in memory only, so a row whose
// last commit predates this Open has no entry and gets 0, which is
// below any watermark.
func (db *DB) rowCommitIDFor(tableName string) func(rowIndex int64) int64 {
	return func(rowIndex int64) int64 {
		db.commitMu.Lock()
		defer db.commitMu.Unlock()
		var last int64
		for _, cj := range db.journals {
			if cj.table != tableName {
				continue
			}
			for _, e := range cj.entries {
				if e.RowIndex == rowIndex {
					last = cj.commitID
				}
			}
		}
		return last
	}
}

// scheduleRowCollect schedules a self-rescheduling RowCollectTask for
// one table, mirroring the teacher's persistent background-worker
// idiom (gc.Dispatcher.Run) rather than a one-shot sweep.
func (db *DB) scheduleRowCollect(name string, entry *tableEntry) {
	var run func(ctx context.Context) error
	run = func(ctx context.Context) error {
		task := gc.RowCollectTask(entry.table, db.locks, name, db.oldestLiveCommitID, db.rowCommitIDFor(name))
		err := task(ctx)
		db.gcd.Schedule("row_collect:"+name, gcRowCollectInterval, run)
		return err
	}
	db.gcd.Schedule("row_collect:"+name, gcRowCollectInterval, run)
}

// scheduleStoreCompaction schedules a self-rescheduling fragmentation
// check over the whole store (gc.StoreCompactionTask); it only logs,
// since a physical compactor would need every area owner to support
// id remapping (see DESIGN.md).
func (db *DB) scheduleStoreCompaction() {
	var run func(ctx context.Context) error
	run = func(ctx context.Context) error {
		task := gc.StoreCompactionTask(db.s, func(freeBytes, tail int64) {
			db.logger.Warn().Int64("free_bytes", freeBytes).Int64("tail_bytes", tail).Msg("store_fragmented")
		})
		err := task(ctx)
		db.gcd.Schedule("store_compaction", gcStoreCompactionInterval, run)
		return err
	}
	db.gcd.Schedule("store_compaction", gcStoreCompactionInterval, run)
}

func namespaceOr(s string) string {
	if s == "" {
		return "strata"
	}
	return s
}

func lockMgrFor(cfg Config) *lockmgr.Manager {
	if cfg.TableLockCheck {
		return lockmgr.NewChecked()
	}
	return lockmgr.New()
}

func (db *DB) bootstrap() error {
	blobs, blobRoot, err := blobstore.Create(db.s)
	if err != nil {
		return err
	}
	seq, seqRoot, err := sequence.Create(db.s)
	if err != nil {
		return err
	}
	db.blobs = blobs
	db.seq = seq

	cw, err := db.s.CreateArea(8)
	if err != nil {
		return err
	}
	cw.PutInt64(0)
	commitIDArea, err := cw.Finish()
	if err != nil {
		return err
	}

	w, err := db.s.CreateArea(catalogHeaderSize + catalogMaxTables*catalogEntrySize)
	if err != nil {
		return err
	}
	w.PutInt32(0)
	w.PutInt64(blobRoot)
	w.PutInt64(seqRoot)
	w.PutInt64(commitIDArea)
	for i := 0; i < catalogMaxTables; i++ {
		w.PutInt32(0)
		w.PutBytes(make([]byte, 64))
		w.PutInt64(0)
	}
	catalogID, err := w.Finish()
	if err != nil {
		return err
	}
	if err := db.s.Flush(); err != nil {
		return err
	}
	db.catalogRoot = catalogID
	db.commitIDArea = commitIDArea

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(catalogID))
	if err := db.s.WriteReserved(buf[:]); err != nil {
		return err
	}
	db.nextCommitID.Store(1)
	return nil
}

func (db *DB) loadCatalog(root int64) error {
	db.catalogRoot = root
	r, err := db.s.GetArea(root)
	if err != nil {
		return err
	}
	count := int(r.GetInt32(0))
	blobRoot := r.GetInt64(4)
	seqRoot := r.GetInt64(12)
	commitIDArea := r.GetInt64(20)
	db.commitIDArea = commitIDArea

	blobs, err := blobstore.Open(db.s, blobRoot)
	if err != nil {
		return err
	}
	seq, err := sequence.Open(db.s, seqRoot)
	if err != nil {
		return err
	}
	db.blobs = blobs
	db.seq = seq

	cache, err := master.NewCellCache(cellCacheCapacity(db.cfg), db.masterMetrics)
	if err != nil {
		return err
	}

	off := catalogHeaderSize
	for i := 0; i < count; i++ {
		n := int(r.GetInt32(off))
		name := string(r.GetBytes(off+4, n))
		headerID := r.GetInt64(off + 4 + 64)
		off += catalogEntrySize

		tbl, err := master.Open(db.s, headerID, blobs, cache)
		if err != nil {
			return fmt.Errorf("strata: opening table %q: %w", name, err)
		}
		var indices *indexset.Store
		if root := tbl.IndexStoreRoot(); root != 0 {
			indices, err = indexset.Open(db.s, root)
			if err != nil {
				return fmt.Errorf("strata: opening index set for %q: %w", name, err)
			}
		}
		db.tables[name] = &tableEntry{name: name, header: headerID, table: tbl, indices: indices}
	}

	cr, err := db.s.GetArea(commitIDArea)
	if err != nil {
		return err
	}
	db.nextCommitID.Store(cr.GetInt64(0) + 1)
	return nil
}

// avgCellBytes estimates a cached cell's footprint (value bytes plus
// map/lru bookkeeping) for sizing the cell cache's entry count from
// the DataCacheSize byte budget.
const avgCellBytes = 256

func cellCacheCapacity(cfg Config) int {
	budget := cfg.dataCacheBytes()
	n := budget / avgCellBytes
	if n < 1024 {
		return 1024
	}
	return int(n)
}

// CreateTable registers a new table, its index set (one list per
// secondary index plus the master RID list at index 0), and returns
// a handle usable inside transactions via Transaction.Table.
func (db *DB) CreateTable(name string, def master.TableDef, indexDefs []master.IndexDef) error {
	if db.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.tables[name]; ok {
		return ErrTableExists
	}

	cache, err := master.NewCellCache(cellCacheCapacity(db.cfg), db.masterMetrics)
	if err != nil {
		return err
	}
	// Pointer identifies the indexset list backing each secondary
	// index; list 0 is reserved for the master RID list, so indices
	// are numbered from 1 in definition order.
	for i := range indexDefs {
		indexDefs[i].Pointer = int32(i + 1)
	}
	tableID := int32(len(db.tables) + 1)
	tbl, headerID, err := master.Create(db.s, tableID, def, indexDefs, db.blobs, cache)
	if err != nil {
		return err
	}

	indices, indexRoot, err := indexset.Create(db.s, 1+len(indexDefs))
	if err != nil {
		return err
	}
	if err := tbl.SetIndexStoreRoot(indexRoot); err != nil {
		return err
	}

	if err := db.appendCatalogEntry(name, headerID); err != nil {
		return err
	}
	entry := &tableEntry{name: name, header: headerID, table: tbl, indices: indices}
	db.tables[name] = entry
	if db.gcd != nil {
		db.scheduleRowCollect(name, entry)
	}
	return nil
}

func (db *DB) appendCatalogEntry(name string, headerID int64) error {
	if len(name) > 64 {
		return fmt.Errorf("strata: table name %q exceeds 64 bytes", name)
	}
	idx := len(db.tables)
	if idx >= catalogMaxTables {
		return fmt.Errorf("strata: catalog full (%d tables)", catalogMaxTables)
	}

	if err := db.s.LockForWrite(); err != nil {
		return err
	}
	defer db.s.UnlockForWrite()

	m, err := db.s.GetMutableArea(db.catalogRoot)
	if err != nil {
		return err
	}
	m.PutInt32(0, int32(idx+1))
	off := catalogHeaderSize + idx*catalogEntrySize
	m.PutInt32(off, int32(len(name)))
	nameBuf := make([]byte, 64)
	copy(nameBuf, name)
	m.PutBytes(off+4, nameBuf)
	m.PutInt64(off+4+64, headerID)
	if err := db.s.CheckOut(m); err != nil {
		return err
	}
	return db.s.Flush()
}

// Sequences exposes the database's SequenceManager (Component H).
func (db *DB) Sequences() *sequence.Manager { return db.seq }

// Commit runs the VALIDATE, APPLY, PERSIST, and PUBLISH steps of the
// commit protocol under db.commitMu, the single serialization point
// for every writer (spec.md §4.G). A read-only transaction, or one
// with an empty journal, commits trivially.
func (db *DB) Commit(tx *Transaction) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	touched := tx.journal.TablesTouched()
	if tx.readOnly || len(touched) == 0 {
		tx.disposeSnapshots()
		tx.finish()
		db.metrics.commits.Inc()
		return nil
	}

	entries := make(map[int32]*tableEntry, len(touched))
	for _, id := range touched {
		e := db.tableEntryByID(id)
		if e == nil {
			db.abort(tx, "unknown_table")
			return fmt.Errorf("strata: commit references unregistered table id %d", id)
		}
		entries[id] = e
	}

	if err := db.validateUnique(tx, entries); err != nil {
		db.abort(tx, "unique_violation")
		return err
	}

	commitID := db.nextCommitID.Load()

	if err := db.s.LockForWrite(); err != nil {
		db.abort(tx, "io_error")
		return err
	}
	commitErr := db.applyLocked(tx, entries, commitID)
	db.s.UnlockForWrite()
	if commitErr != nil {
		if errors.Is(commitErr, indexset.ErrStaleSnapshot) {
			db.abort(tx, "write_write_conflict")
			return ErrReadWriteConflict
		}
		db.abort(tx, "io_error")
		return commitErr
	}

	db.nextCommitID.Store(commitID + 1)
	tx.commitID = commitID

	changes := tx.journal.PerTableRowChanges()
	for id, e := range entries {
		db.journals = append(db.journals, committedJournal{
			commitID: commitID,
			table:    e.name,
			entries:  changes[id],
		})
	}

	tx.disposeSnapshots()
	tx.finish()
	db.metrics.commits.Inc()
	db.logger.Debug().Str("tx", tx.id.String()).Int64("commit_id", commitID).Int("tables", len(entries)).Msg("commit")
	return nil
}

// validateUnique rejects a commit that would insert a duplicate value
// into any IndexDef.Unique column. The secondary index lists store
// distinct int32 keys (indexKeyForCell), not which rows hold each
// key, so this walks the table's currently
// visible rows directly instead — acceptable at the row counts this
// engine targets, and grounded in the same RID-set tx.visible already
// computes for reads.
func (db *DB) validateUnique(tx *Transaction, entries map[int32]*tableEntry) error {
	changes := tx.journal.PerTableRowChanges()
	for id, e := range entries {
		for _, def := range e.table.IndexDefs {
			if !def.Unique || len(def.Columns) != 1 {
				continue
			}
			column := columnIndex(e.table.Def, def.Columns[0])
			if column < 0 {
				continue
			}
			for _, je := range changes[id] {
				if je.Op != master.JournalAdd {
					continue
				}
				newCell, err := e.table.GetCell(column, je.RowIndex)
				if err != nil {
					return err
				}
				dup, err := db.hasVisibleDuplicate(tx, e, column, je.RowIndex, newCell)
				if err != nil {
					return err
				}
				if dup {
					return fmt.Errorf("%w: table %q column %q", ErrUniqueViolation, e.name, def.Columns[0])
				}
			}
		}
	}
	return nil
}

func columnIndex(def master.TableDef, name string) int {
	for i, c := range def.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (db *DB) hasVisibleDuplicate(tx *Transaction, e *tableEntry, column int, skip int64, want master.Cell) (bool, error) {
	snap := tx.snapshots[e.name]
	if snap == nil {
		return false, nil
	}
	for _, rid := range snap.MasterRIDs() {
		rowIndex := int64(rid)
		if rowIndex == skip {
			continue
		}
		cell, err := e.table.GetCell(column, rowIndex)
		if err != nil {
			return false, err
		}
		if bytesEqualCell(cell, want) {
			return true, nil
		}
	}
	return false, nil
}

func bytesEqualCell(a, b master.Cell) bool {
	if a.IsRef != b.IsRef {
		return false
	}
	if a.IsRef {
		return a.BlobID == b.BlobID
	}
	return string(a.Inline) == string(b.Inline)
}

// indexKeyForCell maps a cell to the int32 an IntList sorts by. A
// 4-byte inline cell (the common case for an indexed column) uses its
// own numeric value, so the list stays genuinely ordered by value; a
// blob reference uses its low 32 bits; anything else is hashed with
// xxh3, trading exact ordering for a usable key on variable-length
// values.
func indexKeyForCell(c master.Cell) int32 {
	if c.IsRef {
		return int32(c.BlobID)
	}
	if len(c.Inline) == 4 {
		return int32(binary.BigEndian.Uint32(c.Inline))
	}
	return int32(xxh3.Hash(c.Inline))
}

// applySecondaryIndices maintains every single-column IndexDef's
// indexset list (Pointer 1..N) for one table's journaled changes, per
// spec.md §4.G step 4 ("per-column indices = insert/remove ordered by
// cell value"). Multi-column indexes are skipped, the same scope
// limit validateUnique already applies. A removed row's key is only
// evicted from the list if no other currently visible row shares it,
// since the list holds distinct values, not one entry per row.
func (db *DB) applySecondaryIndices(tx *Transaction, snap *indexset.IndexSet, e *tableEntry, changes []master.JournalEntry) error {
	for _, def := range e.table.IndexDefs {
		if len(def.Columns) != 1 || def.Pointer == 0 {
			continue
		}
		column := columnIndex(e.table.Def, def.Columns[0])
		if column < 0 {
			continue
		}
		idx, err := snap.GetIndex(int(def.Pointer))
		if err != nil {
			return err
		}
		for _, je := range changes {
			cell, err := e.table.GetCell(column, je.RowIndex)
			if err != nil {
				return err
			}
			key := indexKeyForCell(cell)
			switch je.Op {
			case master.JournalAdd:
				if err := idx.Insert(key); err != nil {
					return err
				}
			case master.JournalRemove:
				shared, err := db.hasVisibleDuplicate(tx, e, column, je.RowIndex, cell)
				if err != nil {
					return err
				}
				if !shared {
					if err := idx.Remove(key); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// applyLocked replays each touched table's journal into its
// snapshot's master RID list (index 0) and per-column secondary
// indices (lists 1..N, one per IndexDef.Pointer), commits every
// touched table's snapshot, and only then flips row slot states to
// COMMITTED_*. Committing indices before marking rows keeps a
// stale-snapshot rejection (indexset.ErrStaleSnapshot) from leaving a
// row irreversibly COMMITTED_* for a transaction that ultimately
// aborted. Must run with the store's write lock held.
//
// A table whose indexset.Commit succeeds while a later table in the
// same transaction's write set then fails leaves that first table's
// index advanced without its rows marked committed yet; recovering
// full atomicity across multiple tables in one transaction is not
// attempted here (see DESIGN.md).
func (db *DB) applyLocked(tx *Transaction, entries map[int32]*tableEntry, commitID int64) error {
	changes := tx.journal.PerTableRowChanges()

	for id, e := range entries {
		snap := tx.snapshots[e.name]
		if snap == nil {
			continue // table has no index set wired; row state alone carries visibility
		}
		master0, err := snap.GetIndex(0)
		if err != nil {
			return err
		}
		for _, je := range changes[id] {
			switch je.Op {
			case master.JournalAdd:
				if err := master0.Insert(int32(je.RowIndex)); err != nil {
					return err
				}
			case master.JournalRemove:
				if err := master0.Remove(int32(je.RowIndex)); err != nil {
					return err
				}
			}
		}
		if err := db.applySecondaryIndices(tx, snap, e, changes[id]); err != nil {
			return err
		}
	}

	for _, e := range entries {
		snap := tx.snapshots[e.name]
		if snap == nil {
			continue
		}
		if err := e.indices.Commit(snap); err != nil {
			return err
		}
	}

	for id, e := range entries {
		for _, je := range changes[id] {
			if err := e.table.MarkCommitted(je.RowIndex); err != nil {
				return err
			}
		}
	}

	cw, err := db.s.GetMutableArea(db.commitIDArea)
	if err != nil {
		return err
	}
	cw.PutInt64(0, commitID)
	if err := db.s.CheckOut(cw); err != nil {
		return err
	}
	return db.s.Flush()
}

func (db *DB) abort(tx *Transaction, reason string) {
	tx.disposeSnapshots()
	tx.finish()
	db.metrics.conflicts.WithLabelValues(reason).Inc()
	db.logger.Debug().Str("tx", tx.id.String()).Str("reason", reason).Msg("abort")
}

// Close stops the background GC dispatcher and closes the store.
func (db *DB) Close() error {
	db.gcd.Close()
	db.locks.Close()
	return db.s.Close()
}
