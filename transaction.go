package strata

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jpl-au/strata/indexset"
	"github.com/jpl-au/strata/master"
)

// Transaction is one open unit of work against a DB. Reads see a
// single consistent snapshot (one IndexSet per visible table, taken
// at Begin); writes are visible to the transaction's own subsequent
// reads through journal replay, and to everyone else only after a
// successful Commit.
type Transaction struct {
	id    uuid.UUID
	db    *DB
	mu    sync.Mutex

	readOnly     bool
	baseCommitID int64
	commitID     int64
	closed       bool

	journal   *master.Journal
	snapshots map[string]*indexset.IndexSet

	seqLast map[string]int64
}

// ID returns the transaction's trace id, used only for log
// correlation — never for visibility or commit ordering.
func (tx *Transaction) ID() uuid.UUID { return tx.id }

// BeginTransaction snapshots the current commit id and an IndexSet
// per visible table, and records the transaction in the open list.
func (db *DB) BeginTransaction(readOnly bool) (*Transaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	tx := &Transaction{
		id:           uuid.New(),
		db:           db,
		readOnly:     readOnly,
		baseCommitID: db.nextCommitID.Load() - 1,
		journal:      &master.Journal{},
		snapshots:    make(map[string]*indexset.IndexSet),
		seqLast:      make(map[string]int64),
	}
	for name, entry := range db.tables {
		if entry.indices == nil {
			continue
		}
		snap, err := entry.indices.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("strata: snapshotting %q: %w", name, err)
		}
		tx.snapshots[name] = snap
	}

	db.commitMu.Lock()
	db.openTx[tx.id.String()] = tx
	db.commitMu.Unlock()

	db.logger.Debug().Str("tx", tx.id.String()).Bool("read_only", readOnly).Int64("base_commit_id", tx.baseCommitID).Msg("begin_transaction")
	return tx, nil
}

func (tx *Transaction) checkOpen() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTxClosed
	}
	return nil
}

// visible reports whether rowIndex is visible to tx in table,
// layering the transaction's own not-yet-committed journal entries
// over its snapshot's master RID list (index 0).
func (tx *Transaction) visible(tableID int32, tableName string, rowIndex int64) (bool, error) {
	own := visibleInOwnJournal
	lastOp, hasOwn := own(tx.journal, tableID, rowIndex)
	if hasOwn {
		return lastOp == master.JournalAdd, nil
	}

	snap, ok := tx.snapshots[tableName]
	if !ok {
		return true, nil // table has no index set wired (e.g. not yet created); fall through to raw row state
	}
	return snap.MasterContains(int32(rowIndex)), nil
}

func visibleInOwnJournal(j *master.Journal, tableID int32, rowIndex int64) (master.JournalOp, bool) {
	var last master.JournalOp
	found := false
	for _, e := range j.Entries() {
		if e.TableID == tableID && e.RowIndex == rowIndex {
			last = e.Op
			found = true
		}
	}
	return last, found
}

// AddRow inserts a new row into table, visible to this transaction's
// own subsequent reads immediately and to everyone else after Commit.
func (tx *Transaction) AddRow(table string, row master.Row) (int64, error) {
	if err := tx.checkOpen(); err != nil {
		return 0, err
	}
	if tx.readOnly {
		return 0, ErrReadOnlyTx
	}
	entry, ok := tx.db.tableEntry(table)
	if !ok {
		return 0, ErrTableNotFound
	}
	return entry.table.AddRow(row, tx.journal)
}

// RemoveRow removes rowIndex from table as part of this transaction.
func (tx *Transaction) RemoveRow(table string, rowIndex int64) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.readOnly {
		return ErrReadOnlyTx
	}
	entry, ok := tx.db.tableEntry(table)
	if !ok {
		return ErrTableNotFound
	}
	return entry.table.RemoveRow(rowIndex, tx.journal)
}

// UpdateRow replaces old with newRow as one logical operation.
func (tx *Transaction) UpdateRow(table string, old int64, newRow master.Row) (int64, error) {
	if err := tx.checkOpen(); err != nil {
		return 0, err
	}
	if tx.readOnly {
		return 0, ErrReadOnlyTx
	}
	entry, ok := tx.db.tableEntry(table)
	if !ok {
		return 0, ErrTableNotFound
	}
	return entry.table.UpdateRow(old, newRow, tx.journal)
}

// GetCell reads one column of rowIndex in table as of this
// transaction's snapshot, rejecting rows the snapshot (or the
// transaction's own journal) does not consider live.
func (tx *Transaction) GetCell(table string, rowIndex int64, column int) (master.Cell, error) {
	if err := tx.checkOpen(); err != nil {
		return master.Cell{}, err
	}
	entry, ok := tx.db.tableEntry(table)
	if !ok {
		return master.Cell{}, ErrTableNotFound
	}
	ok, err := tx.visible(entry.table.TableID, table, rowIndex)
	if err != nil {
		return master.Cell{}, err
	}
	if !ok {
		return master.Cell{}, master.ErrRowNotFound
	}
	return entry.table.GetCell(column, rowIndex)
}

// NextSequence advances the named generator and remembers the value
// as this transaction's "current" for CurSequence — sequence state
// is never rolled back by Rollback.
func (tx *Transaction) NextSequence(name string) (int64, error) {
	v, err := tx.db.seq.Next(name)
	if err != nil {
		return 0, err
	}
	tx.mu.Lock()
	tx.seqLast[name] = v
	tx.mu.Unlock()
	return v, nil
}

// CurSequence returns the last value NextSequence handed this
// transaction for name, or false if it never called NextSequence.
func (tx *Transaction) CurSequence(name string) (int64, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	v, ok := tx.seqLast[name]
	return v, ok
}

func (db *DB) tableEntry(name string) (*tableEntry, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.tables[name]
	return e, ok
}

func (db *DB) tableEntryByID(id int32) *tableEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, e := range db.tables {
		if e.table.TableID == id {
			return e
		}
	}
	return nil
}

func (tx *Transaction) disposeSnapshots() {
	for _, snap := range tx.snapshots {
		snap.Dispose()
	}
}

func (tx *Transaction) finish() {
	tx.mu.Lock()
	tx.closed = true
	tx.mu.Unlock()
	tx.db.commitMu.Lock()
	delete(tx.db.openTx, tx.id.String())
	tx.db.commitMu.Unlock()
}

// Commit runs the commit protocol for tx; see DB.Commit.
func (tx *Transaction) Commit() error { return tx.db.Commit(tx) }

// Rollback disposes tx's snapshots; no journal entries are merged, so
// the UNCOMMITTED_ADDED rows it created stay in their slots, never
// published. The row-collect GC task reclaims only COMMITTED_REMOVED
// rows; such rows are discarded by the opening scan at the next Open.
func (tx *Transaction) Rollback() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.disposeSnapshots()
	tx.finish()
	tx.db.metrics.aborts.Inc()
	tx.db.logger.Debug().Str("tx", tx.id.String()).Msg("rollback")
	return nil
}

// Close releases a transaction that was already committed or rolled
// back; calling it on a still-open transaction rolls it back.
func (tx *Transaction) Close() error {
	tx.mu.Lock()
	alreadyClosed := tx.closed
	tx.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	return tx.Rollback()
}
