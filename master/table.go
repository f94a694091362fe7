// MasterTableDataSource (Component E): per-table row storage, built on
// a fixedlist.List of fixed row slots plus the record areas they point
// to. Row-slot free tracking is rebuilt by a linear scan at Open/after
// a dirty shutdown (OpeningScan), the same way the teacher's repair
// pass walks its append-only file rather than trusting a persisted
// free-chain pointer across a crash.
package master

import (
	"fmt"
	"sync"

	"github.com/jpl-au/strata/blobstore"
	"github.com/jpl-au/strata/fixedlist"
	"github.com/jpl-au/strata/store"
)

// Row-state bits (low 16 of the slot status word).
const (
	UncommittedAdded   = 1
	UncommittedRemoved = 2
	CommittedAdded     = 3
	CommittedRemoved   = 4

	slotDeletedFlag = 0x020000

	rowSlotSize = 12 // status:i32 + record_area_ptr:i64

	headerAreaSize = 4 + 4 + 8 + 8 + 8 + 8 + 8
)

const rowSlotListInitial = 64

// Table is an open MasterTableDataSource.
type Table struct {
	s     *store.Store
	blobs *blobstore.BlobStore
	cache *CellCache

	header int64

	TableID        int32
	SequenceID     int64
	tableDefID     int64
	indexDefID     int64
	indexStoreRoot int64
	rows           *fixedlist.List

	Def        TableDef
	IndexDefs  []IndexDef

	freeRowSlots []int64
	nextRowIndex int64

	ridListsMu sync.Mutex
	ridLists   map[int]*ColumnRIDList
}

// Create allocates a new table: its header, schema areas, and an
// initial row-slot list. Returns the table and its header area id,
// which the owning Conglomerate persists as this table's handle.
func Create(s *store.Store, tableID int32, def TableDef, indexDefs []IndexDef, blobs *blobstore.BlobStore, cache *CellCache) (*Table, int64, error) {
	tableDefID, err := encodeTableDef(s, def)
	if err != nil {
		return nil, 0, err
	}
	indexDefID, err := encodeIndexDefs(s, indexDefs)
	if err != nil {
		return nil, 0, err
	}
	rows, rowsID, err := fixedlist.Create(s, rowSlotSize, rowSlotListInitial)
	if err != nil {
		return nil, 0, err
	}

	w, err := s.CreateArea(headerAreaSize)
	if err != nil {
		return nil, 0, err
	}
	w.PutInt32(1)
	w.PutInt32(tableID)
	w.PutInt64(0) // sequence_id
	w.PutInt64(tableDefID)
	w.PutInt64(indexDefID)
	w.PutInt64(0) // index_store_root_id, wired by the Conglomerate once it creates the index set
	w.PutInt64(rowsID)
	headerID, err := w.Finish()
	if err != nil {
		return nil, 0, err
	}
	if err := s.Flush(); err != nil {
		return nil, 0, err
	}

	t := &Table{
		s: s, blobs: blobs, cache: cache,
		header: headerID, TableID: tableID,
		tableDefID: tableDefID, indexDefID: indexDefID,
		rows: rows, Def: def, IndexDefs: indexDefs,
		ridLists: make(map[int]*ColumnRIDList),
	}
	return t, headerID, nil
}

// Open loads an existing table from its header area id.
func Open(s *store.Store, header int64, blobs *blobstore.BlobStore, cache *CellCache) (*Table, error) {
	r, err := s.GetArea(header)
	if err != nil {
		return nil, err
	}
	t := &Table{
		s: s, blobs: blobs, cache: cache, header: header,
		TableID:        r.GetInt32(4),
		SequenceID:     r.GetInt64(8),
		tableDefID:     r.GetInt64(16),
		indexDefID:     r.GetInt64(24),
		indexStoreRoot: r.GetInt64(32),
		ridLists:       make(map[int]*ColumnRIDList),
	}
	rowsID := r.GetInt64(40)
	t.rows, err = fixedlist.Init(s, rowsID)
	if err != nil {
		return nil, err
	}
	t.Def, err = decodeTableDef(s, t.tableDefID)
	if err != nil {
		return nil, err
	}
	t.IndexDefs, err = decodeIndexDefs(s, t.indexDefID)
	if err != nil {
		return nil, err
	}
	if err := t.OpeningScan(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) readSlot(index int64) (status int32, recordPtr int64, err error) {
	areaID, off, err := t.rows.PositionOnNode(index)
	if err != nil {
		return 0, 0, err
	}
	r, err := t.s.GetArea(areaID)
	if err != nil {
		return 0, 0, err
	}
	return r.GetInt32(off), r.GetInt64(off + 4), nil
}

func (t *Table) writeSlot(index int64, status int32, recordPtr int64) error {
	areaID, off, err := t.rows.PositionOnNode(index)
	if err != nil {
		return err
	}
	m, err := t.s.GetMutableArea(areaID)
	if err != nil {
		return err
	}
	m.PutInt32(off, status)
	m.PutInt64(off+4, recordPtr)
	return t.s.CheckOut(m)
}

// OpeningScan rewrites UNCOMMITTED_* rows to deleted (they were never
// durably committed) and rebuilds the in-memory free-slot list by
// walking every addressable slot. Called by Open; also safe to call
// again after a background compaction moved slots around.
func (t *Table) OpeningScan() error {
	t.freeRowSlots = t.freeRowSlots[:0]
	t.nextRowIndex = 0

	n := t.rows.AddressableNodeCount()
	needFlush := false
	if err := t.s.LockForWrite(); err != nil {
		return err
	}
	defer t.s.UnlockForWrite()

	for i := int64(0); i < n; i++ {
		status, ptr, err := t.readSlot(i)
		if err != nil {
			return err
		}
		if status == 0 && ptr == 0 {
			continue // virgin slot, never used
		}
		t.nextRowIndex = i + 1
		low := status &^ slotDeletedFlag
		if status&slotDeletedFlag != 0 {
			t.freeRowSlots = append(t.freeRowSlots, i)
			continue
		}
		if low == UncommittedAdded || low == UncommittedRemoved {
			if err := t.writeSlot(i, slotDeletedFlag, 0); err != nil {
				return err
			}
			t.freeRowSlots = append(t.freeRowSlots, i)
			needFlush = true
		}
	}
	if needFlush {
		if err := t.s.Flush(); err != nil {
			return err
		}
	}

	for _, def := range t.IndexDefs {
		if len(def.Columns) != 1 {
			continue
		}
		if col := columnIndexIn(t.Def, def.Columns[0]); col >= 0 {
			t.ColumnRIDList(col) // absent after every Open; starts its background build
		}
	}
	return nil
}

func columnIndexIn(def TableDef, name string) int {
	for i, c := range def.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) popRowSlot() (int64, error) {
	if n := len(t.freeRowSlots); n > 0 {
		idx := t.freeRowSlots[n-1]
		t.freeRowSlots = t.freeRowSlots[:n-1]
		return idx, nil
	}
	idx := t.nextRowIndex
	for idx >= t.rows.AddressableNodeCount() {
		if err := t.rows.IncreaseSize(); err != nil {
			return 0, err
		}
	}
	t.nextRowIndex++
	return idx, nil
}

// AddRow writes a new record area, claims a row slot, marks it
// UNCOMMITTED_ADDED, establishes any blob references the row holds,
// and records the operation in j.
func (t *Table) AddRow(row Row, j *Journal) (int64, error) {
	recordID, err := encodeRecord(t.s, row)
	if err != nil {
		return 0, err
	}

	if err := t.s.LockForWrite(); err != nil {
		return 0, err
	}
	defer t.s.UnlockForWrite()

	index, err := t.popRowSlot()
	if err != nil {
		return 0, err
	}
	if err := t.writeSlot(index, UncommittedAdded, recordID); err != nil {
		return 0, err
	}
	if t.blobs != nil {
		for _, c := range row {
			if c.IsRef {
				if err := t.blobs.EstablishReference(c.BlobID); err != nil {
					return 0, err
				}
			}
		}
	}
	if err := t.s.Flush(); err != nil {
		return 0, err
	}
	if j != nil {
		j.Append(JournalEntry{Op: JournalAdd, TableID: t.TableID, RowIndex: index})
	}
	t.touchRIDLists(index, row, true)
	return index, nil
}

// RemoveRow transitions UNCOMMITTED_ADDED to deleted, or
// COMMITTED_ADDED to UNCOMMITTED_REMOVED, and records the removal.
func (t *Table) RemoveRow(rowIndex int64, j *Journal) error {
	status, ptr, err := t.readSlot(rowIndex)
	if err != nil {
		return err
	}
	low := status &^ slotDeletedFlag
	if status&slotDeletedFlag != 0 {
		return ErrRowDeleted
	}

	var preRow Row
	if t.hasRIDLists() {
		preRow, _ = t.GetRow(rowIndex)
	}

	if err := t.s.LockForWrite(); err != nil {
		return err
	}
	defer t.s.UnlockForWrite()

	switch low {
	case UncommittedAdded:
		if err := t.writeSlot(rowIndex, slotDeletedFlag, 0); err != nil {
			return err
		}
		t.freeRowSlots = append(t.freeRowSlots, rowIndex)
	case CommittedAdded:
		if err := t.writeSlot(rowIndex, UncommittedRemoved, ptr); err != nil {
			return err
		}
	default:
		return ErrInvalidRowState
	}
	if err := t.s.Flush(); err != nil {
		return err
	}
	t.cache.invalidateRow(t.TableID, rowIndex, len(t.Def.Columns))
	if j != nil {
		j.Append(JournalEntry{Op: JournalRemove, TableID: t.TableID, RowIndex: rowIndex})
	}
	if preRow != nil {
		t.touchRIDLists(rowIndex, preRow, false)
	}
	return nil
}

// UpdateRow removes old and adds new as one logical operation.
func (t *Table) UpdateRow(old int64, newRow Row, j *Journal) (int64, error) {
	if err := t.RemoveRow(old, j); err != nil {
		return 0, err
	}
	return t.AddRow(newRow, j)
}

// GetCell returns one column's value for a row, cache-first.
func (t *Table) GetCell(column int, rowIndex int64) (Cell, error) {
	if column < 0 || column >= len(t.Def.Columns) {
		return Cell{}, ErrColumnRange
	}
	if c, ok := t.cache.get(t.TableID, rowIndex, column); ok {
		return c, nil
	}

	status, ptr, err := t.readSlot(rowIndex)
	if err != nil {
		return Cell{}, err
	}
	if status&slotDeletedFlag != 0 || status == 0 {
		return Cell{}, ErrRowNotFound
	}
	r, err := t.s.GetArea(ptr)
	if err != nil {
		return Cell{}, err
	}
	c, err := decodeCell(r, column)
	if err != nil {
		return Cell{}, err
	}
	t.cache.put(t.TableID, rowIndex, column, c)
	return c, nil
}

// GetRow decodes every column of a live row.
func (t *Table) GetRow(rowIndex int64) (Row, error) {
	status, ptr, err := t.readSlot(rowIndex)
	if err != nil {
		return nil, err
	}
	if status&slotDeletedFlag != 0 || status == 0 {
		return nil, ErrRowNotFound
	}
	r, err := t.s.GetArea(ptr)
	if err != nil {
		return nil, err
	}
	return decodeRow(r, len(t.Def.Columns))
}

// Collect reclaims slots whose row is COMMITTED_REMOVED with a commit
// id older than oldestLiveCommitID is the caller's responsibility to
// determine (the Conglomerate tracks per-row commit ids); Collect here
// takes the already-filtered set of row indices to reclaim.
func (t *Table) Collect(rowIndices []int64) error {
	if len(rowIndices) == 0 {
		return nil
	}
	if err := t.s.LockForWrite(); err != nil {
		return err
	}
	defer t.s.UnlockForWrite()

	for _, idx := range rowIndices {
		status, ptr, err := t.readSlot(idx)
		if err != nil {
			return err
		}
		low := status &^ slotDeletedFlag
		if status&slotDeletedFlag != 0 || low != CommittedRemoved {
			continue
		}
		r, err := t.s.GetArea(ptr)
		if err != nil {
			return err
		}
		if t.blobs != nil {
			row, err := decodeRow(r, len(t.Def.Columns))
			if err != nil {
				return err
			}
			for _, c := range row {
				if c.IsRef {
					if err := t.blobs.ReleaseReference(c.BlobID); err != nil {
						return err
					}
				}
			}
		}
		if err := t.s.DeleteArea(ptr); err != nil {
			return err
		}
		if err := t.writeSlot(idx, slotDeletedFlag, 0); err != nil {
			return err
		}
		t.freeRowSlots = append(t.freeRowSlots, idx)
		t.cache.invalidateRow(t.TableID, idx, len(t.Def.Columns))
	}
	return t.s.Flush()
}

// IndexStoreRoot returns the table's associated IndexSetStore root
// area id, or 0 if none has been wired yet.
func (t *Table) IndexStoreRoot() int64 { return t.indexStoreRoot }

// SetIndexStoreRoot persists the table's IndexSetStore root area id.
// Called once by the Conglomerate after creating the table's index
// set, since Create itself has no index set to point at yet. Self
// brackets the store's write lock.
func (t *Table) SetIndexStoreRoot(root int64) error {
	if err := t.s.LockForWrite(); err != nil {
		return err
	}
	defer t.s.UnlockForWrite()

	m, err := t.s.GetMutableArea(t.header)
	if err != nil {
		return err
	}
	m.PutInt64(32, root)
	if err := t.s.CheckOut(m); err != nil {
		return err
	}
	t.indexStoreRoot = root
	return t.s.Flush()
}

// RowCount returns the number of addressable row slots, not all of
// which are necessarily live.
func (t *Table) RowCount() int64 { return t.rows.AddressableNodeCount() }

// RowState reports a row slot's current status bits, for callers (the
// Conglomerate, GC) that need to branch on row state directly.
func (t *Table) RowState(rowIndex int64) (int32, error) {
	status, _, err := t.readSlot(rowIndex)
	if err != nil {
		return 0, err
	}
	return status, nil
}

// MarkCommitted flips a row's UNCOMMITTED_ADDED/UNCOMMITTED_REMOVED
// bit to its COMMITTED_* counterpart. The caller must hold the store
// write lock (LockForWrite), as the Conglomerate's Apply step does.
func (t *Table) MarkCommitted(rowIndex int64) error {
	status, ptr, err := t.readSlot(rowIndex)
	if err != nil {
		return err
	}
	switch status &^ slotDeletedFlag {
	case UncommittedAdded:
		return t.writeSlot(rowIndex, CommittedAdded, ptr)
	case UncommittedRemoved:
		return t.writeSlot(rowIndex, CommittedRemoved, ptr)
	default:
		return fmt.Errorf("%w: row %d is not pending commit", ErrInvalidRowState, rowIndex)
	}
}
