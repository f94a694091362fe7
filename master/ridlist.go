package master

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/xxh3"
)

// ridEntry pairs a row index with the sort key derived from its
// column's cell value.
type ridEntry struct {
	key      int64
	rowIndex int64
}

type ridEvent struct {
	insert   bool
	key      int64
	rowIndex int64
}

// ColumnRIDList is the per-column RID list from spec.md §4.E: an
// in-memory auxiliary structure mapping row_index -> rank under one
// column's natural order, so ORDER BY on that column doesn't need to
// read cell data. It is never persisted — OpeningScan finds it absent
// on every open and rebuilds it, the same way the row-slot free list
// is rebuilt rather than trusted across a crash.
//
// Built lazily via a two-phase protocol: beginBuild switches Insert/
// Remove into queuing mode, the caller scans every live row under the
// store's write lock (phase 1), then finishBuild installs the sorted
// scan result and folds in whatever was queued while the scan ran
// (phase 2).
type ColumnRIDList struct {
	mu      sync.Mutex
	entries []ridEntry
	ready   bool
	pending []ridEvent
}

func newColumnRIDList() *ColumnRIDList { return &ColumnRIDList{} }

func (l *ColumnRIDList) searchLocked(key, rowIndex int64) int {
	return sort.Search(len(l.entries), func(i int) bool {
		if l.entries[i].key != key {
			return l.entries[i].key > key
		}
		return l.entries[i].rowIndex >= rowIndex
	})
}

func (l *ColumnRIDList) insertLocked(key, rowIndex int64) {
	pos := l.searchLocked(key, rowIndex)
	l.entries = append(l.entries, ridEntry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = ridEntry{key: key, rowIndex: rowIndex}
}

func (l *ColumnRIDList) removeLocked(key, rowIndex int64) {
	pos := l.searchLocked(key, rowIndex)
	if pos < len(l.entries) && l.entries[pos].key == key && l.entries[pos].rowIndex == rowIndex {
		l.entries = append(l.entries[:pos], l.entries[pos+1:]...)
	}
}

// Insert records rowIndex at its sorted position, or queues the event
// if a background build is still in its scan phase.
func (l *ColumnRIDList) Insert(key, rowIndex int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		l.pending = append(l.pending, ridEvent{insert: true, key: key, rowIndex: rowIndex})
		return
	}
	l.insertLocked(key, rowIndex)
}

// Remove drops rowIndex, or queues the event if a background build is
// still in its scan phase.
func (l *ColumnRIDList) Remove(key, rowIndex int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		l.pending = append(l.pending, ridEvent{insert: false, key: key, rowIndex: rowIndex})
		return
	}
	l.removeLocked(key, rowIndex)
}

// Rank returns rowIndex's position under the column's natural order.
// ok is false while the background build is still running, or if
// rowIndex is not present.
func (l *ColumnRIDList) Rank(rowIndex int64) (rank int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return 0, false
	}
	for i, e := range l.entries {
		if e.rowIndex == rowIndex {
			return i, true
		}
	}
	return 0, false
}

// Ready reports whether the background build has completed.
func (l *ColumnRIDList) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// beginBuild starts phase 1: Insert/Remove calls arriving from here
// on queue into pending instead of mutating entries.
func (l *ColumnRIDList) beginBuild() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = false
	l.entries = nil
	l.pending = nil
}

// finishBuild installs the phase-1 scan result and folds in every
// event phase 1's Insert/Remove calls queued while the scan ran
// (phase 2), then marks the list ready.
func (l *ColumnRIDList) finishBuild(scanned []ridEntry) {
	sort.Slice(scanned, func(i, j int) bool {
		if scanned[i].key != scanned[j].key {
			return scanned[i].key < scanned[j].key
		}
		return scanned[i].rowIndex < scanned[j].rowIndex
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = scanned
	l.ready = true
	pending := l.pending
	l.pending = nil
	for _, ev := range pending {
		if ev.insert {
			l.insertLocked(ev.key, ev.rowIndex)
		} else {
			l.removeLocked(ev.key, ev.rowIndex)
		}
	}
}

// cellSortKey maps a cell to the int64 a ColumnRIDList sorts by: a
// 4-byte or 8-byte inline numeric cell uses its own value so the list
// stays genuinely ordered by value; a blob reference uses its blob id;
// anything else is hashed with xxh3, trading exact ordering for a
// usable key on variable-length values such as strings.
func cellSortKey(c Cell) int64 {
	if c.IsRef {
		return c.BlobID
	}
	switch len(c.Inline) {
	case 4:
		return int64(int32(uint32(c.Inline[0])<<24 | uint32(c.Inline[1])<<16 | uint32(c.Inline[2])<<8 | uint32(c.Inline[3])))
	case 8:
		var v uint64
		for _, b := range c.Inline {
			v = v<<8 | uint64(b)
		}
		return int64(v)
	default:
		return int64(xxh3.Hash(c.Inline))
	}
}

// ColumnRIDList returns the order-by accelerator for column, starting
// its two-phase background build the first time it is requested.
func (t *Table) ColumnRIDList(column int) *ColumnRIDList {
	t.ridListsMu.Lock()
	l, ok := t.ridLists[column]
	if !ok {
		l = newColumnRIDList()
		t.ridLists[column] = l
		go t.buildColumnRIDList(column, l)
	}
	t.ridListsMu.Unlock()
	return l
}

// buildColumnRIDList runs the two-phase build: phase 1 scans every
// COMMITTED_ADDED row under the store's write lock; phase 2 (inside
// finishBuild) folds in whatever Insert/Remove calls arrived for this
// column while the scan ran. AddRow/RemoveRow keep working throughout
// — they feed the list through Insert/Remove regardless of build state.
func (t *Table) buildColumnRIDList(column int, l *ColumnRIDList) {
	l.beginBuild()
	if err := t.s.LockForWrite(); err != nil {
		return
	}
	n := t.rows.AddressableNodeCount()
	scanned := make([]ridEntry, 0, n)
	for i := int64(0); i < n; i++ {
		status, _, err := t.readSlot(i)
		if err != nil {
			break
		}
		if status&^slotDeletedFlag != CommittedAdded {
			continue
		}
		cell, err := t.GetCell(column, i)
		if err != nil {
			continue
		}
		scanned = append(scanned, ridEntry{key: cellSortKey(cell), rowIndex: i})
	}
	t.s.UnlockForWrite()
	l.finishBuild(scanned)
	if t.cache != nil && t.cache.metrics != nil {
		t.cache.metrics.ridRebuilds.WithLabelValues(fmt.Sprintf("%d", t.TableID)).Inc()
	}
}

// hasRIDLists reports whether any column has a registered RID list,
// letting RemoveRow skip reading the row back when none exist.
func (t *Table) hasRIDLists() bool {
	t.ridListsMu.Lock()
	defer t.ridListsMu.Unlock()
	return len(t.ridLists) > 0
}

// touchRIDLists feeds a row's indexed-column values into every
// already-requested ColumnRIDList after a row is added or removed.
func (t *Table) touchRIDLists(rowIndex int64, row Row, insert bool) {
	t.ridListsMu.Lock()
	if len(t.ridLists) == 0 {
		t.ridListsMu.Unlock()
		return
	}
	lists := make(map[int]*ColumnRIDList, len(t.ridLists))
	for col, l := range t.ridLists {
		lists[col] = l
	}
	t.ridListsMu.Unlock()

	for col, l := range lists {
		if col < 0 || col >= len(row) {
			continue
		}
		key := cellSortKey(row[col])
		if insert {
			l.Insert(key, rowIndex)
		} else {
			l.Remove(key, rowIndex)
		}
	}
}
