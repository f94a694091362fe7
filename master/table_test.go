package master

import (
	"testing"

	"github.com/jpl-au/strata/blobstore"
	"github.com/jpl-au/strata/store"
)

func openTemp(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), "data.strata", store.Config{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// markCommitted runs tbl.MarkCommitted under the store write lock, the
// way the Conglomerate's Apply step calls it.
func markCommitted(t *testing.T, s *store.Store, tbl *Table, idx int64) error {
	t.Helper()
	if err := s.LockForWrite(); err != nil {
		t.Fatalf("LockForWrite: %v", err)
	}
	defer s.UnlockForWrite()
	return tbl.MarkCommitted(idx)
}

func testDef() TableDef {
	return TableDef{
		Name:   "widgets",
		Schema: "APP",
		Columns: []Column{
			{Name: "id", SQLType: 4, Size: 4},
			{Name: "name", SQLType: 12, Size: 255},
		},
	}
}

func TestAddRowGetCellRoundTrip(t *testing.T) {
	s := openTemp(t)
	cache, err := NewCellCache(64, nil)
	if err != nil {
		t.Fatalf("NewCellCache: %v", err)
	}
	tbl, _, err := Create(s, 1, testDef(), nil, nil, cache)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	row := Row{
		{Inline: []byte{1, 0, 0, 0}},
		{Inline: []byte("widget-a")},
	}
	idx, err := tbl.AddRow(row, nil)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}

	c, err := tbl.GetCell(1, idx)
	if err != nil {
		t.Fatalf("GetCell: %v", err)
	}
	if string(c.Inline) != "widget-a" {
		t.Fatalf("got %q", c.Inline)
	}

	status, err := tbl.RowState(idx)
	if err != nil {
		t.Fatalf("RowState: %v", err)
	}
	if status&^slotDeletedFlag != UncommittedAdded {
		t.Fatalf("expected UNCOMMITTED_ADDED, got %d", status)
	}
}

func TestAddRowJournalsEntry(t *testing.T) {
	s := openTemp(t)
	cache, _ := NewCellCache(64, nil)
	tbl, _, err := Create(s, 1, testDef(), nil, nil, cache)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	j := &Journal{}
	idx, err := tbl.AddRow(Row{{Inline: []byte{1}}, {Inline: []byte("x")}}, j)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	entries := j.Entries()
	if len(entries) != 1 || entries[0].Op != JournalAdd || entries[0].RowIndex != idx {
		t.Fatalf("unexpected journal entries: %+v", entries)
	}
}

func TestRemoveUncommittedAddedFreesSlotImmediately(t *testing.T) {
	s := openTemp(t)
	cache, _ := NewCellCache(64, nil)
	tbl, _, err := Create(s, 1, testDef(), nil, nil, cache)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	idx, err := tbl.AddRow(Row{{Inline: []byte{1}}, {Inline: []byte("x")}}, nil)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if err := tbl.RemoveRow(idx, nil); err != nil {
		t.Fatalf("RemoveRow: %v", err)
	}
	if _, err := tbl.GetCell(0, idx); err != ErrRowNotFound {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}

	// the freed slot should be reused rather than growing the list.
	before := tbl.rows.AddressableNodeCount()
	idx2, err := tbl.AddRow(Row{{Inline: []byte{2}}, {Inline: []byte("y")}}, nil)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if idx2 != idx {
		t.Fatalf("expected slot reuse at %d, got %d", idx, idx2)
	}
	if after := tbl.rows.AddressableNodeCount(); after != before {
		t.Fatalf("list grew on slot reuse: %d -> %d", before, after)
	}
}

func TestRemoveCommittedAddedMarksUncommittedRemoved(t *testing.T) {
	s := openTemp(t)
	cache, _ := NewCellCache(64, nil)
	tbl, _, err := Create(s, 1, testDef(), nil, nil, cache)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	idx, err := tbl.AddRow(Row{{Inline: []byte{1}}, {Inline: []byte("x")}}, nil)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if err := markCommitted(t, s, tbl, idx); err != nil {
		t.Fatalf("MarkCommitted: %v", err)
	}
	if err := tbl.RemoveRow(idx, nil); err != nil {
		t.Fatalf("RemoveRow: %v", err)
	}
	status, err := tbl.RowState(idx)
	if err != nil {
		t.Fatalf("RowState: %v", err)
	}
	if status != UncommittedRemoved {
		t.Fatalf("expected UNCOMMITTED_REMOVED, got %d", status)
	}
	if err := tbl.RemoveRow(idx, nil); err != ErrInvalidRowState {
		t.Fatalf("expected ErrInvalidRowState removing twice, got %v", err)
	}
}

func TestCollectReclaimsCommittedRemovedRows(t *testing.T) {
	s := openTemp(t)
	blobs, _, err := blobstore.Create(s)
	if err != nil {
		t.Fatalf("blobstore.Create: %v", err)
	}
	cache, _ := NewCellCache(64, nil)
	tbl, _, err := Create(s, 1, testDef(), nil, blobs, cache)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	idx, err := tbl.AddRow(Row{{Inline: []byte{1}}, {Inline: []byte("x")}}, nil)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if err := markCommitted(t, s, tbl, idx); err != nil {
		t.Fatalf("MarkCommitted: %v", err)
	}
	if err := tbl.RemoveRow(idx, nil); err != nil {
		t.Fatalf("RemoveRow: %v", err)
	}
	if err := markCommitted(t, s, tbl, idx); err != nil {
		t.Fatalf("MarkCommitted (removal): %v", err)
	}
	status, err := tbl.RowState(idx)
	if err != nil {
		t.Fatalf("RowState: %v", err)
	}
	if status != CommittedRemoved {
		t.Fatalf("expected COMMITTED_REMOVED, got %d", status)
	}

	if err := tbl.Collect([]int64{idx}); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if _, err := tbl.GetCell(0, idx); err != ErrRowNotFound {
		t.Fatalf("expected ErrRowNotFound after collect, got %v", err)
	}
}

func TestOpeningScanDiscardsUncommittedRowsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, "data.strata", store.Config{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cache, _ := NewCellCache(64, nil)
	tbl, headerID, err := Create(s, 1, testDef(), nil, nil, cache)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	idx, err := tbl.AddRow(Row{{Inline: []byte{1}}, {Inline: []byte("x")}}, nil)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := store.Open(dir, "data.strata", store.Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	cache2, _ := NewCellCache(64, nil)
	tbl2, err := Open(s2, headerID, nil, cache2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := tbl2.GetCell(0, idx); err != ErrRowNotFound {
		t.Fatalf("expected uncommitted row discarded on reopen, got %v", err)
	}
}

func TestGetCellColumnRange(t *testing.T) {
	s := openTemp(t)
	cache, _ := NewCellCache(64, nil)
	tbl, _, err := Create(s, 1, testDef(), nil, nil, cache)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	idx, err := tbl.AddRow(Row{{Inline: []byte{1}}, {Inline: []byte("x")}}, nil)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if _, err := tbl.GetCell(5, idx); err != ErrColumnRange {
		t.Fatalf("expected ErrColumnRange, got %v", err)
	}
}

func TestUpdateRowRemovesOldAndAddsNew(t *testing.T) {
	s := openTemp(t)
	cache, _ := NewCellCache(64, nil)
	tbl, _, err := Create(s, 1, testDef(), nil, nil, cache)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	idx, err := tbl.AddRow(Row{{Inline: []byte{1}}, {Inline: []byte("old")}}, nil)
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	newIdx, err := tbl.UpdateRow(idx, Row{{Inline: []byte{1}}, {Inline: []byte("new")}}, nil)
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	// removing the uncommitted old row frees its slot, so the new row
	// takes that same slot; the "new" cell read below shows the old
	// contents are gone.
	if newIdx != idx {
		t.Fatalf("expected the new row to reuse freed slot %d, got %d", idx, newIdx)
	}
	c, err := tbl.GetCell(1, newIdx)
	if err != nil {
		t.Fatalf("GetCell: %v", err)
	}
	if string(c.Inline) != "new" {
		t.Fatalf("got %q", c.Inline)
	}
}
