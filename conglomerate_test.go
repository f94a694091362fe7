package strata

import (
	"testing"

	"github.com/jpl-au/strata/master"
)

func widgetsDef() master.TableDef {
	return master.TableDef{
		Name:   "widgets",
		Schema: "APP",
		Columns: []master.Column{
			{Name: "id", SQLType: 4, Size: 4},
			{Name: "name", SQLType: 12, Size: 255},
		},
	}
}

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func row(id int32, name string) master.Row {
	buf := make([]byte, 4)
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	buf[2] = byte(id >> 16)
	buf[3] = byte(id >> 24)
	return master.Row{
		{Inline: buf},
		{Inline: []byte(name)},
	}
}

func TestOpenBootstrapsFreshDirectory(t *testing.T) {
	db := openTemp(t)
	if db.catalogRoot == 0 {
		t.Fatal("catalogRoot not set after bootstrap")
	}
	if db.nextCommitID.Load() != 1 {
		t.Fatalf("nextCommitID = %d, want 1", db.nextCommitID.Load())
	}
}

func TestCreateTableRejectsDuplicateName(t *testing.T) {
	db := openTemp(t)
	if err := db.CreateTable("widgets", widgetsDef(), nil); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := db.CreateTable("widgets", widgetsDef(), nil); err != ErrTableExists {
		t.Fatalf("got %v, want ErrTableExists", err)
	}
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.CreateTable("widgets", widgetsDef(), nil); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	idx, err := tx.AddRow("widgets", row(1, "widget-a"))
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	tx2, err := db2.BeginTransaction(true)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	defer tx2.Close()

	cell, err := tx2.GetCell("widgets", idx, 1)
	if err != nil {
		t.Fatalf("GetCell after reopen: %v", err)
	}
	if string(cell.Inline) != "widget-a" {
		t.Fatalf("got %q", cell.Inline)
	}
}

func TestUniqueViolationAbortsCommit(t *testing.T) {
	db := openTemp(t)
	def := widgetsDef()
	indexDefs := []master.IndexDef{{Name: "name_idx", Columns: []string{"name"}, Unique: true}}
	if err := db.CreateTable("widgets", def, indexDefs); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx1, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if _, err := tx1.AddRow("widgets", row(1, "dup")); err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if _, err := tx2.AddRow("widgets", row(2, "dup")); err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if err := tx2.Commit(); err == nil {
		t.Fatal("expected unique violation, got nil")
	}
}

// A table's IndexSet accepts only one committer per snapshot
// generation (indexset.Store.Commit rejects a stale snapshot), so two
// transactions racing to commit against the same table serialize:
// the first wins outright, the second must retry even if the two
// touched entirely disjoint rows. This is the conflict granularity
// this engine implements (table-wide, not row-wide).
func TestSecondCommitFailsAfterConcurrentTableCommit(t *testing.T) {
	db := openTemp(t)
	if err := db.CreateTable("widgets", widgetsDef(), nil); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	txA, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	txB, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	if _, err := txA.AddRow("widgets", row(1, "widget-a")); err != nil {
		t.Fatalf("AddRow A: %v", err)
	}
	if _, err := txB.AddRow("widgets", row(2, "widget-b")); err != nil {
		t.Fatalf("AddRow B: %v", err)
	}

	if err := txA.Commit(); err != nil {
		t.Fatalf("Commit A: %v", err)
	}
	if err := txB.Commit(); err != ErrReadWriteConflict {
		t.Fatalf("got %v, want ErrReadWriteConflict", err)
	}
}

func TestRollbackLeavesRowInvisible(t *testing.T) {
	db := openTemp(t)
	if err := db.CreateTable("widgets", widgetsDef(), nil); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	idx, err := tx.AddRow("widgets", row(1, "widget-a"))
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	reader, err := db.BeginTransaction(true)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	defer reader.Close()
	if _, err := reader.GetCell("widgets", idx, 1); err != master.ErrRowNotFound {
		t.Fatalf("got %v, want ErrRowNotFound", err)
	}
}
