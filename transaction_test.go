package strata

import (
	"testing"

	"github.com/jpl-au/strata/master"
	"github.com/jpl-au/strata/sequence"
)

func TestTransactionSeesOwnUncommittedWrite(t *testing.T) {
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

	cell, err := tx.GetCell("widgets", idx, 1)
	if err != nil {
		t.Fatalf("GetCell own write: %v", err)
	}
	if string(cell.Inline) != "widget-a" {
		t.Fatalf("got %q", cell.Inline)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestOtherTransactionDoesNotSeeUncommittedWrite(t *testing.T) {
	db := openTemp(t)
	if err := db.CreateTable("widgets", widgetsDef(), nil); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	writer, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	idx, err := writer.AddRow("widgets", row(1, "widget-a"))
	if err != nil {
		t.Fatalf("AddRow: %v", err)
	}

	reader, err := db.BeginTransaction(true)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	defer reader.Close()

	if _, err := reader.GetCell("widgets", idx, 1); err != master.ErrRowNotFound {
		t.Fatalf("got %v, want ErrRowNotFound", err)
	}

	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	db := openTemp(t)
	if err := db.CreateTable("widgets", widgetsDef(), nil); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx, err := db.BeginTransaction(true)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	defer tx.Close()

	if _, err := tx.AddRow("widgets", row(1, "widget-a")); err != ErrReadOnlyTx {
		t.Fatalf("got %v, want ErrReadOnlyTx", err)
	}
}

func TestClosedTransactionRejectsFurtherUse(t *testing.T) {
	db := openTemp(t)
	if err := db.CreateTable("widgets", widgetsDef(), nil); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := tx.AddRow("widgets", row(1, "widget-a")); err != ErrTxClosed {
		t.Fatalf("got %v, want ErrTxClosed", err)
	}
	if err := tx.Rollback(); err != ErrTxClosed {
		t.Fatalf("second Rollback got %v, want ErrTxClosed", err)
	}
}

func TestSequenceNextAndCurPerTransaction(t *testing.T) {
	db := openTemp(t)
	def := sequence.Def{Name: "widget_ids", Increment: 1, Min: 0, Max: 1000, Start: 0, Cache: 4}
	if err := db.Sequences().Define(def); err != nil {
		t.Fatalf("Define: %v", err)
	}

	tx, err := db.BeginTransaction(false)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	defer tx.Close()

	if _, ok := tx.CurSequence("widget_ids"); ok {
		t.Fatal("CurSequence before NextSequence should be !ok")
	}
	v1, err := tx.NextSequence("widget_ids")
	if err != nil {
		t.Fatalf("NextSequence: %v", err)
	}
	cur, ok := tx.CurSequence("widget_ids")
	if !ok || cur != v1 {
		t.Fatalf("CurSequence = (%d, %v), want (%d, true)", cur, ok, v1)
	}
	v2, err := tx.NextSequence("widget_ids")
	if err != nil {
		t.Fatalf("NextSequence: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("sequence not monotonic: %d then %d", v1, v2)
	}
}
