package store

import (
	"bytes"
	"os"
	"testing"
)

func openTemp(t *testing.T, cfg Config) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, "data.strata", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, dir
}

func TestCreateAndGetArea(t *testing.T) {
	s, _ := openTemp(t, Config{})
	defer s.Close()

	w, err := s.CreateArea(8)
	if err != nil {
		t.Fatalf("CreateArea: %v", err)
	}
	if err := w.PutInt64(42); err != nil {
		t.Fatalf("PutInt64: %v", err)
	}
	id, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r, err := s.GetArea(id)
	if err != nil {
		t.Fatalf("GetArea: %v", err)
	}
	if got := r.GetInt64(0); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestWriterOversize(t *testing.T) {
	s, _ := openTemp(t, Config{})
	defer s.Close()

	w, err := s.CreateArea(4)
	if err != nil {
		t.Fatalf("CreateArea: %v", err)
	}
	if err := w.PutInt64(1); err == nil {
		t.Fatal("expected ErrOversize writing 8 bytes into a 4-byte area")
	}
}

func TestDeleteAreaThenGet(t *testing.T) {
	s, _ := openTemp(t, Config{})
	defer s.Close()

	w, _ := s.CreateArea(4)
	w.PutInt32(7)
	id, _ := w.Finish()
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := s.DeleteArea(id); err != nil {
		t.Fatalf("DeleteArea: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := s.GetArea(id); err == nil {
		t.Fatal("expected error reading a deleted area")
	}
}

func TestDeletedSlotReused(t *testing.T) {
	s, _ := openTemp(t, Config{})
	defer s.Close()

	w1, _ := s.CreateArea(16)
	id1, _ := w1.Finish()
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	tailBefore := s.header.Tail

	if err := s.DeleteArea(id1); err != nil {
		t.Fatalf("DeleteArea: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	w2, _ := s.CreateArea(16)
	id2, _ := w2.Finish()
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if id2 != id1 {
		t.Fatalf("expected the freed slot at %d to be reused, got a new area at %d", id1, id2)
	}
	if s.header.Tail != tailBefore {
		t.Fatalf("reusing a freed slot should not move the tail: before=%d after=%d", tailBefore, s.header.Tail)
	}
}

func TestMutableAreaRequiresWriteLock(t *testing.T) {
	s, _ := openTemp(t, Config{})
	defer s.Close()

	w, _ := s.CreateArea(4)
	w.PutInt32(1)
	id, _ := w.Finish()
	s.Flush()

	m, err := s.GetMutableArea(id)
	if err != nil {
		t.Fatalf("GetMutableArea: %v", err)
	}
	m.PutInt32(0, 99)
	if err := s.CheckOut(m); err != ErrCheckout {
		t.Fatalf("expected ErrCheckout without an open write lock, got %v", err)
	}

	if err := s.LockForWrite(); err != nil {
		t.Fatalf("LockForWrite: %v", err)
	}
	defer s.UnlockForWrite()
	if err := s.CheckOut(m); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r, err := s.GetArea(id)
	if err != nil {
		t.Fatalf("GetArea: %v", err)
	}
	if got := r.GetInt32(0); got != 99 {
		t.Fatalf("got %d, want 99", got)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "data.strata", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	ro, err := Open(dir, "data.strata", Config{ReadOnly: true})
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	if _, err := ro.CreateArea(4); err != ErrReadOnly {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := ro.Flush(); err != ErrReadOnly {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestCloseThenReopenCleanFlag(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "data.strata", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, _ := s.CreateArea(4)
	w.PutInt32(1)
	w.Finish()
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, "data.strata", Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if !s2.LastCloseClean() {
		t.Fatal("expected previous session to have closed cleanly")
	}
}

func TestReservedAreaRoundTrip(t *testing.T) {
	s, _ := openTemp(t, Config{})
	defer s.Close()

	want := []byte("root-pointer-bytes")
	if err := s.WriteReserved(want); err != nil {
		t.Fatalf("WriteReserved: %v", err)
	}
	got := make([]byte, len(want))
	if err := s.ReadReserved(got); err != nil {
		t.Fatalf("ReadReserved: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReplayAppliesCommittedJournalOnOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "data.strata", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, _ := s.CreateArea(8)
	w.PutInt64(123)
	id, _ := w.Finish()

	// Simulate a crash right after the journal's commit marker is
	// durable but before applyOps/truncate ran, by writing the batch
	// to the journal directly and closing without Flush.
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()
	if err := s.wal.writeBatch(ops); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}
	s.reader.Close()
	s.writer.Close()
	s.root.Close()

	s2, err := Open(dir, "data.strata", Config{})
	if err != nil {
		t.Fatalf("reopen after simulated crash: %v", err)
	}
	defer s2.Close()

	r, err := s2.GetArea(id)
	if err != nil {
		t.Fatalf("GetArea after replay: %v", err)
	}
	if got := r.GetInt64(0); got != 123 {
		t.Fatalf("got %d, want 123", got)
	}
	if s2.LastCloseClean() {
		t.Fatal("expected the crashed session to be reported as not cleanly closed")
	}
}

func TestDanglingJournalWithoutCommitMarkerIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "data.strata", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, _ := s.CreateArea(8)
	w.PutInt64(7)
	w.Finish()

	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()
	// Write the records but never append the commit marker — models a
	// crash mid-write, before the journal became durable.
	var raw []byte
	for _, op := range ops {
		raw = append(raw, op.payload...)
	}
	s.wal.f.WriteAt(raw, 0)
	s.wal.f.Sync()
	s.Close()

	s2, err := Open(dir, "data.strata", Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.wal.hasRecords() {
		t.Fatal("an uncommitted journal should not be treated as having records")
	}
}

func TestCreateEmptyFileIsRoundTrippable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "data.strata", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	info, err := os.Stat(dir + "/data.strata")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() < dataStart {
		t.Fatalf("file too small: %d", info.Size())
	}
}
