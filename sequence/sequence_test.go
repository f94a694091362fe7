package sequence

import (
	"testing"

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

func TestNextIsMonotonic(t *testing.T) {
	s := openTemp(t)
	m, _, err := Create(s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Define(Def{Name: "ids", Increment: 1, Min: 0, Max: 1000, Start: 0, Cache: 4}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	var last int64
	for i := 0; i < 20; i++ {
		v, err := m.Next("ids")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if v <= last {
			t.Fatalf("not monotonic: %d after %d", v, last)
		}
		last = v
	}
	cur, err := m.Cur("ids")
	if err != nil {
		t.Fatalf("Cur: %v", err)
	}
	if cur != last {
		t.Fatalf("Cur() = %d, want %d", cur, last)
	}
}

func TestNextSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, "data.strata", store.Config{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	m, root, err := Create(s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Define(Def{Name: "ids", Increment: 1, Min: 0, Max: 1000, Start: 0, Cache: 2}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Next("ids"); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	persistedBefore, _ := m.Cur("ids")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := store.Open(dir, "data.strata", store.Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	m2, err := Open(s2, root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v, err := m2.Next("ids")
	if err != nil {
		t.Fatalf("Next after reopen: %v", err)
	}
	if v <= persistedBefore {
		t.Fatalf("expected value beyond durable watermark, got %d (watermark was around %d)", v, persistedBefore)
	}
}

func TestOutOfBoundsWithoutCycle(t *testing.T) {
	s := openTemp(t)
	m, _, err := Create(s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Define(Def{Name: "ids", Increment: 1, Min: 0, Max: 2, Start: 0, Cache: 1}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	if _, err := m.Next("ids"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := m.Next("ids"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := m.Next("ids"); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestCycleWraps(t *testing.T) {
	s := openTemp(t)
	m, _, err := Create(s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Define(Def{Name: "ids", Increment: 1, Min: 0, Max: 2, Start: 0, Cache: 1, Cycle: true}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := m.Next("ids"); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
}

func TestDefineDuplicateRejected(t *testing.T) {
	s := openTemp(t)
	m, _, err := Create(s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Define(Def{Name: "ids", Increment: 1, Max: 100}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := m.Define(Def{Name: "ids", Increment: 1, Max: 100}); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}
