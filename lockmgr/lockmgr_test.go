package lockmgr

import (
	"sync"
	"testing"
	"time"
)

func TestReadersRunInParallel(t *testing.T) {
	m := New()
	if err := m.LockRead("t"); err != nil {
		t.Fatalf("LockRead: %v", err)
	}
	done := make(chan struct{})
	go func() {
		if err := m.LockRead("t"); err != nil {
			t.Errorf("LockRead: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked behind first")
	}
	m.UnlockRead("t")
	m.UnlockRead("t")
}

func TestWriterExcludesReaders(t *testing.T) {
	m := New()
	if err := m.LockWrite("t"); err != nil {
		t.Fatalf("LockWrite: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		if err := m.LockRead("t"); err != nil {
			t.Errorf("LockRead: %v", err)
		}
		close(acquired)
		m.UnlockRead("t")
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired while writer held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	m.UnlockWrite("t")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never unblocked after writer released")
	}
}

func TestFIFOOrdering(t *testing.T) {
	m := New()
	if err := m.LockWrite("t"); err != nil {
		t.Fatalf("LockWrite: %v", err)
	}

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			if err := m.LockWrite("t"); err != nil {
				t.Errorf("LockWrite: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.UnlockWrite("t")
		}()
		time.Sleep(10 * time.Millisecond) // stabilize submission order
	}
	m.UnlockWrite("t")
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order 0,1,2; got %v", order)
		}
	}
}

func TestExclusiveModeFlag(t *testing.T) {
	m := New()
	if m.Exclusive() {
		t.Fatal("expected exclusive mode off by default")
	}
	m.SetExclusive(true)
	if !m.Exclusive() {
		t.Fatal("expected exclusive mode on")
	}
	m.SetExclusive(false)
	if m.Exclusive() {
		t.Fatal("expected exclusive mode off")
	}
}

func TestClosedRejectsNewLocks(t *testing.T) {
	m := New()
	m.Close()
	if err := m.LockRead("t"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
