package gc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherRunsTasksInOrder(t *testing.T) {
	d := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Close()

	var order []string
	done := make(chan struct{})
	d.Schedule("second", 20*time.Millisecond, func(ctx context.Context) error {
		order = append(order, "second")
		close(done)
		return nil
	})
	d.Schedule("first", 5*time.Millisecond, func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks never ran")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestDispatcherCloseStopsWorker(t *testing.T) {
	d := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var ran atomic.Bool
	d.Close()
	d.Schedule("late", 0, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("task ran after dispatcher was closed")
	}
}

func TestMetricsObserveDoesNotPanicWithoutRegistry(t *testing.T) {
	m := NewMetrics("strata_test", nil)
	d := New(m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Close()

	done := make(chan struct{})
	d.Schedule("t", 0, func(ctx context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}
