// OS-level file locking for cross-process coordination.
//
// fileLock wraps flock(2) / LockFileEx with a mutex that guards the file
// handle's lifetime. The mutex is held for the entire duration of the flock
// syscall so that Fd() cannot race with Close() on the same *os.File.
//
// Callers use setFile(nil) before closing the underlying file. This blocks
// until any in-flight flock completes, then makes subsequent Lock/Unlock
// calls no-ops. After reopening, setFile(f) restores normal operation.
//
// Store holds this lock in exclusive mode for the duration of a single
// writer batch (4.A: "at most one writer may hold the Store's write
// latch"), taken by LockForWrite. Area reads do not take the lock in
// either mode.
package store

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "exclusive"
	}
	return "shared"
}

// fileLock coordinates OS-level file locks with safe handle teardown.
// The mu field serialises flock syscalls against setFile so that a
// concurrent Close cannot invalidate the fd mid-syscall. logger and
// metrics are always set by Store.Open before any Lock/Unlock call can
// reach them; metrics is additionally guarded for a nil Registerer.
type fileLock struct {
	mu      sync.Mutex
	f       *os.File
	logger  zerolog.Logger
	metrics *metrics
}

// Lock acquires a shared or exclusive flock. Returns nil immediately
// if the handle has been cleared via setFile(nil). Blocking time is
// recorded to metrics.lockWaits and logged at debug level, since a
// long wait here means a concurrent process is holding the store's
// exclusive lock across a whole writer batch.
func (l *fileLock) Lock(mode LockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	start := time.Now()
	err := l.lock(mode)
	if l.metrics != nil {
		l.metrics.lockWaits.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	}
	l.logger.Debug().Str("mode", mode.String()).Dur("wait", time.Since(start)).Err(err).Msg("file lock acquired")
	return err
}

// Unlock releases the flock. Returns nil immediately if the handle
// has been cleared via setFile(nil).
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.unlock()
	l.logger.Debug().Err(err).Msg("file lock released")
	return err
}

// setFile swaps the underlying file handle. Passing nil drains any
// in-flight flock (blocks until the mutex is available) and disables
// further locking. Used by Close before closing the fd.
func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
