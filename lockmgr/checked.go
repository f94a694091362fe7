package lockmgr

import (
	"sync"

	async "github.com/anacrolix/sync"
)

// NewChecked creates a lock manager whose per-table queues use
// anacrolix/sync.Mutex instead of sync.Mutex, gated by the
// table_lock_check config option (spec.md §6): a drop-in sync.Locker
// that additionally panics on self-deadlock and excessive hold times.
// Plain New() is preferred when that checking overhead isn't wanted.
func NewChecked() *Manager {
	return &Manager{
		tables:    make(map[string]*tableQueue),
		newLocker: func() sync.Locker { return new(async.Mutex) },
	}
}
