package gc

import (
	"context"

	"github.com/jpl-au/strata/lockmgr"
	"github.com/jpl-au/strata/master"
	"github.com/jpl-au/strata/store"
)

// RowCollectTask reclaims COMMITTED_REMOVED rows older than
// oldestLiveCommitID() — the minimum base_commit_id across every
// currently-open transaction, supplied by the Conglomerate — under
// the table's root-lock (tableName's WRITE lock in locks).
func RowCollectTask(table *master.Table, locks *lockmgr.Manager, tableName string, oldestLiveCommitID func() int64, rowCommitID func(rowIndex int64) int64) TaskFunc {
	return func(ctx context.Context) error {
		if err := locks.LockWrite(tableName); err != nil {
			return err
		}
		defer locks.UnlockWrite(tableName)

		watermark := oldestLiveCommitID()
		n := table.RowCount()
		var reclaim []int64
		for i := int64(0); i < n; i++ {
			status, err := table.RowState(i)
			if err != nil {
				return err
			}
			if status != master.CommittedRemoved {
				continue
			}
			if rowCommitID(i) < watermark {
				reclaim = append(reclaim, i)
			}
		}
		return table.Collect(reclaim)
	}
}

// CellCacheTrimTask is a no-op hook for periodic cache maintenance:
// the underlying lru.Cache already bounds itself by capacity, so there
// is nothing to trim and the returned task does nothing.
func CellCacheTrimTask(cache *master.CellCache) TaskFunc {
	return func(ctx context.Context) error {
		return nil
	}
}

// CompactionThreshold is the minimum free/tail ratio (in percent,
// 0-100) that makes a store worth compacting.
const CompactionThreshold = 30

// StoreCompactionTask logs a store's current fragmentation and is the
// hook a full physical compactor (rewriting live areas into a fresh
// file, as the teacher's compact.go does for its own append log)
// would attach to; implementing that rewrite for an area-addressed,
// multi-owner store is out of scope here (every fixedlist/blobstore/
// indexset area id would need remapping across owners), so this task
// only measures and reports — it does not move bytes.
func StoreCompactionTask(s *store.Store, onFragmented func(freeBytes, tail int64)) TaskFunc {
	return func(ctx context.Context) error {
		free, tail := s.FragmentationStats()
		if tail == 0 {
			return nil
		}
		if free*100/tail >= CompactionThreshold {
			if onFragmented != nil {
				onFragmented(free, tail)
			}
		}
		return nil
	}
}
