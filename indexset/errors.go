// Package indexset implements Component D: durable, multi-snapshot,
// sorted integer lists used as row-index secondary indices. A list is
// a sequence of sorted int32 blocks; a snapshot holds its own view of
// the block descriptors and mutates blocks copy-on-write, so
// concurrently issued snapshots never see each other's writes.
package indexset

import "errors"

var (
	// ErrStaleSnapshot is returned by Commit when another snapshot of
	// the same store has committed since the one being committed was
	// issued.
	ErrStaleSnapshot = errors.New("indexset: stale snapshot")

	// ErrDisposed is returned when an IndexSet is used after Dispose.
	ErrDisposed = errors.New("indexset: snapshot already disposed")

	// ErrListRange is returned for an out-of-range list index.
	ErrListRange = errors.New("indexset: list index out of range")

	// ErrReadOnly names a mutation attempted on a store opened
	// read-only. The index-set store's own methods do not return it:
	// such writes fail with the Store's store.ErrReadOnly.
	ErrReadOnly = errors.New("indexset: read-only")
)
