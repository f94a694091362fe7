// Package master implements Component E (MasterTableDataSource) and
// Component F (TransactionJournal): per-table row storage, the column
// cell cache, and the append-only journal the Conglomerate replays
// during commit validation.
package master

import "errors"

var (
	// ErrRowNotFound is returned when a row index does not resolve to
	// a live row.
	ErrRowNotFound = errors.New("master: row not found")

	// ErrRowDeleted is returned when a row index resolves to a
	// removed or reclaimed row.
	ErrRowDeleted = errors.New("master: row deleted")

	// ErrColumnRange is returned for an out-of-range column index.
	ErrColumnRange = errors.New("master: column index out of range")

	// ErrInvalidRowState is returned when an operation's preconditions
	// on the row's state (e.g. removing an already-removed row) are
	// not met.
	ErrInvalidRowState = errors.New("master: invalid row state for operation")

	// ErrReadOnly names a mutation on a table opened over a read-only
	// store. This package does not return it: such writes fail with
	// store.ErrReadOnly.
	ErrReadOnly = errors.New("master: read-only")
)
