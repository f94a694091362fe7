// Package strata is the public entrypoint of the embedded relational
// storage and transaction core: it wires the Store, FixedRecordList,
// BlobStore, IndexSetStore, MasterTableDataSource, SequenceManager,
// LockingMechanism, and GarbageCollector components into the
// Conglomerate/TransactionManager (Component G), the same way the
// teacher's folio.Open assembles one DB out of its file, header, and
// lock primitives.
package strata

import "errors"

// Sentinel errors returned by the commit protocol and transaction
// lifecycle, matching spec.md §7's error taxonomy.
var (
	// ErrReadWriteConflict is returned by Commit when another
	// transaction committed to one of the same tables after this one
	// began (the table's index snapshot is stale). Conflicts are
	// detected per table, not per row: two transactions that touch
	// disjoint rows of one table still conflict.
	ErrReadWriteConflict = errors.New("strata: read-write conflict")

	// ErrUniqueViolation is returned when a committed unique index
	// would contain a duplicate value after applying this transaction.
	ErrUniqueViolation = errors.New("strata: unique constraint violation")

	// ErrReferentialViolation names a foreign-key constraint failure.
	// No code path returns it: table definitions carry no foreign keys.
	ErrReferentialViolation = errors.New("strata: referential constraint violation")

	// ErrDirtySelect names a read-validation failure. No code path
	// returns it: reads are not recorded in the journal, and
	// Config.TransactionErrorOnDirtySelect is not consulted.
	ErrDirtySelect = errors.New("strata: dirty select")

	// ErrIO names an I/O failure during commit. Commit does not wrap
	// failures in it; it returns the store's own error, which wraps
	// store.ErrIO.
	ErrIO = errors.New("strata: io error")

	// ErrTableNotFound is returned for an unknown table name.
	ErrTableNotFound = errors.New("strata: table not found")

	// ErrTableExists is returned by CreateTable when name is already
	// registered.
	ErrTableExists = errors.New("strata: table already exists")

	// ErrTxClosed is returned by any operation on a transaction that
	// has already been committed, rolled back, or closed.
	ErrTxClosed = errors.New("strata: transaction closed")

	// ErrReadOnlyTx is returned by a mutating call on a read-only
	// transaction.
	ErrReadOnlyTx = errors.New("strata: transaction is read-only")
)
