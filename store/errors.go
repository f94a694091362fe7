// Package store implements Component A: a paged byte store that
// allocates and frees variable-length areas over a single file, with a
// write-ahead journal giving a crash-consistent commit protocol.
//
// An area is a self-describing, checksummed record: a small fixed
// header (status, size, checksum) immediately followed by its payload.
// The area's id is the byte offset of its header in the data file, so
// get_area is a direct pread — no separate directory is needed to
// resolve an id to a location. Areas are chained end to end from just
// past the reserved area to the tail; deleted areas are linked into an
// in-memory free list rebuilt by walking the chain at Open.
package store

import "errors"

// Sentinel errors returned by Store operations. Every ErrorKind in the
// component design maps to exactly one of these.
var (
	// ErrIO is returned when the underlying file or OS call fails.
	ErrIO = errors.New("store: i/o error")

	// ErrCorrupt is returned when an area's checksum, size, or status
	// byte cannot be trusted — bad magic/version/checksum on open.
	ErrCorrupt = errors.New("store: corrupt area or header")

	// ErrNotFound names an area id that does not resolve to a live
	// area. No Store method returns it: a bad id surfaces as ErrCorrupt
	// or ErrIO.
	ErrNotFound = errors.New("store: area not found")

	// ErrDeleted is returned by get_area/get_mutable_area for an area
	// that has been deleted.
	ErrDeleted = errors.New("store: area deleted")

	// ErrReadOnly is returned when a write operation is attempted on a
	// store opened with Config.ReadOnly.
	ErrReadOnly = errors.New("store: read-only")

	// ErrClosed names an operation on a closed store. No Store method
	// returns it.
	ErrClosed = errors.New("store: closed")

	// ErrOversize is returned when a Writer is given more bytes than
	// the area's reserved size.
	ErrOversize = errors.New("store: write exceeds reserved area size")

	// ErrCheckout is returned when check_out() is called without a
	// matching lock_for_write, or twice for the same writer.
	ErrCheckout = errors.New("store: check_out without an open write lock")
)
