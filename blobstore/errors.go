// Package blobstore implements Component C: a reference-counted blob
// (LOB) store layered over a store.Store. A blob is split into
// fixed-size pages, each written as its own area (compressed when the
// blob's type carries CompressedFlag); a small header area holds the
// page id list, and the blob's fixedlist slot holds its status and
// reference count. Blobs are write-once: each page can be written
// only once, and once Complete is called later writers get
// ErrBlobNotWriteOnce.
package blobstore

import "errors"

// Sentinel errors returned by blob store operations.
var (
	// ErrInvalidReference is returned when a blob reference does not
	// resolve to a live blob header.
	ErrInvalidReference = errors.New("blobstore: invalid blob reference")

	// ErrInvalidBlobIO is returned for a malformed blob read or write: an
	// offset that is not page-aligned, a buffer larger than one page, a
	// page index past the blob's page count, a read of a page that was
	// never written, or Complete on a blob that is not open. Failures of
	// the underlying store are returned as the store's own errors.
	ErrInvalidBlobIO = errors.New("blobstore: blob i/o error")

	// ErrCorruptBlob is returned when a page's compressed bytes fail to
	// decompress or a header fails to decode.
	ErrCorruptBlob = errors.New("blobstore: corrupt blob")

	// ErrBlobNotWriteOnce is returned when a write targets a page that
	// has already been written, or a blob that has already been
	// completed.
	ErrBlobNotWriteOnce = errors.New("blobstore: blob already completed")

	// ErrReadOnly names a write attempted on a blob store opened over a
	// read-only Store. The blob store's own methods do not return it:
	// such writes fail with the Store's store.ErrReadOnly.
	ErrReadOnly = errors.New("blobstore: read-only")
)
