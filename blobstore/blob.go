// Package blobstore implements Component C on top of fixedlist.Slot
// entries and store.Store areas: write-once, reference-counted blobs
// split into fixed-size compressed pages.
package blobstore

import (
	"fmt"

	"github.com/jpl-au/strata/fixedlist"
	"github.com/jpl-au/strata/store"
)

const (
	// PageSize is the maximum bytes per blob page (64 KiB, spec.md §4.C).
	PageSize = 64 * 1024

	slotSize        = 24 // status(4) + refCount(4) + size(8) + headerPtr(8)
	initialSlots    = 64
	headerAreaFixed = 4 + 4 + 8 + 8 // reserved + type + size + pageCount, then page pointers

	statusOpen     = 0
	statusComplete = 1
	statusDeleted  = 0x020000

	// TypeBinary/TypeASCII/TypeUTF16 occupy the low nibble of a blob's
	// type field; CompressedFlag is bit 0x10.
	TypeBinary     = 2
	TypeASCII      = 3
	TypeUTF16      = 4
	CompressedFlag = 0x10
)

// rootHeader is BlobStore's own small root area: version, the
// fixedlist descriptor id holding slots, the free-chain head (-1 =
// empty) and the next never-used slot index.
type rootHeader struct {
	slotListID    int64
	freeChainHead int64
	nextIndex     int64
}

const rootHeaderSize = 4 + 8 + 8 + 8

// BlobStore is an open blob area over a store.Store.
type BlobStore struct {
	s    *store.Store
	root int64
	hdr  rootHeader
	list *fixedlist.List
}

// Create allocates a new, empty blob store and returns it along with
// the root area id the caller must persist to reopen it later.
func Create(s *store.Store) (*BlobStore, int64, error) {
	list, listID, err := fixedlist.Create(s, slotSize, initialSlots)
	if err != nil {
		return nil, 0, err
	}
	b := &BlobStore{s: s, list: list, hdr: rootHeader{slotListID: listID, freeChainHead: -1}}

	w, err := s.CreateArea(rootHeaderSize)
	if err != nil {
		return nil, 0, err
	}
	b.encodeRoot(w)
	id, err := w.Finish()
	if err != nil {
		return nil, 0, err
	}
	b.root = id
	if err := s.Flush(); err != nil {
		return nil, 0, err
	}
	return b, id, nil
}

func (b *BlobStore) encodeRoot(w *store.Writer) {
	w.PutInt32(1)
	w.PutInt64(b.hdr.slotListID)
	w.PutInt64(b.hdr.freeChainHead)
	w.PutInt64(b.hdr.nextIndex)
}

// Open loads an existing blob store from its root area id.
func Open(s *store.Store, root int64) (*BlobStore, error) {
	r, err := s.GetArea(root)
	if err != nil {
		return nil, err
	}
	hdr := rootHeader{
		slotListID:    r.GetInt64(4),
		freeChainHead: r.GetInt64(12),
		nextIndex:     r.GetInt64(20),
	}
	list, err := fixedlist.Init(s, hdr.slotListID)
	if err != nil {
		return nil, err
	}
	return &BlobStore{s: s, root: root, hdr: hdr, list: list}, nil
}

func (b *BlobStore) persistRoot() error {
	m, err := b.s.GetMutableArea(b.root)
	if err != nil {
		return err
	}
	m.PutInt64(4, b.hdr.slotListID)
	m.PutInt64(12, b.hdr.freeChainHead)
	m.PutInt64(20, b.hdr.nextIndex)
	return b.s.CheckOut(m)
}

// Ref is a handle to one blob's slot.
type Ref struct {
	Index     int64
	headerID  int64
	size      int64
	typ       int32
	pageCount int64
}

func (b *BlobStore) slotLocation(index int64) (int64, int, error) {
	return b.list.PositionOnNode(index)
}

func (b *BlobStore) readSlot(index int64) (status int32, refCount int32, size, headerPtr int64, err error) {
	areaID, off, err := b.slotLocation(index)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	r, err := b.s.GetArea(areaID)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return r.GetInt32(off), r.GetInt32(off + 4), r.GetInt64(off + 8), r.GetInt64(off + 16), nil
}

func (b *BlobStore) writeSlot(index int64, status, refCount int32, size, headerPtr int64) error {
	areaID, off, err := b.slotLocation(index)
	if err != nil {
		return err
	}
	m, err := b.s.GetMutableArea(areaID)
	if err != nil {
		return err
	}
	m.PutInt32(off, status)
	m.PutInt32(off+4, refCount)
	m.PutInt64(off+8, size)
	m.PutInt64(off+16, headerPtr)
	return b.s.CheckOut(m)
}

// Allocate reserves a slot and a header area with ceil(size/PageSize)
// page pointer slots initialized to -1, returning a writable Ref.
func (b *BlobStore) Allocate(typ int32, size int64) (*Ref, error) {
	pageCount := (size + PageSize - 1) / PageSize
	if size == 0 {
		pageCount = 0
	}

	w, err := b.s.CreateArea(headerAreaFixed + int(pageCount)*8)
	if err != nil {
		return nil, err
	}
	w.PutInt32(0) // reserved
	w.PutInt32(typ)
	w.PutInt64(size)
	w.PutInt64(pageCount)
	for i := int64(0); i < pageCount; i++ {
		w.PutInt64(-1)
	}
	headerID, err := w.Finish()
	if err != nil {
		return nil, err
	}

	if err := b.s.LockForWrite(); err != nil {
		return nil, err
	}
	defer b.s.UnlockForWrite()

	index, err := b.popSlotLocked()
	if err != nil {
		return nil, err
	}
	if err := b.writeSlot(index, statusOpen, 1, size, headerID); err != nil {
		return nil, err
	}
	if err := b.s.Flush(); err != nil {
		return nil, err
	}

	return &Ref{Index: index, headerID: headerID, size: size, typ: typ, pageCount: pageCount}, nil
}

func (b *BlobStore) popSlotLocked() (int64, error) {
	if b.hdr.freeChainHead != -1 {
		index := b.hdr.freeChainHead
		_, _, _, next, err := b.readSlot(index)
		if err != nil {
			return 0, err
		}
		b.hdr.freeChainHead = next
		if err := b.persistRoot(); err != nil {
			return 0, err
		}
		return index, nil
	}
	index := b.hdr.nextIndex
	for index >= b.list.AddressableNodeCount() {
		if err := b.list.IncreaseSize(); err != nil {
			return 0, err
		}
	}
	b.hdr.nextIndex++
	if err := b.persistRoot(); err != nil {
		return 0, err
	}
	return index, nil
}

// Write stores one page of a blob at a 64 KiB-aligned offset. The blob
// must still be open and the target page pointer must still be -1
// (write-once).
func (b *BlobStore) Write(ref *Ref, offset int64, buf []byte) error {
	if ref == nil {
		return ErrInvalidReference
	}
	if offset%PageSize != 0 || len(buf) > PageSize {
		return ErrInvalidBlobIO
	}
	status, _, _, _, err := b.readSlot(ref.Index)
	if err != nil {
		return err
	}
	if status != statusOpen {
		return ErrBlobNotWriteOnce
	}
	pageIdx := offset / PageSize

	hr, err := b.s.GetArea(ref.headerID)
	if err != nil {
		return err
	}
	ptrOff := headerAreaFixed + int(pageIdx)*8
	if pageIdx >= hr.GetInt64(12) {
		return ErrInvalidBlobIO
	}
	if hr.GetInt64(ptrOff) != -1 {
		return ErrBlobNotWriteOnce
	}

	payload := buf
	if ref.typ&CompressedFlag != 0 {
		payload = compressPage(buf)
	}
	w, err := b.s.CreateArea(len(payload))
	if err != nil {
		return err
	}
	w.PutBytes(payload)
	pageAreaID, err := w.Finish()
	if err != nil {
		return err
	}

	if err := b.s.LockForWrite(); err != nil {
		return err
	}
	defer b.s.UnlockForWrite()

	m, err := b.s.GetMutableArea(ref.headerID)
	if err != nil {
		return err
	}
	m.PutInt64(ptrOff, pageAreaID)
	if err := b.s.CheckOut(m); err != nil {
		return err
	}
	return b.s.Flush()
}

// Complete transitions the slot OPEN -> COMPLETE, sealing it read-only.
func (b *BlobStore) Complete(ref *Ref) error {
	if ref == nil {
		return ErrInvalidReference
	}
	status, refCount, size, headerPtr, err := b.readSlot(ref.Index)
	if err != nil {
		return err
	}
	if status != statusOpen {
		return fmt.Errorf("%w: slot %d is not open", ErrInvalidBlobIO, ref.Index)
	}
	if err := b.s.LockForWrite(); err != nil {
		return err
	}
	defer b.s.UnlockForWrite()
	if err := b.writeSlot(ref.Index, statusComplete, refCount, size, headerPtr); err != nil {
		return err
	}
	return b.s.Flush()
}

// Get resolves id to a read-only Ref. Fails if the slot is deleted.
func (b *BlobStore) Get(id int64) (*Ref, error) {
	status, _, size, headerPtr, err := b.readSlot(id)
	if err != nil {
		return nil, err
	}
	if status == statusDeleted {
		return nil, ErrInvalidReference
	}
	hr, err := b.s.GetArea(headerPtr)
	if err != nil {
		return nil, err
	}
	return &Ref{
		Index:     id,
		headerID:  headerPtr,
		size:      size,
		typ:       hr.GetInt32(4),
		pageCount: hr.GetInt64(12),
	}, nil
}

// Read reads and optionally decompresses one page at a 64 KiB-aligned
// offset.
func (b *BlobStore) Read(ref *Ref, offset int64, buf []byte) (int, error) {
	if ref == nil {
		return 0, ErrInvalidReference
	}
	if offset%PageSize != 0 {
		return 0, ErrInvalidBlobIO
	}
	if ref.pageCount == 0 && offset == 0 {
		return 0, nil
	}
	pageIdx := offset / PageSize
	if pageIdx >= ref.pageCount {
		return 0, ErrInvalidBlobIO
	}

	hr, err := b.s.GetArea(ref.headerID)
	if err != nil {
		return 0, err
	}
	ptrOff := headerAreaFixed + int(pageIdx)*8
	pageAreaID := hr.GetInt64(ptrOff)
	if pageAreaID == -1 {
		return 0, fmt.Errorf("%w: page %d never written", ErrInvalidBlobIO, pageIdx)
	}

	pr, err := b.s.GetArea(pageAreaID)
	if err != nil {
		return 0, err
	}
	raw := pr.GetBytes(0, pr.Len())
	if ref.typ&CompressedFlag != 0 {
		raw, err = decompressPage(raw)
		if err != nil {
			return 0, err
		}
	}
	n := copy(buf, raw)
	return n, nil
}

// EstablishReference increments a blob's reference count. The caller
// must already hold the store's write lock.
func (b *BlobStore) EstablishReference(id int64) error {
	status, refCount, size, headerPtr, err := b.readSlot(id)
	if err != nil {
		return err
	}
	if status == statusDeleted {
		return ErrInvalidReference
	}
	return b.writeSlot(id, status, refCount+1, size, headerPtr)
}

// ReleaseReference decrements a blob's reference count; at zero it
// frees all page areas, the header area, and pushes the slot onto the
// free chain. The caller must already hold the store's write lock.
func (b *BlobStore) ReleaseReference(id int64) error {
	status, refCount, size, headerPtr, err := b.readSlot(id)
	if err != nil {
		return err
	}
	if status == statusDeleted {
		return ErrInvalidReference
	}
	if refCount > 1 {
		return b.writeSlot(id, status, refCount-1, size, headerPtr)
	}

	hr, err := b.s.GetArea(headerPtr)
	if err != nil {
		return err
	}
	pageCount := hr.GetInt64(12)
	for i := int64(0); i < pageCount; i++ {
		ptr := hr.GetInt64(headerAreaFixed + int(i)*8)
		if ptr != -1 {
			if err := b.s.DeleteArea(ptr); err != nil {
				return err
			}
		}
	}
	if err := b.s.DeleteArea(headerPtr); err != nil {
		return err
	}

	next := b.hdr.freeChainHead
	if err := b.writeSlot(id, statusDeleted, 0, 0, next); err != nil {
		return err
	}
	b.hdr.freeChainHead = id
	return b.persistRoot()
}

// CopyFrom deep-copies every live blob of src into b, in batches of at
// most 1024 slots with a Flush checkpoint between batches so partial
// progress survives a crash.
func (b *BlobStore) CopyFrom(src *BlobStore) error {
	const batchSize = 1024
	n := src.hdr.nextIndex
	for start := int64(0); start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		for idx := start; idx < end; idx++ {
			status, _, _, _, err := src.readSlot(idx)
			if err != nil {
				return err
			}
			if status == statusDeleted {
				continue
			}
			ref, err := src.Get(idx)
			if err != nil {
				return err
			}
			if err := b.copyBlob(src, ref); err != nil {
				return err
			}
		}
		if err := b.s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (b *BlobStore) copyBlob(src *BlobStore, ref *Ref) error {
	dst, err := b.Allocate(ref.typ, ref.size)
	if err != nil {
		return err
	}
	for p := int64(0); p < ref.pageCount; p++ {
		off := p * PageSize
		buf := make([]byte, PageSize)
		n, err := src.Read(ref, off, buf)
		if err != nil {
			return err
		}
		if err := b.Write(dst, off, buf[:n]); err != nil {
			return err
		}
	}
	return b.Complete(dst)
}
