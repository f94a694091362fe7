// Area allocation, reads, and in-place mutation.
//
// An area is a fixed areaHeaderSize header followed by exactly
// Header.PayloadSize bytes of payload. Status byte distinguishes a live
// area from a deleted one still occupying space in the chain; deleted
// slots are tracked in an in-memory free list and reused by later
// CreateArea calls on a best-fit basis.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

const (
	areaStatusLive    = 0
	areaStatusDeleted = 1

	// areaHeaderSize: status(1) + checksumAlg(1) + pad(2) + payloadSize(4) + checksum(8).
	areaHeaderSize = 16
)

type areaHeader struct {
	Status      byte
	ChecksumAlg byte
	PayloadSize uint32
	Checksum    uint64
}

func (h areaHeader) encode() []byte {
	buf := make([]byte, areaHeaderSize)
	buf[0] = h.Status
	buf[1] = h.ChecksumAlg
	binary.LittleEndian.PutUint32(buf[4:8], h.PayloadSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.Checksum)
	return buf
}

func decodeAreaHeader(buf []byte) (areaHeader, error) {
	if len(buf) < areaHeaderSize {
		return areaHeader{}, fmt.Errorf("%w: short area header", ErrCorrupt)
	}
	return areaHeader{
		Status:      buf[0],
		ChecksumAlg: buf[1],
		PayloadSize: binary.LittleEndian.Uint32(buf[4:8]),
		Checksum:    binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

type freeSlot struct {
	offset int64
	size   uint32 // payload capacity, not including the header
}

// scanFreeList walks the area chain once at Open, collecting deleted
// areas into the free list. A full walk is acceptable at open time;
// steady-state allocation never rescans.
func (s *Store) scanFreeList() error {
	s.freeList = s.freeList[:0]
	off := dataStart
	hdrBuf := make([]byte, areaHeaderSize)
	for off < s.header.Tail {
		if _, err := s.reader.ReadAt(hdrBuf, off); err != nil {
			return fmt.Errorf("%w: scan at %d: %v", ErrIO, off, err)
		}
		h, err := decodeAreaHeader(hdrBuf)
		if err != nil {
			return err
		}
		if h.Status == areaStatusDeleted {
			s.freeList = append(s.freeList, freeSlot{offset: off, size: h.PayloadSize})
		}
		off += areaHeaderSize + int64(h.PayloadSize)
	}
	return nil
}

// FragmentationStats reports the store's current free-space ratio:
// bytes held by deleted-but-unreclaimed areas versus the file's
// logical tail. GC's compaction task uses this to decide whether a
// table is worth rewriting.
func (s *Store) FragmentationStats() (freeBytes, tail int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var free int64
	for _, fs := range s.freeList {
		free += int64(fs.size) + areaHeaderSize
	}
	return free, s.virtTail
}

// Writer accumulates payload bytes for a not-yet-visible area.
type Writer struct {
	s    *Store
	off  int64
	buf  []byte
	pos  int
	done bool
}

// CreateArea reserves a region of exactly size bytes. The area is not
// resolvable by GetArea until Finish is called.
func (s *Store) CreateArea(size int) (*Writer, error) {
	if s.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrOversize)
	}

	s.mu.Lock()
	off := s.takeSlotLocked(uint32(size))
	s.mu.Unlock()

	return &Writer{s: s, off: off, buf: make([]byte, size)}, nil
}

// takeSlotLocked returns an offset for a payload of the given size,
// popping a best-fit durable free slot or extending the virtual tail.
// Callers must hold s.mu.
func (s *Store) takeSlotLocked(size uint32) int64 {
	best := -1
	for i, fs := range s.freeList {
		if fs.size >= size && (best < 0 || fs.size < s.freeList[best].size) {
			best = i
		}
	}
	if best >= 0 {
		off := s.freeList[best].offset
		s.freeList = append(s.freeList[:best], s.freeList[best+1:]...)
		return off
	}
	off := s.virtTail
	s.virtTail += areaHeaderSize + int64(size)
	return off
}

// PutByte appends a single byte.
func (w *Writer) PutByte(v byte) error { return w.put([]byte{v}) }

// PutInt32 appends a little-endian int32.
func (w *Writer) PutInt32(v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return w.put(b[:])
}

// PutInt64 appends a little-endian int64.
func (w *Writer) PutInt64(v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return w.put(b[:])
}

// PutBytes appends raw bytes.
func (w *Writer) PutBytes(b []byte) error { return w.put(b) }

func (w *Writer) put(b []byte) error {
	if w.pos+len(b) > len(w.buf) {
		return ErrOversize
	}
	copy(w.buf[w.pos:], b)
	w.pos += len(b)
	return nil
}

// Finish seals the area and queues it for the next Flush, returning its
// id. Unwritten trailing bytes are zero.
func (w *Writer) Finish() (int64, error) {
	if w.done {
		return 0, fmt.Errorf("%w: already finished", ErrCheckout)
	}
	w.done = true
	h := areaHeader{
		Status:      areaStatusLive,
		ChecksumAlg: uint8(w.s.cfg.ChecksumAlgorithm),
		PayloadSize: uint32(len(w.buf)),
		Checksum:    checksum(w.buf, w.s.cfg.ChecksumAlgorithm),
	}
	rec := append(h.encode(), w.buf...)

	w.s.mu.Lock()
	w.s.pending = append(w.s.pending, walOp{kind: opAllocate, offset: w.off, payload: rec})
	w.s.mu.Unlock()
	return w.off, nil
}

// Reader is a read-only view of a live area's payload.
type Reader struct {
	data []byte
}

// GetInt32 reads a little-endian int32 at byte offset off.
func (r *Reader) GetInt32(off int) int32 {
	return int32(binary.LittleEndian.Uint32(r.data[off : off+4]))
}

// GetInt64 reads a little-endian int64 at byte offset off.
func (r *Reader) GetInt64(off int) int64 {
	return int64(binary.LittleEndian.Uint64(r.data[off : off+8]))
}

// GetBytes returns a copy of n bytes at byte offset off.
func (r *Reader) GetBytes(off, n int) []byte {
	out := make([]byte, n)
	copy(out, r.data[off:off+n])
	return out
}

// Len returns the payload length.
func (r *Reader) Len() int { return len(r.data) }

// GetArea resolves id to a live area's payload, retrying transient I/O
// errors with an exponential backoff policy.
func (s *Store) GetArea(id int64) (*Reader, error) {
	payload, err := s.readAreaPayload(id, true)
	if err != nil {
		return nil, err
	}
	return &Reader{data: payload}, nil
}

func (s *Store) readAreaPayload(id int64, wantLive bool) ([]byte, error) {
	var payload []byte
	op := func() error {
		hdrBuf := make([]byte, areaHeaderSize)
		if _, err := s.reader.ReadAt(hdrBuf, id); err != nil {
			return fmt.Errorf("%w: read area %d: %v", ErrIO, id, err)
		}
		h, err := decodeAreaHeader(hdrBuf)
		if err != nil {
			return backoff.Permanent(err)
		}
		if wantLive && h.Status == areaStatusDeleted {
			return backoff.Permanent(ErrDeleted)
		}
		buf := make([]byte, h.PayloadSize)
		if h.PayloadSize > 0 {
			if _, err := s.reader.ReadAt(buf, id+areaHeaderSize); err != nil {
				return fmt.Errorf("%w: read payload %d: %v", ErrIO, id, err)
			}
		}
		if checksum(buf, int(h.ChecksumAlg)) != h.Checksum {
			return backoff.Permanent(fmt.Errorf("%w: checksum mismatch at %d", ErrCorrupt, id))
		}
		payload = buf
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.IOMaxRetries))
	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			s.metrics.ioRetries.Inc()
		}
		attempt++
		return op()
	}, bo)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// MutableArea is a live area's payload loaded for in-place mutation. It
// must be bracketed by LockForWrite/UnlockForWrite and sealed with
// CheckOut, which queues the mutation into the write-ahead journal.
type MutableArea struct {
	s    *Store
	off  int64
	alg  int
	data []byte
}

// GetMutableArea loads id for mutation. Callers must hold the write
// lock (LockForWrite) before calling CheckOut on the result.
func (s *Store) GetMutableArea(id int64) (*MutableArea, error) {
	if s.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	payload, err := s.readAreaPayload(id, true)
	if err != nil {
		return nil, err
	}
	return &MutableArea{s: s, off: id, alg: s.cfg.ChecksumAlgorithm, data: payload}, nil
}

// PutInt32 overwrites a little-endian int32 at byte offset off.
func (m *MutableArea) PutInt32(off int, v int32) {
	binary.LittleEndian.PutUint32(m.data[off:off+4], uint32(v))
}

// PutInt64 overwrites a little-endian int64 at byte offset off.
func (m *MutableArea) PutInt64(off int, v int64) {
	binary.LittleEndian.PutUint64(m.data[off:off+8], uint64(v))
}

// PutBytes overwrites len(b) bytes at byte offset off.
func (m *MutableArea) PutBytes(off int, b []byte) {
	copy(m.data[off:off+len(b)], b)
}

// Reader exposes the mutable area's current bytes for reading back
// values just written, without a round trip through the store.
func (m *MutableArea) Reader() *Reader { return &Reader{data: m.data} }

// LockForWrite acquires the store's single write latch: the OS-level
// flock plus the in-process writeOpen flag that gates CheckOut.
func (s *Store) LockForWrite() error {
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	if err := s.lock.Lock(LockExclusive); err != nil {
		return err
	}
	s.mu.Lock()
	s.writeOpen = true
	s.mu.Unlock()
	return nil
}

// UnlockForWrite releases the write latch taken by LockForWrite.
func (s *Store) UnlockForWrite() error {
	s.mu.Lock()
	s.writeOpen = false
	s.mu.Unlock()
	return s.lock.Unlock()
}

// CheckOut seals a mutation made through MutableArea into the pending
// write-ahead batch. It requires an open write lock from LockForWrite.
func (s *Store) CheckOut(m *MutableArea) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writeOpen {
		return ErrCheckout
	}
	h := areaHeader{
		Status:      areaStatusLive,
		ChecksumAlg: uint8(m.alg),
		PayloadSize: uint32(len(m.data)),
		Checksum:    checksum(m.data, m.alg),
	}
	rec := append(h.encode(), m.data...)
	s.pending = append(s.pending, walOp{kind: opMutate, offset: m.off, payload: rec})
	return nil
}

// DeleteArea marks id deleted, freeing it for reuse by a later
// CreateArea once the deletion is durably flushed.
func (s *Store) DeleteArea(id int64) error {
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	s.pending = append(s.pending, walOp{kind: opDelete, offset: id})
	s.mu.Unlock()
	return nil
}
