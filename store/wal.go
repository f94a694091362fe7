// Write-ahead journal and the two-phase commit protocol.
//
// Flush writes every pending op to the side journal file, fsyncs it,
// applies the ops to the data file, fsyncs that, then truncates the
// journal and fsyncs once more. A crash before the journal's commit
// marker is fsynced leaves hasRecords() false, so Open discards the
// journal outright. A crash after the marker but before the final
// truncate is recovered by replaying the journal's ops into the data
// file at Open, which is idempotent since every op carries its own
// absolute offset.
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

type opKind byte

const (
	opAllocate opKind = 1
	opMutate   opKind = 2
	opDelete   opKind = 3
)

const commitMarker = 0xC7

type walOp struct {
	kind    opKind
	offset  int64
	payload []byte // full areaHeader+payload bytes for allocate/mutate; nil for delete
}

type walFile struct {
	root *os.Root
	name string
	f    *os.File
}

func openWAL(root *os.Root, name string) (*walFile, error) {
	f, err := root.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open journal: %v", ErrIO, err)
	}
	return &walFile{root: root, name: name, f: f}, nil
}

func (w *walFile) hasRecords() bool {
	info, err := w.f.Stat()
	if err != nil || info.Size() < 1 {
		return false
	}
	b := make([]byte, 1)
	if _, err := w.f.ReadAt(b, info.Size()-1); err != nil {
		return false
	}
	return b[0] == commitMarker
}

func (w *walFile) reset() error {
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate journal: %v", ErrIO, err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek journal: %v", ErrIO, err)
	}
	return nil
}

// writeBatch encodes ops, fsyncs, then appends the commit marker byte
// and fsyncs again — the marker's presence is what makes the batch
// durable from a recovery standpoint.
func (w *walFile) writeBatch(ops []walOp) error {
	if err := w.reset(); err != nil {
		return err
	}
	var buf []byte
	for _, op := range ops {
		var rec [13]byte
		rec[0] = byte(op.kind)
		binary.LittleEndian.PutUint64(rec[1:9], uint64(op.offset))
		binary.LittleEndian.PutUint32(rec[9:13], uint32(len(op.payload)))
		buf = append(buf, rec[:]...)
		buf = append(buf, op.payload...)
	}
	if len(buf) > 0 {
		if _, err := w.f.WriteAt(buf, 0); err != nil {
			return fmt.Errorf("%w: write journal: %v", ErrIO, err)
		}
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync journal: %v", ErrIO, err)
	}
	if _, err := w.f.WriteAt([]byte{commitMarker}, int64(len(buf))); err != nil {
		return fmt.Errorf("%w: write journal commit marker: %v", ErrIO, err)
	}
	return w.f.Sync()
}

func (w *walFile) readBatch() ([]walOp, error) {
	info, err := w.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat journal: %v", ErrIO, err)
	}
	n := info.Size() - 1 // exclude commit marker
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := w.f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: read journal: %v", ErrIO, err)
	}
	var ops []walOp
	for pos := 0; pos < len(buf); {
		if pos+13 > len(buf) {
			return nil, fmt.Errorf("%w: truncated journal record", ErrCorrupt)
		}
		kind := opKind(buf[pos])
		offset := int64(binary.LittleEndian.Uint64(buf[pos+1 : pos+9]))
		size := int(binary.LittleEndian.Uint32(buf[pos+9 : pos+13]))
		pos += 13
		if pos+size > len(buf) {
			return nil, fmt.Errorf("%w: truncated journal payload", ErrCorrupt)
		}
		payload := buf[pos : pos+size]
		pos += size
		ops = append(ops, walOp{kind: kind, offset: offset, payload: payload})
	}
	return ops, nil
}

func (w *walFile) close() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: close journal: %v", ErrIO, err)
	}
	return nil
}

// applyOps writes every op's bytes into the data file at its absolute
// offset and reports the furthest byte touched, so the caller can
// advance the tail. Safe to call twice with the same ops (idempotent)
// since each op is keyed by absolute offset, not append position.
func (s *Store) applyOps(ops []walOp) (int64, error) {
	maxEnd := s.header.Tail
	for _, op := range ops {
		switch op.kind {
		case opAllocate, opMutate:
			if _, err := s.writer.WriteAt(op.payload, op.offset); err != nil {
				return 0, fmt.Errorf("%w: apply at %d: %v", ErrIO, op.offset, err)
			}
			end := op.offset + int64(len(op.payload))
			if end > maxEnd {
				maxEnd = end
			}
		case opDelete:
			if err := s.markDeleted(op.offset); err != nil {
				return 0, err
			}
		}
	}
	return maxEnd, nil
}

func (s *Store) markDeleted(offset int64) error {
	hdrBuf := make([]byte, areaHeaderSize)
	if _, err := s.writer.ReadAt(hdrBuf, offset); err != nil {
		return fmt.Errorf("%w: read for delete at %d: %v", ErrIO, offset, err)
	}
	h, err := decodeAreaHeader(hdrBuf)
	if err != nil {
		return err
	}
	if h.Status == areaStatusDeleted {
		return nil
	}
	h.Status = areaStatusDeleted
	if _, err := s.writer.WriteAt(h.encode(), offset); err != nil {
		return fmt.Errorf("%w: mark deleted at %d: %v", ErrIO, offset, err)
	}
	s.freeList = append(s.freeList, freeSlot{offset: offset, size: h.PayloadSize})
	return nil
}

// Flush commits every CreateArea/CheckOut/DeleteArea call queued since
// the last Flush, in a single fsync-bracketed batch.
func (s *Store) Flush() error {
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	s.markDirty()

	if err := s.wal.writeBatch(ops); err != nil {
		return err
	}

	tail, err := s.applyOps(ops)
	if err != nil {
		return err
	}
	if err := s.syncWriter(); err != nil {
		return err
	}

	s.header.Tail = tail
	s.mu.Lock()
	if tail > s.virtTail {
		s.virtTail = tail
	}
	s.mu.Unlock()
	if _, err := s.writer.WriteAt(s.header.encode(), 0); err != nil {
		return fmt.Errorf("%w: persist header: %v", ErrIO, err)
	}
	if err := s.syncWriter(); err != nil {
		return err
	}

	if err := s.wal.reset(); err != nil {
		return err
	}
	if err := s.wal.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync journal reset: %v", ErrIO, err)
	}

	n := 0
	for _, op := range ops {
		n += len(op.payload)
	}
	s.metrics.flushes.Inc()
	s.metrics.flushBytes.Add(float64(n))
	return nil
}

// replayWAL applies a journal found with a durable commit marker and
// then resets it. Called once, at Open.
func (s *Store) replayWAL() error {
	ops, err := s.wal.readBatch()
	if err != nil {
		return err
	}
	tail, err := s.applyOps(ops)
	if err != nil {
		return err
	}
	if err := s.syncWriter(); err != nil {
		return err
	}
	s.header.Tail = tail
	s.header.CleanClose = 0
	if _, err := s.writer.WriteAt(s.header.encode(), 0); err != nil {
		return fmt.Errorf("%w: persist recovered header: %v", ErrIO, err)
	}
	if err := s.syncWriter(); err != nil {
		return err
	}
	if err := s.wal.reset(); err != nil {
		return err
	}
	return s.wal.f.Sync()
}
