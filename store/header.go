// File header and reserved-area management.
//
// The file header is a fixed FileHeaderSize-byte binary record at
// offset 0. It is followed immediately by the reserved area (fixed
// size, fixed offset) that upper layers use to hold their own root
// pointer (4.A: "expose a reserved fixed area holding the database
// root pointer"). Everything after that is the area chain.
package store

import (
	"encoding/binary"
	"fmt"
)

const (
	magic = uint32(0x53544132) // "STA2"

	// FileHeaderSize is the fixed size of the on-disk file header.
	FileHeaderSize = 64

	// ReservedAreaSize is the fixed size of the root-pointer area
	// directly following the file header.
	ReservedAreaSize = 256

	// dataStart is the byte offset of the first allocatable area.
	dataStart = int64(FileHeaderSize + ReservedAreaSize)
)

// fileHeader is the in-memory mirror of the on-disk header.
type fileHeader struct {
	Version     uint32
	ChecksumAlg uint8
	CleanClose  uint8 // 0 = dirty (crash indicator), 1 = clean
	Tail        int64 // byte offset one past the last allocated area
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	buf[8] = h.ChecksumAlg
	buf[9] = h.CleanClose
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Tail))
	return buf
}

func decodeHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < FileHeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	h := &fileHeader{
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		ChecksumAlg: buf[8],
		CleanClose:  buf[9],
		Tail:        int64(binary.LittleEndian.Uint64(buf[16:24])),
	}
	if h.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	return h, nil
}

// ReadReserved copies the reserved area's bytes into buf (truncated or
// zero-padded to len(buf)).
func (s *Store) ReadReserved(buf []byte) error {
	n := len(buf)
	if n > ReservedAreaSize {
		n = ReservedAreaSize
	}
	raw := make([]byte, n)
	if _, err := s.reader.ReadAt(raw, FileHeaderSize); err != nil {
		return fmt.Errorf("%w: read reserved: %v", ErrIO, err)
	}
	copy(buf, raw)
	return nil
}

// WriteReserved overwrites the reserved area with buf (truncated if
// larger than ReservedAreaSize). The write is immediate — the reserved
// area is small enough that callers are expected to make it the last
// thing written in a commit so it double s as their root pointer flip.
func (s *Store) WriteReserved(buf []byte) error {
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	n := len(buf)
	if n > ReservedAreaSize {
		n = ReservedAreaSize
	}
	if _, err := s.writer.WriteAt(buf[:n], FileHeaderSize); err != nil {
		return fmt.Errorf("%w: write reserved: %v", ErrIO, err)
	}
	if s.cfg.SyncWrites {
		return s.syncWriter()
	}
	return nil
}
