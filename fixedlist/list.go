// Package fixedlist implements Component B: an addressable array of
// fixed-size slots layered over a store.Store, growing in geometric
// blocks. Once a block is created its slots are addressable forever;
// shrinking is not supported and growth is append-only.
//
// The descriptor area is allocated once at a size large enough to hold
// maxBlocks entries, so growing the list is an in-place mutation
// (GetMutableArea/CheckOut) rather than a new area with a changing id —
// the list's id never moves after Create.
package fixedlist

import (
	"fmt"

	"github.com/jpl-au/strata/store"
)

const (
	maxBlocks = 48

	// descriptor layout: reserved(8) + slotSize(4) + baseCount(4) +
	// blockCount(4) + maxBlocks*(areaID(8)+capacity(8)).
	descHeaderSize = 8 + 4 + 4 + 4
	blockEntrySize = 16
	descAreaSize   = descHeaderSize + maxBlocks*blockEntrySize
)

// ErrFull is returned by IncreaseSize once maxBlocks growth doublings
// have been used; in practice this is an astronomically large list.
var ErrFull = fmt.Errorf("fixedlist: exhausted %d growth blocks", maxBlocks)

type block struct {
	areaID   int64
	capacity int64 // slot count
}

// List is an addressable array of fixed-size slots.
type List struct {
	s        *store.Store
	id       int64
	slotSize int
	baseCount int64
	blocks   []block
	reserved int64
}

// Create allocates a new, empty list of slots of size slotSize, whose
// first block holds baseCount slots.
func Create(s *store.Store, slotSize int, baseCount int64) (*List, int64, error) {
	w, err := s.CreateArea(descAreaSize)
	if err != nil {
		return nil, 0, err
	}
	l := &List{s: s, slotSize: slotSize, baseCount: baseCount}
	if err := l.encodeHeader(w); err != nil {
		return nil, 0, err
	}
	id, err := w.Finish()
	if err != nil {
		return nil, 0, err
	}
	l.id = id

	if err := s.LockForWrite(); err != nil {
		return nil, 0, err
	}
	defer s.UnlockForWrite()
	if err := l.IncreaseSize(); err != nil {
		return nil, 0, err
	}
	if err := s.Flush(); err != nil {
		return nil, 0, err
	}
	return l, id, nil
}

func (l *List) encodeHeader(w *store.Writer) error {
	w.PutInt64(l.reserved)
	w.PutInt32(int32(l.slotSize))
	w.PutInt32(int32(l.baseCount))
	w.PutInt32(int32(len(l.blocks)))
	for i := 0; i < maxBlocks; i++ {
		var a, c int64
		if i < len(l.blocks) {
			a, c = l.blocks[i].areaID, l.blocks[i].capacity
		}
		w.PutInt64(a)
		w.PutInt64(c)
	}
	return nil
}

// Init loads an existing list by its descriptor area id.
func Init(s *store.Store, id int64) (*List, error) {
	r, err := s.GetArea(id)
	if err != nil {
		return nil, err
	}
	l := &List{s: s, id: id}
	l.reserved = r.GetInt64(0)
	l.slotSize = int(r.GetInt32(8))
	l.baseCount = int64(r.GetInt32(12))
	blockCount := int(r.GetInt32(16))
	off := descHeaderSize
	for i := 0; i < blockCount; i++ {
		areaID := r.GetInt64(off)
		cap := r.GetInt64(off + 8)
		l.blocks = append(l.blocks, block{areaID: areaID, capacity: cap})
		off += blockEntrySize
	}
	return l, nil
}

// ID returns the list's (stable) descriptor area id.
func (l *List) ID() int64 { return l.id }

// AddressableNodeCount returns the sum of every block's capacity.
func (l *List) AddressableNodeCount() int64 {
	var n int64
	for _, b := range l.blocks {
		n += b.capacity
	}
	return n
}

// IncreaseSize allocates the next geometric block and makes its slots
// addressable. Must be called with the store's write lock held.
func (l *List) IncreaseSize() error {
	if len(l.blocks) >= maxBlocks {
		return ErrFull
	}
	cap := l.baseCount
	if n := len(l.blocks); n > 0 {
		cap = l.blocks[n-1].capacity * 2
	}
	w, err := l.s.CreateArea(int(cap) * l.slotSize)
	if err != nil {
		return err
	}
	blockID, err := w.Finish()
	if err != nil {
		return err
	}
	l.blocks = append(l.blocks, block{areaID: blockID, capacity: cap})
	return l.persistBlockCountAppend(blockID, cap)
}

func (l *List) persistBlockCountAppend(blockID, cap int64) error {
	m, err := l.s.GetMutableArea(l.id)
	if err != nil {
		return err
	}
	idx := len(l.blocks) - 1
	m.PutInt32(16, int32(len(l.blocks)))
	off := descHeaderSize + idx*blockEntrySize
	m.PutInt64(off, blockID)
	m.PutInt64(off+8, cap)
	return l.s.CheckOut(m)
}

// PositionOnNode returns the block area id and in-block byte offset
// for a slot index, resolving across the geometric blocks.
func (l *List) PositionOnNode(index int64) (areaID int64, byteOffset int, err error) {
	for _, b := range l.blocks {
		if index < b.capacity {
			return b.areaID, int(index) * l.slotSize, nil
		}
		index -= b.capacity
	}
	return 0, 0, fmt.Errorf("fixedlist: index out of range")
}

// ReservedLong returns the list's 64-bit owner-defined field (typically
// the head of an owner's free chain).
func (l *List) ReservedLong() int64 { return l.reserved }

// SetReservedLong overwrites the reserved field in place.
func (l *List) SetReservedLong(v int64) error {
	l.reserved = v
	m, err := l.s.GetMutableArea(l.id)
	if err != nil {
		return err
	}
	m.PutInt64(0, v)
	return l.s.CheckOut(m)
}
