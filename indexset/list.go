// IntList: a single sorted-integer secondary index, and the
// copy-on-write snapshot machinery around it.
package indexset

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

type blockDesc struct {
	first, last int32
	areaID      int64
	count       int32
}

const blockDescSize = 4 + 4 + 8 + 4

func (st *Store) writeListDesc(blocks []blockDesc) (int64, error) {
	w, err := st.s.CreateArea(4 + len(blocks)*blockDescSize)
	if err != nil {
		return 0, err
	}
	w.PutInt32(int32(len(blocks)))
	for _, b := range blocks {
		w.PutInt32(b.first)
		w.PutInt32(b.last)
		w.PutInt64(b.areaID)
		w.PutInt32(b.count)
	}
	return w.Finish()
}

func (st *Store) readListDesc(id int64) ([]blockDesc, error) {
	r, err := st.s.GetArea(id)
	if err != nil {
		return nil, err
	}
	n := int(r.GetInt32(0))
	out := make([]blockDesc, n)
	off := 4
	for i := 0; i < n; i++ {
		out[i] = blockDesc{
			first:  r.GetInt32(off),
			last:   r.GetInt32(off + 4),
			areaID: r.GetInt64(off + 8),
			count:  r.GetInt32(off + 16),
		}
		off += blockDescSize
	}
	return out, nil
}

// IntList is a mutable, snapshot-scoped view of one sorted index.
type IntList struct {
	owner  *IndexSet
	index  int
	blocks []blockDesc
	dirty  bool
}

// blockIndexFor returns the block that should contain v, or the
// insertion point among descriptors if no block's range covers it.
func (l *IntList) blockIndexFor(v int32) int {
	return sort.Search(len(l.blocks), func(i int) bool { return l.blocks[i].last >= v })
}

// Search performs a point lookup: O(log B) across block descriptors,
// then O(log block_size) within the block.
func (l *IntList) Search(v int32) (found bool, err error) {
	if len(l.blocks) == 0 {
		return false, nil
	}
	bi := l.blockIndexFor(v)
	if bi >= len(l.blocks) {
		return false, nil
	}
	vals, err := l.owner.st.loadBlock(l.blocks[bi].areaID)
	if err != nil {
		return false, err
	}
	i := sort.Search(len(vals), func(i int) bool { return vals[i] >= v })
	return i < len(vals) && vals[i] == v, nil
}

// Values returns every value in the list in sorted order. Intended for
// tests and small administrative scans, not hot-path iteration.
func (l *IntList) Values() ([]int32, error) {
	var out []int32
	for _, b := range l.blocks {
		vals, err := l.owner.st.loadBlock(b.areaID)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

// Insert adds v in sorted position, splitting the target block via
// copy-on-write if it would exceed the store's block size.
func (l *IntList) Insert(v int32) error {
	if len(l.blocks) == 0 {
		id, err := l.owner.st.writeBlock([]int32{v})
		if err != nil {
			return err
		}
		l.blocks = []blockDesc{{first: v, last: v, areaID: id, count: 1}}
		l.dirty = true
		if l.index == 0 && l.owner.bitmap != nil {
			l.owner.bitmap.Add(uint32(v))
		}
		return nil
	}

	bi := l.blockIndexFor(v)
	if bi == len(l.blocks) {
		bi = len(l.blocks) - 1
	}
	vals, err := l.owner.st.loadBlock(l.blocks[bi].areaID)
	if err != nil {
		return err
	}
	pos := sort.Search(len(vals), func(i int) bool { return vals[i] >= v })
	if pos < len(vals) && vals[pos] == v {
		return nil // already present
	}
	next := make([]int32, 0, len(vals)+1)
	next = append(next, vals[:pos]...)
	next = append(next, v)
	next = append(next, vals[pos:]...)

	if l.index == 0 && l.owner.bitmap != nil {
		l.owner.bitmap.Add(uint32(v))
	}

	if len(next) <= l.owner.st.blockSize {
		id, err := l.owner.st.writeBlock(next)
		if err != nil {
			return err
		}
		l.blocks[bi] = blockDesc{first: next[0], last: next[len(next)-1], areaID: id, count: int32(len(next))}
	} else {
		mid := len(next) / 2
		leftID, err := l.owner.st.writeBlock(next[:mid])
		if err != nil {
			return err
		}
		rightID, err := l.owner.st.writeBlock(next[mid:])
		if err != nil {
			return err
		}
		left := blockDesc{first: next[0], last: next[mid-1], areaID: leftID, count: int32(mid)}
		right := blockDesc{first: next[mid], last: next[len(next)-1], areaID: rightID, count: int32(len(next) - mid)}
		l.blocks = append(l.blocks[:bi], append([]blockDesc{left, right}, l.blocks[bi+1:]...)...)
	}
	l.dirty = true
	return nil
}

// Remove deletes v if present, rewriting its block via copy-on-write.
func (l *IntList) Remove(v int32) error {
	if len(l.blocks) == 0 {
		return nil
	}
	bi := l.blockIndexFor(v)
	if bi >= len(l.blocks) {
		return nil
	}
	vals, err := l.owner.st.loadBlock(l.blocks[bi].areaID)
	if err != nil {
		return err
	}
	pos := sort.Search(len(vals), func(i int) bool { return vals[i] >= v })
	if pos >= len(vals) || vals[pos] != v {
		return nil
	}
	next := append(append([]int32{}, vals[:pos]...), vals[pos+1:]...)

	if l.index == 0 && l.owner.bitmap != nil {
		l.owner.bitmap.Remove(uint32(v))
	}

	if len(next) == 0 {
		l.blocks = append(l.blocks[:bi], l.blocks[bi+1:]...)
	} else {
		id, err := l.owner.st.writeBlock(next)
		if err != nil {
			return err
		}
		l.blocks[bi] = blockDesc{first: next[0], last: next[len(next)-1], areaID: id, count: int32(len(next))}
	}
	l.dirty = true
	return nil
}

// IndexSet is a consistent, point-in-time view over every list in the
// store. Mutation of one IndexSet never affects another.
type IndexSet struct {
	st            *Store
	parentSeq     int64
	listOfListsID int64
	listIDs       []int64
	lists         map[int]*IntList
	disposed      bool

	// bitmap mirrors list 0 (the master RID list) for O(1) membership
	// tests during commit validation and GC eligibility scans. It is
	// rebuilt from the block descriptors at Snapshot time and mutated
	// in lockstep by IntList.Insert/Remove on index 0; the block chain
	// on disk stays authoritative, this is purely an accelerator.
	bitmap *roaring.Bitmap
}

// Snapshot returns a new consistent view of the index-set store.
func (st *Store) Snapshot() (*IndexSet, error) {
	ids, err := st.readListOfLists(st.listOfListsID)
	if err != nil {
		return nil, err
	}
	set := &IndexSet{
		st:            st,
		parentSeq:     st.snapshotSeq,
		listOfListsID: st.listOfListsID,
		listIDs:       ids,
		lists:         make(map[int]*IntList),
	}
	if len(ids) > 0 {
		master0, err := set.GetIndex(0)
		if err != nil {
			return nil, err
		}
		vals, err := master0.Values()
		if err != nil {
			return nil, err
		}
		bm := roaring.New()
		for _, v := range vals {
			bm.Add(uint32(v))
		}
		set.bitmap = bm
	}
	return set, nil
}

// MasterContains reports whether rid is present in the master RID
// list (index 0) via the snapshot's bitmap mirror.
func (set *IndexSet) MasterContains(rid int32) bool {
	if set.bitmap == nil {
		return false
	}
	return set.bitmap.Contains(uint32(rid))
}

// MasterRIDs returns every row index currently visible in this
// snapshot, read off the bitmap mirror rather than the block chain.
func (set *IndexSet) MasterRIDs() []int32 {
	if set.bitmap == nil {
		return nil
	}
	u32 := set.bitmap.ToArray()
	out := make([]int32, len(u32))
	for i, v := range u32 {
		out[i] = int32(v)
	}
	return out
}

// GetIndex returns a mutable proxy for list n. Blocks are loaded (and
// cached) lazily on first access.
func (set *IndexSet) GetIndex(n int) (*IntList, error) {
	if set.disposed {
		return nil, ErrDisposed
	}
	if l, ok := set.lists[n]; ok {
		return l, nil
	}
	if n < 0 || n >= len(set.listIDs) {
		return nil, ErrListRange
	}
	blocks, err := set.st.readListDesc(set.listIDs[n])
	if err != nil {
		return nil, err
	}
	l := &IntList{owner: set, index: n, blocks: blocks}
	set.lists[n] = l
	return l, nil
}

// Commit persists every dirty list touched by set as a new list-of-
// lists descriptor and rotates the store's root to it. Valid only while
// no other snapshot has committed since set was issued; otherwise it
// returns ErrStaleSnapshot. Must be called with the store's write lock
// held (the underlying store.Store write latch).
func (st *Store) Commit(set *IndexSet) error {
	if set.disposed {
		return ErrDisposed
	}
	if set.parentSeq != st.snapshotSeq {
		return ErrStaleSnapshot
	}

	newIDs := append([]int64(nil), set.listIDs...)
	for n, l := range set.lists {
		if !l.dirty {
			continue
		}
		id, err := st.writeListDesc(l.blocks)
		if err != nil {
			return err
		}
		newIDs[n] = id
	}

	lolID, err := st.writeListOfLists(newIDs)
	if err != nil {
		return err
	}

	m, err := st.s.GetMutableArea(st.root)
	if err != nil {
		return err
	}
	m.PutInt64(4, st.snapshotSeq+1)
	m.PutInt64(12, lolID)
	if err := st.s.CheckOut(m); err != nil {
		return err
	}
	if err := st.s.Flush(); err != nil {
		return err
	}

	st.snapshotSeq++
	st.listOfListsID = lolID
	set.disposed = true
	return nil
}

// Dispose releases the snapshot. Using it afterward is a programmer
// error (ErrDisposed).
func (set *IndexSet) Dispose() {
	set.disposed = true
}
