// IndexSetStore root: the list-of-lists descriptor and the snapshot
// sequence counter that Commit uses to detect a stale snapshot.
package indexset

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jpl-au/strata/store"
)

// DefaultBlockSize is the maximum int32 count per block (spec.md §4.D
// leaves block_size to the implementation; 256 keeps a block well
// under one page while amortizing descriptor overhead).
const DefaultBlockSize = 256

const rootAreaSize = 4 + 8 + 8 // version + snapshotSeq + listOfListsID

// Store is an open index-set area over a store.Store.
type Store struct {
	s    *store.Store
	root int64

	snapshotSeq   int64
	listOfListsID int64
	blockSize     int

	cache *lru.Cache[int64, []int32]
}

// Create allocates a new, empty index-set store with listCount lists,
// and returns it along with the root area id to persist for reopening.
func Create(s *store.Store, listCount int) (*Store, int64, error) {
	cache, _ := lru.New[int64, []int32](4096)
	st := &Store{s: s, blockSize: DefaultBlockSize, cache: cache}

	lolID, err := st.writeListOfLists(make([]int64, 0, listCount))
	if err != nil {
		return nil, 0, err
	}
	st.listOfListsID = lolID

	if err := st.addListsLocked(listCount); err != nil {
		return nil, 0, err
	}

	w, err := s.CreateArea(rootAreaSize)
	if err != nil {
		return nil, 0, err
	}
	w.PutInt32(1)
	w.PutInt64(st.snapshotSeq)
	w.PutInt64(st.listOfListsID)
	id, err := w.Finish()
	if err != nil {
		return nil, 0, err
	}
	st.root = id

	if err := s.Flush(); err != nil {
		return nil, 0, err
	}
	return st, id, nil
}

// Open loads an existing index-set store from its root area id.
func Open(s *store.Store, root int64) (*Store, error) {
	r, err := s.GetArea(root)
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[int64, []int32](4096)
	return &Store{
		s:             s,
		root:          root,
		snapshotSeq:   r.GetInt64(4),
		listOfListsID: r.GetInt64(12),
		blockSize:     DefaultBlockSize,
		cache:         cache,
	}, nil
}

func (st *Store) writeListOfLists(listDescIDs []int64) (int64, error) {
	w, err := st.s.CreateArea(4 + len(listDescIDs)*8)
	if err != nil {
		return 0, err
	}
	w.PutInt32(int32(len(listDescIDs)))
	for _, id := range listDescIDs {
		w.PutInt64(id)
	}
	return w.Finish()
}

func (st *Store) readListOfLists(id int64) ([]int64, error) {
	r, err := st.s.GetArea(id)
	if err != nil {
		return nil, err
	}
	n := int(r.GetInt32(0))
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = r.GetInt64(4 + i*8)
	}
	return out, nil
}

// AddLists extends the set of indices by count new empty lists. It
// writes a new list-of-lists area and makes it the store's current
// one in memory; the root area is not rewritten here, so the new
// lists reach disk with the next Commit of a snapshot issued after
// this call. Snapshots issued before the call do not see the new
// lists.
func (st *Store) AddLists(count int) error {
	return st.addListsLocked(count)
}

func (st *Store) addListsLocked(count int) error {
	ids, err := st.currentListIDsOrEmpty()
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		w, err := st.s.CreateArea(4) // blockCount:i32, no blocks yet
		if err != nil {
			return err
		}
		w.PutInt32(0)
		id, err := w.Finish()
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	newLol, err := st.writeListOfLists(ids)
	if err != nil {
		return err
	}
	st.listOfListsID = newLol
	return nil
}

func (st *Store) currentListIDsOrEmpty() ([]int64, error) {
	if st.listOfListsID == 0 {
		return nil, nil
	}
	return st.readListOfLists(st.listOfListsID)
}

func (st *Store) loadBlock(areaID int64) ([]int32, error) {
	if v, ok := st.cache.Get(areaID); ok {
		return v, nil
	}
	r, err := st.s.GetArea(areaID)
	if err != nil {
		return nil, err
	}
	n := r.Len() / 4
	out := make([]int32, n)
	for i := 0; i < n; i++ {
		out[i] = r.GetInt32(i * 4)
	}
	st.cache.Add(areaID, out)
	return out, nil
}

func (st *Store) writeBlock(values []int32) (int64, error) {
	w, err := st.s.CreateArea(len(values) * 4)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		w.PutInt32(v)
	}
	id, err := w.Finish()
	if err != nil {
		return 0, err
	}
	st.cache.Add(id, values)
	return id, nil
}
