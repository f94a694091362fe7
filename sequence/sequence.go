// Package sequence implements Component H: durable named counters
// backed by a small store.Store area per generator. next() hands out
// values from an in-memory window and only touches disk when the
// window is exhausted, the same amortized-flush idea as the teacher's
// append-then-occasionally-sync write path.
package sequence

import (
	"errors"
	"sync"

	"github.com/jpl-au/strata/store"
)

// Sentinel errors.
var (
	// ErrOutOfBounds is returned when a non-cycling sequence would
	// cross its configured min/max.
	ErrOutOfBounds = errors.New("sequence: out of bounds")

	// ErrNotFound is returned for an unknown generator name.
	ErrNotFound = errors.New("sequence: generator not found")

	// ErrExists is returned by Define when the name is already in use.
	ErrExists = errors.New("sequence: generator already exists")
)

// Def describes a new generator's parameters.
type Def struct {
	Name      string
	Increment int64
	Min       int64
	Max       int64
	Start     int64
	Cache     int64
	Cycle     bool
}

const genAreaSize = 8 + 8 + 8 + 8 + 8 + 8 + 1 // persisted:i64, increment, min, max, cache, reserved, cycle:byte

type generator struct {
	mu sync.Mutex

	area int64 // area id holding the persisted fields below

	increment int64
	min       int64
	max       int64
	cache     int64
	cycle     bool

	lastPersisted int64
	current       int64
}

// Manager owns every named sequence generator in one store.
type Manager struct {
	s *store.Store

	mu    sync.RWMutex
	byName map[string]*generator

	// root is a single array-of-name+area-id directory area; it is
	// rewritten in place (within its pre-reserved capacity) whenever a
	// generator is defined, mirroring fixedlist's fixed-descriptor
	// trick so the directory's own id never moves.
	root     int64
	maxNames int
	names    []string
	areas    []int64
}

const rootEntrySize = 4 + 64 + 8 // name length + fixed 64-byte name buffer + area id
const rootMaxNames = 256
const rootHeaderSize = 4 // count

// Create allocates a new, empty sequence directory.
func Create(s *store.Store) (*Manager, int64, error) {
	m := &Manager{s: s, byName: make(map[string]*generator), maxNames: rootMaxNames}
	w, err := s.CreateArea(rootHeaderSize + rootMaxNames*rootEntrySize)
	if err != nil {
		return nil, 0, err
	}
	w.PutInt32(0)
	for i := 0; i < rootMaxNames; i++ {
		w.PutInt32(0)
		w.PutBytes(make([]byte, 64))
		w.PutInt64(0)
	}
	id, err := w.Finish()
	if err != nil {
		return nil, 0, err
	}
	m.root = id
	if err := s.Flush(); err != nil {
		return nil, 0, err
	}
	return m, id, nil
}

// Open loads an existing sequence directory from its root area id.
func Open(s *store.Store, root int64) (*Manager, error) {
	m := &Manager{s: s, byName: make(map[string]*generator), root: root, maxNames: rootMaxNames}
	r, err := s.GetArea(root)
	if err != nil {
		return nil, err
	}
	count := int(r.GetInt32(0))
	off := rootHeaderSize
	for i := 0; i < count; i++ {
		n := int(r.GetInt32(off))
		name := string(r.GetBytes(off+4, n))
		areaID := r.GetInt64(off + 4 + 64)
		m.names = append(m.names, name)
		m.areas = append(m.areas, areaID)
		off += rootEntrySize

		g, err := loadGenerator(s, areaID)
		if err != nil {
			return nil, err
		}
		m.byName[name] = g
	}
	return m, nil
}

func loadGenerator(s *store.Store, area int64) (*generator, error) {
	r, err := s.GetArea(area)
	if err != nil {
		return nil, err
	}
	g := &generator{area: area}
	g.lastPersisted = r.GetInt64(0)
	g.increment = r.GetInt64(8)
	g.min = r.GetInt64(16)
	g.max = r.GetInt64(24)
	g.cache = r.GetInt64(32)
	g.cycle = r.GetBytes(48, 1)[0] == 1
	g.current = g.lastPersisted
	return g, nil
}

func (g *generator) persist(s *store.Store) error {
	m, err := s.GetMutableArea(g.area)
	if err != nil {
		return err
	}
	m.PutInt64(0, g.lastPersisted)
	return s.CheckOut(m)
}

// Define registers a new generator. Returns ErrExists if name is
// already defined.
func (m *Manager) Define(def Def) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[def.Name]; ok {
		return ErrExists
	}
	if len(m.names) >= m.maxNames {
		return errors.New("sequence: directory full")
	}
	if len(def.Name) > 64 {
		return errors.New("sequence: name too long")
	}

	w, err := m.s.CreateArea(genAreaSize)
	if err != nil {
		return err
	}
	w.PutInt64(def.Start)
	w.PutInt64(def.Increment)
	w.PutInt64(def.Min)
	w.PutInt64(def.Max)
	w.PutInt64(def.Cache)
	w.PutInt64(0) // reserved
	if def.Cycle {
		w.PutByte(1)
	} else {
		w.PutByte(0)
	}
	areaID, err := w.Finish()
	if err != nil {
		return err
	}

	g := &generator{
		area: areaID, increment: def.Increment, min: def.Min, max: def.Max,
		cache: def.Cache, cycle: def.Cycle, lastPersisted: def.Start, current: def.Start,
	}

	idx := len(m.names)
	mut, err := m.s.GetMutableArea(m.root)
	if err != nil {
		return err
	}
	mut.PutInt32(0, int32(idx+1))
	off := rootHeaderSize + idx*rootEntrySize
	mut.PutInt32(off, int32(len(def.Name)))
	nameBuf := make([]byte, 64)
	copy(nameBuf, def.Name)
	mut.PutBytes(off+4, nameBuf)
	mut.PutInt64(off+4+64, areaID)
	if err := m.s.CheckOut(mut); err != nil {
		return err
	}
	if err := m.s.Flush(); err != nil {
		return err
	}

	m.names = append(m.names, def.Name)
	m.areas = append(m.areas, areaID)
	m.byName[def.Name] = g
	return nil
}

// Next advances name's counter by its increment and returns the new
// value. When the in-memory window crosses lastPersisted, it advances
// the durable watermark by cache*increment in an independent flush —
// a sequence change is never rolled back by the enclosing transaction.
func (m *Manager) Next(name string) (int64, error) {
	m.mu.RLock()
	g, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.current + g.increment
	if g.increment > 0 && next > g.max {
		if !g.cycle {
			return 0, ErrOutOfBounds
		}
		next = g.min
	}
	if g.increment < 0 && next < g.min {
		if !g.cycle {
			return 0, ErrOutOfBounds
		}
		next = g.max
	}

	if needsPersist(g, next) {
		watermark := next + g.cache*g.increment
		if g.increment > 0 && watermark > g.max && !g.cycle {
			watermark = g.max
		}
		if g.increment < 0 && watermark < g.min && !g.cycle {
			watermark = g.min
		}
		g.lastPersisted = watermark
		if err := m.s.LockForWrite(); err != nil {
			return 0, err
		}
		err := g.persist(m.s)
		m.s.UnlockForWrite()
		if err != nil {
			return 0, err
		}
		if err := m.s.Flush(); err != nil {
			return 0, err
		}
	}

	g.current = next
	return next, nil
}

func needsPersist(g *generator, next int64) bool {
	if g.increment >= 0 {
		return next > g.lastPersisted
	}
	return next < g.lastPersisted
}

// Cur returns the last value handed out by Next for name, without
// advancing it.
func (m *Manager) Cur(name string) (int64, error) {
	m.mu.RLock()
	g, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, nil
}
