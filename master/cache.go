// Process-wide cell cache: an LRU keyed by {table, row, column} so
// repeated column reads of a hot row skip the record-area decode.
package master

import lru "github.com/hashicorp/golang-lru/v2"

type cellKey struct {
	tableID  int32
	rowIndex int64
	column   int
}

// CellCache can be shared by several Tables. The Conglomerate shares
// one cache across the tables it loads at Open and gives each table
// created later by CreateTable a cache of its own.
type CellCache struct {
	lru     *lru.Cache[cellKey, Cell]
	metrics *Metrics
}

// NewCellCache creates a cache holding up to capacity decoded cells.
// metrics may be nil, in which case hit/miss counters are skipped.
func NewCellCache(capacity int, metrics *Metrics) (*CellCache, error) {
	l, err := lru.New[cellKey, Cell](capacity)
	if err != nil {
		return nil, err
	}
	return &CellCache{lru: l, metrics: metrics}, nil
}

func (c *CellCache) get(tableID int32, row int64, col int) (Cell, bool) {
	if c == nil {
		return Cell{}, false
	}
	cell, ok := c.lru.Get(cellKey{tableID, row, col})
	if c.metrics != nil {
		if ok {
			c.metrics.cacheHits.Inc()
		} else {
			c.metrics.cacheMisses.Inc()
		}
	}
	return cell, ok
}

func (c *CellCache) put(tableID int32, row int64, col int, cell Cell) {
	if c == nil {
		return
	}
	c.lru.Add(cellKey{tableID, row, col}, cell)
}

// invalidateRow drops every cached cell for a row (all columns), used
// when a row is removed or updated.
func (c *CellCache) invalidateRow(tableID int32, row int64, columnCount int) {
	if c == nil {
		return
	}
	for col := 0; col < columnCount; col++ {
		c.lru.Remove(cellKey{tableID, row, col})
	}
}
