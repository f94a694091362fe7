// Record area encoding (spec.md §4.E / §6): a reserved word, a
// per-column {cell_type, offset} directory, then the concatenated
// cell payloads.
package master

import "github.com/jpl-au/strata/store"

const (
	cellTypeInline = 1
	cellTypeRef    = 2

	cellDirEntrySize = 8 // cell_type:i32 + offset:i32
	recordReserved   = 4
	refCellSize      = 16 // kind:i32 + reserved:i32 + blob_id:i64
)

// Cell is one column's value in a row: either an inline serialized
// value or a reference into a BlobStore.
type Cell struct {
	IsRef   bool
	Inline  []byte
	RefKind int32
	BlobID  int64
}

// Row is one record's cells, in column order.
type Row []Cell

func recordPayloadSize(row Row) int {
	n := 0
	for _, c := range row {
		if c.IsRef {
			n += refCellSize
		} else {
			n += 4 + len(c.Inline)
		}
	}
	return n
}

func encodeRecord(s *store.Store, row Row) (int64, error) {
	size := recordReserved + len(row)*cellDirEntrySize + recordPayloadSize(row)
	w, err := s.CreateArea(size)
	if err != nil {
		return 0, err
	}
	w.PutInt32(0) // reserved

	offsets := make([]int32, len(row))
	off := int32(recordReserved + len(row)*cellDirEntrySize)
	for i, c := range row {
		offsets[i] = off
		if c.IsRef {
			off += refCellSize
		} else {
			off += 4 + int32(len(c.Inline))
		}
	}
	for i, c := range row {
		if c.IsRef {
			w.PutInt32(cellTypeRef)
		} else {
			w.PutInt32(cellTypeInline)
		}
		w.PutInt32(offsets[i])
	}
	for _, c := range row {
		if c.IsRef {
			w.PutInt32(c.RefKind)
			w.PutInt32(0)
			w.PutInt64(c.BlobID)
		} else {
			w.PutInt32(int32(len(c.Inline)))
			w.PutBytes(c.Inline)
		}
	}
	return w.Finish()
}

// decodeCell reads one column's cell from a record area, given the
// column's index (which locates its directory entry).
func decodeCell(r *store.Reader, column int) (Cell, error) {
	dirOff := recordReserved + column*cellDirEntrySize
	typ := r.GetInt32(dirOff)
	payloadOff := int(r.GetInt32(dirOff + 4))
	switch typ {
	case cellTypeRef:
		return Cell{
			IsRef:   true,
			RefKind: r.GetInt32(payloadOff),
			BlobID:  r.GetInt64(payloadOff + 8),
		}, nil
	default:
		n := int(r.GetInt32(payloadOff))
		return Cell{Inline: r.GetBytes(payloadOff+4, n)}, nil
	}
}

func decodeRow(r *store.Reader, columnCount int) (Row, error) {
	row := make(Row, columnCount)
	for i := 0; i < columnCount; i++ {
		c, err := decodeCell(r, i)
		if err != nil {
			return nil, err
		}
		row[i] = c
	}
	return row, nil
}
