// Table and index schema definitions, and their on-disk encoding
// (spec.md §6's table_def / index_def areas).
package master

import "github.com/jpl-au/strata/store"

// Column describes one table column.
type Column struct {
	Name    string
	SQLType int32
	Size    int32
	Scale   int32
	NotNull bool
}

// TableDef is a table's schema.
type TableDef struct {
	Name    string
	Schema  string
	Columns []Column
}

// IndexDef describes one secondary index over a table.
type IndexDef struct {
	Name    string
	Columns []string
	Pointer int32 // indexset list number
	Type    string
	Unique  bool
}

func putString(w *store.Writer, s string) {
	w.PutInt32(int32(len(s)))
	w.PutBytes([]byte(s))
}

func getString(r *store.Reader, off int) (string, int) {
	n := int(r.GetInt32(off))
	off += 4
	return string(r.GetBytes(off, n)), off + n
}

func tableDefSize(def TableDef) int {
	n := 4 + 4 + len(def.Name) + 4 + len(def.Schema) + 4
	for _, c := range def.Columns {
		n += 4 + len(c.Name) + 4 + 4 + 4 + 1
	}
	return n
}

func encodeTableDef(s *store.Store, def TableDef) (int64, error) {
	w, err := s.CreateArea(tableDefSize(def))
	if err != nil {
		return 0, err
	}
	w.PutInt32(1)
	putString(w, def.Name)
	putString(w, def.Schema)
	w.PutInt32(int32(len(def.Columns)))
	for _, c := range def.Columns {
		putString(w, c.Name)
		w.PutInt32(c.SQLType)
		w.PutInt32(c.Size)
		w.PutInt32(c.Scale)
		if c.NotNull {
			w.PutByte(1)
		} else {
			w.PutByte(0)
		}
	}
	return w.Finish()
}

func decodeTableDef(s *store.Store, id int64) (TableDef, error) {
	r, err := s.GetArea(id)
	if err != nil {
		return TableDef{}, err
	}
	off := 4
	var def TableDef
	def.Name, off = getString(r, off)
	def.Schema, off = getString(r, off)
	n := int(r.GetInt32(off))
	off += 4
	def.Columns = make([]Column, n)
	for i := 0; i < n; i++ {
		var c Column
		c.Name, off = getString(r, off)
		c.SQLType = r.GetInt32(off)
		c.Size = r.GetInt32(off + 4)
		c.Scale = r.GetInt32(off + 8)
		c.NotNull = r.GetBytes(off+12, 1)[0] == 1
		off += 13
		def.Columns[i] = c
	}
	return def, nil
}

func indexDefSize(defs []IndexDef) int {
	n := 4
	for _, d := range defs {
		n += 4 + len(d.Name)
		n += 4
		for _, c := range d.Columns {
			n += 4 + len(c)
		}
		n += 4 // pointer
		n += 4 + len(d.Type)
		n += 1
	}
	return n
}

func encodeIndexDefs(s *store.Store, defs []IndexDef) (int64, error) {
	w, err := s.CreateArea(indexDefSize(defs))
	if err != nil {
		return 0, err
	}
	w.PutInt32(int32(len(defs)))
	for _, d := range defs {
		putString(w, d.Name)
		w.PutInt32(int32(len(d.Columns)))
		for _, c := range d.Columns {
			putString(w, c)
		}
		w.PutInt32(d.Pointer)
		putString(w, d.Type)
		if d.Unique {
			w.PutByte(1)
		} else {
			w.PutByte(0)
		}
	}
	return w.Finish()
}

func decodeIndexDefs(s *store.Store, id int64) ([]IndexDef, error) {
	r, err := s.GetArea(id)
	if err != nil {
		return nil, err
	}
	n := int(r.GetInt32(0))
	off := 4
	out := make([]IndexDef, n)
	for i := 0; i < n; i++ {
		var d IndexDef
		d.Name, off = getString(r, off)
		cn := int(r.GetInt32(off))
		off += 4
		d.Columns = make([]string, cn)
		for j := 0; j < cn; j++ {
			d.Columns[j], off = getString(r, off)
		}
		d.Pointer = r.GetInt32(off)
		off += 4
		d.Type, off = getString(r, off)
		d.Unique = r.GetBytes(off, 1)[0] == 1
		off++
		out[i] = d
	}
	return out, nil
}
