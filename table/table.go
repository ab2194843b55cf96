package table

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"tensorq/schema"
)

// Column holds one attribute's values as a typed array. Data is one of
// []int64, []float64, []string, []bool depending on Type. Nulls, when
// non-nil, marks null row positions.
//
// Columns are never mutated after construction: operators that share a
// column between tables rely on this.
type Column struct {
	Type  schema.DataType
	Data  interface{}
	Nulls *roaring.Bitmap
}

// Len returns the number of values in the column
func (c *Column) Len() int {
	switch data := c.Data.(type) {
	case []int64:
		return len(data)
	case []float64:
		return len(data)
	case []string:
		return len(data)
	case []bool:
		return len(data)
	default:
		return 0
	}
}

// IsNull reports whether the value at row i is null
func (c *Column) IsNull(i int) bool {
	return c.Nulls != nil && c.Nulls.Contains(uint32(i))
}

// Value returns the value at row i as an interface, or nil for nulls
func (c *Column) Value(i int) interface{} {
	if c.IsNull(i) {
		return nil
	}
	switch data := c.Data.(type) {
	case []int64:
		return data[i]
	case []float64:
		return data[i]
	case []string:
		return data[i]
	case []bool:
		return data[i]
	default:
		return nil
	}
}

// Table is an immutable columnar dataset: an ordered set of equal-length
// columns described by a schema. A Table either owns its column storage
// (copy) or shares it with the table it was derived from (view); views never
// allow mutation of the source, which Table enforces by having no mutating
// operations at all.
type Table struct {
	schema  *schema.Schema
	columns []*Column
	numRows int
}

// New creates a table from a schema and matching columns. Column count,
// types, and lengths must agree with the schema.
func New(s *schema.Schema, columns []*Column) (*Table, error) {
	if len(columns) != s.Len() {
		return nil, fmt.Errorf("schema has %d attributes but %d columns supplied", s.Len(), len(columns))
	}
	numRows := 0
	for i, col := range columns {
		attr := s.At(i)
		if col.Type != attr.Type {
			return nil, fmt.Errorf("column %q: schema type %s but column type %s", attr.Name, attr.Type, col.Type)
		}
		if got := dataTypeOf(col.Data); got != col.Type {
			return nil, fmt.Errorf("column %q: declared type %s but data is %T", attr.Name, col.Type, col.Data)
		}
		if i == 0 {
			numRows = col.Len()
		} else if col.Len() != numRows {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", attr.Name, col.Len(), numRows)
		}
	}
	return &Table{schema: s, columns: columns, numRows: numRows}, nil
}

func dataTypeOf(data interface{}) schema.DataType {
	switch data.(type) {
	case []int64:
		return schema.INT64
	case []float64:
		return schema.FLOAT64
	case []string:
		return schema.STRING
	case []bool:
		return schema.BOOLEAN
	default:
		return schema.DataType(-1)
	}
}

// FromValues builds a table from per-attribute value slices, in schema order.
// Each values element must be []int64, []float64, []string, or []bool
// matching the attribute type. Intended for tests and seed data.
func FromValues(s *schema.Schema, values ...interface{}) (*Table, error) {
	if len(values) != s.Len() {
		return nil, fmt.Errorf("schema has %d attributes but %d value slices supplied", s.Len(), len(values))
	}
	columns := make([]*Column, len(values))
	for i, v := range values {
		columns[i] = &Column{Type: s.At(i).Type, Data: v}
	}
	return New(s, columns)
}

// Schema returns the table's schema
func (t *Table) Schema() *schema.Schema {
	return t.schema
}

// NumRows returns the row count
func (t *Table) NumRows() int {
	return t.numRows
}

// Column returns the column at position i
func (t *Table) Column(i int) *Column {
	return t.columns[i]
}

// ColumnByName returns the named column, or an error listing the schema
func (t *Table) ColumnByName(name string) (*Column, error) {
	idx := t.schema.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("no column %q in table (schema: %s)", name, t.schema)
	}
	return t.columns[idx], nil
}

// Project returns a view containing the named columns. The view shares
// column storage with the receiver.
func (t *Table) Project(names ...string) (*Table, error) {
	projected, err := t.schema.Project(names...)
	if err != nil {
		return nil, err
	}
	columns := make([]*Column, len(names))
	for i, name := range names {
		columns[i] = t.columns[t.schema.Index(name)]
	}
	return &Table{schema: projected, columns: columns, numRows: t.numRows}, nil
}

// Rename returns a view of the table under a different schema with the same
// attribute types in the same order.
func (t *Table) Rename(s *schema.Schema) (*Table, error) {
	if s.Len() != t.schema.Len() {
		return nil, fmt.Errorf("rename schema has %d attributes, table has %d", s.Len(), t.schema.Len())
	}
	for i := 0; i < s.Len(); i++ {
		if s.At(i).Type != t.schema.At(i).Type {
			return nil, fmt.Errorf("rename attribute %q changes type %s to %s",
				s.At(i).Name, t.schema.At(i).Type, s.At(i).Type)
		}
	}
	return &Table{schema: s, columns: t.columns, numRows: t.numRows}, nil
}

// Gather materializes a new table containing the rows at the given indices,
// in order. Indices may repeat. The result owns its storage.
func (t *Table) Gather(indices []int) (*Table, error) {
	columns := make([]*Column, len(t.columns))
	for ci, col := range t.columns {
		gathered, err := gatherColumn(col, indices)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", t.schema.At(ci).Name, err)
		}
		columns[ci] = gathered
	}
	return &Table{schema: t.schema, columns: columns, numRows: len(indices)}, nil
}

// Mask materializes a new table containing the rows whose positions are set
// in the selection bitmap, preserving row order.
func (t *Table) Mask(selection *roaring.Bitmap) (*Table, error) {
	indices := make([]int, 0, selection.GetCardinality())
	it := selection.Iterator()
	for it.HasNext() {
		indices = append(indices, int(it.Next()))
	}
	return t.Gather(indices)
}

// Slice returns a view of rows [start, start+count). Shares column storage
// for array-sliceable data.
func (t *Table) Slice(start, count int) (*Table, error) {
	if start < 0 || count < 0 || start+count > t.numRows {
		return nil, fmt.Errorf("slice [%d, %d) out of range for %d rows", start, start+count, t.numRows)
	}
	columns := make([]*Column, len(t.columns))
	for i, col := range t.columns {
		sliced, err := sliceColumn(col, start, count)
		if err != nil {
			return nil, err
		}
		columns[i] = sliced
	}
	return &Table{schema: t.schema, columns: columns, numRows: count}, nil
}

// Concat appends the given tables, which must share the receiver's schema,
// producing a table that owns its storage.
func Concat(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("concat of zero tables")
	}
	base := tables[0]
	for _, t := range tables[1:] {
		if !t.schema.Equal(base.schema) {
			return nil, fmt.Errorf("concat schema mismatch: %s vs %s", base.schema, t.schema)
		}
	}

	total := 0
	for _, t := range tables {
		total += t.numRows
	}

	columns := make([]*Column, base.schema.Len())
	for ci := 0; ci < base.schema.Len(); ci++ {
		parts := make([]*Column, len(tables))
		for ti, t := range tables {
			parts[ti] = t.columns[ci]
		}
		concatenated, err := concatColumns(base.schema.At(ci).Type, parts, total)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", base.schema.At(ci).Name, err)
		}
		columns[ci] = concatenated
	}
	return &Table{schema: base.schema, columns: columns, numRows: total}, nil
}

// Empty returns a zero-row table with the given schema that owns its storage
func Empty(s *schema.Schema) *Table {
	columns := make([]*Column, s.Len())
	for i := 0; i < s.Len(); i++ {
		columns[i] = &Column{Type: s.At(i).Type, Data: emptyData(s.At(i).Type)}
	}
	return &Table{schema: s, columns: columns, numRows: 0}
}

func emptyData(dt schema.DataType) interface{} {
	switch dt {
	case schema.INT64:
		return []int64{}
	case schema.FLOAT64:
		return []float64{}
	case schema.STRING:
		return []string{}
	case schema.BOOLEAN:
		return []bool{}
	default:
		return nil
	}
}

func gatherColumn(col *Column, indices []int) (*Column, error) {
	out := &Column{Type: col.Type}
	if col.Nulls != nil {
		nulls := roaring.New()
		for i, idx := range indices {
			if col.Nulls.Contains(uint32(idx)) {
				nulls.Add(uint32(i))
			}
		}
		if !nulls.IsEmpty() {
			out.Nulls = nulls
		}
	}

	switch data := col.Data.(type) {
	case []int64:
		gathered := make([]int64, len(indices))
		for i, idx := range indices {
			gathered[i] = data[idx]
		}
		out.Data = gathered
	case []float64:
		gathered := make([]float64, len(indices))
		for i, idx := range indices {
			gathered[i] = data[idx]
		}
		out.Data = gathered
	case []string:
		gathered := make([]string, len(indices))
		for i, idx := range indices {
			gathered[i] = data[idx]
		}
		out.Data = gathered
	case []bool:
		gathered := make([]bool, len(indices))
		for i, idx := range indices {
			gathered[i] = data[idx]
		}
		out.Data = gathered
	default:
		return nil, fmt.Errorf("unsupported column data %T", col.Data)
	}
	return out, nil
}

func sliceColumn(col *Column, start, count int) (*Column, error) {
	out := &Column{Type: col.Type}
	if col.Nulls != nil {
		nulls := roaring.New()
		it := col.Nulls.Iterator()
		for it.HasNext() {
			pos := int(it.Next())
			if pos >= start && pos < start+count {
				nulls.Add(uint32(pos - start))
			}
		}
		if !nulls.IsEmpty() {
			out.Nulls = nulls
		}
	}

	switch data := col.Data.(type) {
	case []int64:
		out.Data = data[start : start+count]
	case []float64:
		out.Data = data[start : start+count]
	case []string:
		out.Data = data[start : start+count]
	case []bool:
		out.Data = data[start : start+count]
	default:
		return nil, fmt.Errorf("unsupported column data %T", col.Data)
	}
	return out, nil
}

func concatColumns(dt schema.DataType, parts []*Column, total int) (*Column, error) {
	out := &Column{Type: dt}
	nulls := roaring.New()
	offset := 0
	for _, part := range parts {
		if part.Nulls != nil {
			it := part.Nulls.Iterator()
			for it.HasNext() {
				nulls.Add(uint32(offset + int(it.Next())))
			}
		}
		offset += part.Len()
	}
	if !nulls.IsEmpty() {
		out.Nulls = nulls
	}

	switch dt {
	case schema.INT64:
		data := make([]int64, 0, total)
		for _, part := range parts {
			data = append(data, part.Data.([]int64)...)
		}
		out.Data = data
	case schema.FLOAT64:
		data := make([]float64, 0, total)
		for _, part := range parts {
			data = append(data, part.Data.([]float64)...)
		}
		out.Data = data
	case schema.STRING:
		data := make([]string, 0, total)
		for _, part := range parts {
			data = append(data, part.Data.([]string)...)
		}
		out.Data = data
	case schema.BOOLEAN:
		data := make([]bool, 0, total)
		for _, part := range parts {
			data = append(data, part.Data.([]bool)...)
		}
		out.Data = data
	default:
		return nil, fmt.Errorf("unsupported data type %s", dt)
	}
	return out, nil
}

// Equal reports whether two tables hold identical schemas and cell values.
// Intended for tests.
func Equal(a, b *Table) bool {
	if !a.schema.Equal(b.schema) || a.numRows != b.numRows {
		return false
	}
	for ci := range a.columns {
		for ri := 0; ri < a.numRows; ri++ {
			if a.columns[ci].IsNull(ri) != b.columns[ci].IsNull(ri) {
				return false
			}
			if a.columns[ci].Value(ri) != b.columns[ci].Value(ri) {
				return false
			}
		}
	}
	return true
}
