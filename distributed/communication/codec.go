package communication

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/golang/snappy"

	"tensorq/schema"
	"tensorq/table"
)

// Tables cross rank boundaries as gob-encoded columnar payloads compressed
// with snappy. This is the only wire representation the exchange layer uses.

type wireColumn struct {
	Type    schema.DataType
	Ints    []int64
	Floats  []float64
	Strings []string
	Bools   []bool
	Nulls   []uint32
}

type wireTable struct {
	Attrs   []schema.Attribute
	Columns []wireColumn
}

// EncodeTable serializes a table for transfer to another rank
func EncodeTable(t *table.Table) ([]byte, error) {
	wt := wireTable{Attrs: t.Schema().Attrs()}
	for i := 0; i < t.Schema().Len(); i++ {
		col := t.Column(i)
		wc := wireColumn{Type: col.Type}
		switch data := col.Data.(type) {
		case []int64:
			wc.Ints = data
		case []float64:
			wc.Floats = data
		case []string:
			wc.Strings = data
		case []bool:
			wc.Bools = data
		default:
			return nil, fmt.Errorf("cannot encode column data %T", col.Data)
		}
		if col.Nulls != nil {
			wc.Nulls = col.Nulls.ToArray()
		}
		wt.Columns = append(wt.Columns, wc)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wt); err != nil {
		return nil, fmt.Errorf("failed to encode table: %w", err)
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// DecodeTable restores a table from its wire form
func DecodeTable(payload []byte) (*table.Table, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress table payload: %w", err)
	}
	var wt wireTable
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wt); err != nil {
		return nil, fmt.Errorf("failed to decode table payload: %w", err)
	}

	s, err := schema.New(wt.Attrs...)
	if err != nil {
		return nil, err
	}
	columns := make([]*table.Column, len(wt.Columns))
	for i, wc := range wt.Columns {
		col := &table.Column{Type: wc.Type}
		switch wc.Type {
		case schema.INT64:
			col.Data = orEmptyInts(wc.Ints)
		case schema.FLOAT64:
			col.Data = orEmptyFloats(wc.Floats)
		case schema.STRING:
			col.Data = orEmptyStrings(wc.Strings)
		case schema.BOOLEAN:
			col.Data = orEmptyBools(wc.Bools)
		default:
			return nil, fmt.Errorf("cannot decode column type %v", wc.Type)
		}
		if len(wc.Nulls) > 0 {
			col.Nulls = roaring.BitmapOf(wc.Nulls...)
		}
		columns[i] = col
	}
	return table.New(s, columns)
}

// gob turns empty slices into nil; restore typed empties so column lengths
// stay consistent for zero-row tables.
func orEmptyInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func orEmptyFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyBools(v []bool) []bool {
	if v == nil {
		return []bool{}
	}
	return v
}
