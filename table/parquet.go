package table

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/parquet-go/parquet-go"
	"howett.net/ranger"

	"tensorq/schema"
)

// FromParquet loads a parquet file into a columnar table. The path may be a
// local file path or an http(s) URL, in which case the file is read with
// HTTP range requests.
func FromParquet(path string) (*Table, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return fromHTTPParquet(path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}

	pf, err := parquet.OpenFile(file, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	return fromParquetFile(pf)
}

func fromHTTPParquet(urlStr string) (*Table, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	httpRanger := &ranger.HTTPRanger{URL: parsedURL}
	reader, err := ranger.NewReader(httpRanger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP reader: %w", err)
	}

	length, err := reader.Length()
	if err != nil {
		return nil, fmt.Errorf("failed to get HTTP content length: %w", err)
	}

	pf, err := parquet.OpenFile(reader, length)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote parquet file: %w", err)
	}
	return fromParquetFile(pf)
}

func fromParquetFile(pf *parquet.File) (*Table, error) {
	attrs, err := attrsFromParquetSchema(pf.Schema())
	if err != nil {
		return nil, err
	}
	tableSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}

	builders := make([]*columnBuilder, len(attrs))
	for i, attr := range attrs {
		builders[i] = newColumnBuilder(attr.Type)
	}

	reader := parquet.NewReader(pf)
	defer reader.Close()

	for {
		rowData := make(map[string]interface{})
		if err := reader.Read(&rowData); err != nil {
			break // end of file
		}
		for i, attr := range attrs {
			builders[i].append(rowData[attr.Name])
		}
	}

	columns := make([]*Column, len(builders))
	for i, b := range builders {
		columns[i] = b.finish()
	}
	return New(tableSchema, columns)
}

func attrsFromParquetSchema(ps *parquet.Schema) ([]schema.Attribute, error) {
	fields := ps.Fields()
	attrs := make([]schema.Attribute, 0, len(fields))
	for _, field := range fields {
		var dt schema.DataType
		switch field.Type().Kind() {
		case parquet.Boolean:
			dt = schema.BOOLEAN
		case parquet.Int32, parquet.Int64:
			dt = schema.INT64
		case parquet.Float, parquet.Double:
			dt = schema.FLOAT64
		case parquet.ByteArray, parquet.FixedLenByteArray:
			dt = schema.STRING
		default:
			return nil, fmt.Errorf("unsupported parquet type %s for field %q", field.Type(), field.Name())
		}
		attrs = append(attrs, schema.Attribute{
			Name:     field.Name(),
			Type:     dt,
			Nullable: field.Optional(),
		})
	}
	return attrs, nil
}

// columnBuilder accumulates values of one declared type, coercing the
// interface values the generic parquet row reader produces.
type columnBuilder struct {
	dtype   schema.DataType
	ints    []int64
	floats  []float64
	strings []string
	bools   []bool
	nulls   *roaring.Bitmap
	n       int
}

func newColumnBuilder(dt schema.DataType) *columnBuilder {
	return &columnBuilder{dtype: dt, nulls: roaring.New()}
}

func (b *columnBuilder) append(v interface{}) {
	if v == nil {
		b.nulls.Add(uint32(b.n))
		v = zeroFor(b.dtype)
	}
	switch b.dtype {
	case schema.INT64:
		switch x := v.(type) {
		case int64:
			b.ints = append(b.ints, x)
		case int32:
			b.ints = append(b.ints, int64(x))
		case int:
			b.ints = append(b.ints, int64(x))
		default:
			b.nulls.Add(uint32(b.n))
			b.ints = append(b.ints, 0)
		}
	case schema.FLOAT64:
		switch x := v.(type) {
		case float64:
			b.floats = append(b.floats, x)
		case float32:
			b.floats = append(b.floats, float64(x))
		default:
			b.nulls.Add(uint32(b.n))
			b.floats = append(b.floats, 0)
		}
	case schema.STRING:
		switch x := v.(type) {
		case string:
			b.strings = append(b.strings, x)
		case []byte:
			b.strings = append(b.strings, string(x))
		default:
			b.nulls.Add(uint32(b.n))
			b.strings = append(b.strings, "")
		}
	case schema.BOOLEAN:
		if x, ok := v.(bool); ok {
			b.bools = append(b.bools, x)
		} else {
			b.nulls.Add(uint32(b.n))
			b.bools = append(b.bools, false)
		}
	}
	b.n++
}

func zeroFor(dt schema.DataType) interface{} {
	switch dt {
	case schema.INT64:
		return int64(0)
	case schema.FLOAT64:
		return float64(0)
	case schema.STRING:
		return ""
	case schema.BOOLEAN:
		return false
	default:
		return nil
	}
}

func (b *columnBuilder) finish() *Column {
	col := &Column{Type: b.dtype}
	switch b.dtype {
	case schema.INT64:
		col.Data = b.ints
	case schema.FLOAT64:
		col.Data = b.floats
	case schema.STRING:
		col.Data = b.strings
	case schema.BOOLEAN:
		col.Data = b.bools
	}
	if !b.nulls.IsEmpty() {
		col.Nulls = b.nulls
	}
	return col
}
