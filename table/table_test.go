package table

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"

	"tensorq/schema"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	s := schema.MustNew(
		schema.Attribute{Name: "id", Type: schema.INT64},
		schema.Attribute{Name: "score", Type: schema.FLOAT64},
		schema.Attribute{Name: "tag", Type: schema.STRING},
	)
	tbl, err := FromValues(s,
		[]int64{1, 2, 3, 4},
		[]float64{0.5, 1.5, 2.5, 3.5},
		[]string{"a", "b", "c", "d"},
	)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestNewRejectsRaggedColumns(t *testing.T) {
	s := schema.MustNew(
		schema.Attribute{Name: "a", Type: schema.INT64},
		schema.Attribute{Name: "b", Type: schema.INT64},
	)
	_, err := FromValues(s, []int64{1, 2, 3}, []int64{1})
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestNewRejectsTypeMismatch(t *testing.T) {
	s := schema.MustNew(schema.Attribute{Name: "a", Type: schema.INT64})
	_, err := FromValues(s, []float64{1.0})
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestProjectIsAView(t *testing.T) {
	tbl := testTable(t)
	view, err := tbl.Project("tag", "id")
	if err != nil {
		t.Fatal(err)
	}
	if view.NumRows() != 4 {
		t.Fatalf("view has %d rows", view.NumRows())
	}
	if got := view.Schema().Names(); got[0] != "tag" || got[1] != "id" {
		t.Fatalf("view schema = %v", got)
	}

	// Views share storage with their source
	src, _ := tbl.ColumnByName("id")
	dst, _ := view.ColumnByName("id")
	if &src.Data.([]int64)[0] != &dst.Data.([]int64)[0] {
		t.Fatal("projection should not copy column data")
	}
}

func TestGatherCopies(t *testing.T) {
	tbl := testTable(t)
	picked, err := tbl.Gather([]int{3, 1, 1})
	if err != nil {
		t.Fatal(err)
	}
	col, _ := picked.ColumnByName("id")
	data := col.Data.([]int64)
	if data[0] != 4 || data[1] != 2 || data[2] != 2 {
		t.Fatalf("gathered ids = %v", data)
	}

	// Mutating the copy must not touch the source
	data[0] = 99
	src, _ := tbl.ColumnByName("id")
	if src.Data.([]int64)[3] != 4 {
		t.Fatal("gather leaked storage back into the source")
	}
}

func TestGatherPropagatesNulls(t *testing.T) {
	s := schema.MustNew(schema.Attribute{Name: "v", Type: schema.INT64})
	col := &Column{Type: schema.INT64, Data: []int64{10, 0, 30}, Nulls: roaring.BitmapOf(1)}
	tbl, err := New(s, []*Column{col})
	if err != nil {
		t.Fatal(err)
	}
	picked, err := tbl.Gather([]int{1, 2, 1})
	if err != nil {
		t.Fatal(err)
	}
	out := picked.Column(0)
	if !out.IsNull(0) || out.IsNull(1) || !out.IsNull(2) {
		t.Fatalf("null mask after gather = %v", out.Nulls)
	}
}

func TestMask(t *testing.T) {
	tbl := testTable(t)
	kept, err := tbl.Mask(roaring.BitmapOf(0, 2))
	if err != nil {
		t.Fatal(err)
	}
	if kept.NumRows() != 2 {
		t.Fatalf("masked table has %d rows", kept.NumRows())
	}
	col, _ := kept.ColumnByName("tag")
	if col.Value(0) != "a" || col.Value(1) != "c" {
		t.Fatalf("masked tags = %v, %v", col.Value(0), col.Value(1))
	}
}

func TestSliceIsAView(t *testing.T) {
	tbl := testTable(t)
	part, err := tbl.Slice(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if part.NumRows() != 2 {
		t.Fatalf("slice has %d rows", part.NumRows())
	}
	col, _ := part.ColumnByName("id")
	if col.Value(0) != int64(2) || col.Value(1) != int64(3) {
		t.Fatalf("sliced ids = %v, %v", col.Value(0), col.Value(1))
	}
	if _, err := tbl.Slice(3, 5); err == nil {
		t.Fatal("out-of-range slice should fail")
	}
}

func TestConcat(t *testing.T) {
	a := testTable(t)
	b := testTable(t)
	merged, err := Concat(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if merged.NumRows() != 8 {
		t.Fatalf("concat has %d rows", merged.NumRows())
	}
	col, _ := merged.ColumnByName("id")
	if col.Value(4) != int64(1) {
		t.Fatalf("row 4 id = %v", col.Value(4))
	}
}

func TestConcatRejectsSchemaMismatch(t *testing.T) {
	a := testTable(t)
	s := schema.MustNew(schema.Attribute{Name: "other", Type: schema.INT64})
	b, _ := FromValues(s, []int64{1})
	if _, err := Concat(a, b); err == nil {
		t.Fatal("expected schema mismatch error")
	}
}

func TestEmptyAndEqual(t *testing.T) {
	tbl := testTable(t)
	empty := Empty(tbl.Schema())
	if empty.NumRows() != 0 {
		t.Fatalf("empty table has %d rows", empty.NumRows())
	}
	merged, err := Concat(empty, tbl)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(merged, tbl) {
		t.Fatal("concat with empty changed the table")
	}
}
