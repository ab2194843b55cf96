package operators

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"

	"tensorq/expr"
	"tensorq/ir"
	"tensorq/plan"
	"tensorq/schema"
	"tensorq/table"
)

func TestFilterKeepsOriginalOrder(t *testing.T) {
	s := schema.MustNew(schema.Attribute{Name: "v", Type: schema.INT64})
	tbl, err := table.FromValues(s, []int64{9, 2, 8, 1, 7})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Filter(context.Background(), []*table.Table{tbl}, plan.Params{
		"predicate": expr.Bin(expr.OpGt, expr.Col("v"), expr.Lit(int64(5))),
	})
	if err != nil {
		t.Fatal(err)
	}
	data := out.Column(0).Data.([]int64)
	want := []int64{9, 8, 7}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("filtered = %v, want %v", data, want)
		}
	}
}

func TestSortMultiKeyStable(t *testing.T) {
	s := schema.MustNew(
		schema.Attribute{Name: "grp", Type: schema.STRING},
		schema.Attribute{Name: "v", Type: schema.INT64},
		schema.Attribute{Name: "pos", Type: schema.INT64},
	)
	tbl, err := table.FromValues(s,
		[]string{"b", "a", "b", "a", "a"},
		[]int64{1, 2, 1, 2, 1},
		[]int64{0, 1, 2, 3, 4},
	)
	if err != nil {
		t.Fatal(err)
	}

	out, err := Sort(context.Background(), []*table.Table{tbl}, plan.Params{
		"keys": []ir.SortKey{
			{Column: "grp", Ascending: true},
			{Column: "v", Ascending: false},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	pos := out.Column(2).Data.([]int64)
	// a/2 rows keep input order (1 before 3), then a/1, then b/1 (0 before 2)
	want := []int64{1, 3, 4, 0, 2}
	for i := range want {
		if pos[i] != want[i] {
			t.Fatalf("sorted positions = %v, want %v", pos, want)
		}
	}
}

func TestSortNullsFirst(t *testing.T) {
	s := schema.MustNew(schema.Attribute{Name: "v", Type: schema.INT64})
	col := &table.Column{Type: schema.INT64, Data: []int64{5, 0, 3}, Nulls: roaring.BitmapOf(1)}
	tbl, err := table.New(s, []*table.Column{col})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Sort(context.Background(), []*table.Table{tbl}, plan.Params{
		"keys": []ir.SortKey{{Column: "v", Ascending: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Column(0).IsNull(0) {
		t.Fatal("null row must sort first")
	}
	data := out.Column(0).Data.([]int64)
	if data[1] != 3 || data[2] != 5 {
		t.Fatalf("sorted = %v", data)
	}
}

func TestHashJoinDuplicatesAndNulls(t *testing.T) {
	leftSchema := schema.MustNew(
		schema.Attribute{Name: "k", Type: schema.INT64},
		schema.Attribute{Name: "l", Type: schema.STRING},
	)
	rightSchema := schema.MustNew(
		schema.Attribute{Name: "k", Type: schema.INT64},
		schema.Attribute{Name: "r", Type: schema.STRING},
	)

	leftKey := &table.Column{Type: schema.INT64, Data: []int64{1, 2, 0}, Nulls: roaring.BitmapOf(2)}
	leftVal := &table.Column{Type: schema.STRING, Data: []string{"a", "b", "c"}}
	left, err := table.New(leftSchema, []*table.Column{leftKey, leftVal})
	if err != nil {
		t.Fatal(err)
	}

	rightKey := &table.Column{Type: schema.INT64, Data: []int64{2, 2, 0}, Nulls: roaring.BitmapOf(2)}
	rightVal := &table.Column{Type: schema.STRING, Data: []string{"x", "y", "z"}}
	right, err := table.New(rightSchema, []*table.Column{rightKey, rightVal})
	if err != nil {
		t.Fatal(err)
	}

	out, err := HashJoin(context.Background(), []*table.Table{left, right}, plan.Params{
		"left_key":  "k",
		"right_key": "k",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Left row k=2 matches both right k=2 rows; null keys never match
	if out.NumRows() != 2 {
		t.Fatalf("join produced %d rows, want 2", out.NumRows())
	}
	rCol, err := out.ColumnByName("r")
	if err != nil {
		t.Fatal(err)
	}
	vals := rCol.Data.([]string)
	if vals[0] != "x" || vals[1] != "y" {
		t.Fatalf("right values = %v, want [x y] in build order", vals)
	}
}

func TestLimitClampsToInputSize(t *testing.T) {
	s := schema.MustNew(schema.Attribute{Name: "v", Type: schema.INT64})
	tbl, err := table.FromValues(s, []int64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Limit(context.Background(), []*table.Table{tbl}, plan.Params{"limit": 10})
	if err != nil {
		t.Fatal(err)
	}
	if out.NumRows() != 3 {
		t.Fatalf("limit(10) over 3 rows gave %d", out.NumRows())
	}
	out, err = Limit(context.Background(), []*table.Table{tbl}, plan.Params{"limit": 0})
	if err != nil {
		t.Fatal(err)
	}
	if out.NumRows() != 0 {
		t.Fatalf("limit(0) gave %d rows", out.NumRows())
	}
}

func TestProjectComputedColumn(t *testing.T) {
	s := schema.MustNew(
		schema.Attribute{Name: "a", Type: schema.INT64},
		schema.Attribute{Name: "b", Type: schema.INT64},
	)
	tbl, err := table.FromValues(s, []int64{1, 2}, []int64{10, 20})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Project(context.Background(), []*table.Table{tbl}, plan.Params{
		"columns": []ir.ProjectColumn{
			{Name: "a", Expr: expr.Col("a")},
			{Name: "total", Expr: expr.Bin(expr.OpAdd, expr.Col("a"), expr.Col("b"))},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	totals, err := out.ColumnByName("total")
	if err != nil {
		t.Fatal(err)
	}
	data := totals.Data.([]int64)
	if data[0] != 11 || data[1] != 22 {
		t.Fatalf("total = %v", data)
	}
}

func TestUDFDispatch(t *testing.T) {
	s := schema.MustNew(schema.Attribute{Name: "v", Type: schema.INT64})
	tbl, err := table.FromValues(s, []int64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}

	doubler := func(_ context.Context, inputs []*table.Table, _ plan.Params) (*table.Table, error) {
		src := inputs[0].Column(0).Data.([]int64)
		out := make([]int64, len(src))
		for i, v := range src {
			out[i] = v * 2
		}
		return table.FromValues(inputs[0].Schema(), out)
	}

	op := udfOperator(map[string]plan.Operator{"double": doubler})
	out, err := op(context.Background(), []*table.Table{tbl}, plan.Params{"udf": "double"})
	if err != nil {
		t.Fatal(err)
	}
	if data := out.Column(0).Data.([]int64); data[2] != 6 {
		t.Fatalf("udf output = %v", data)
	}

	if _, err := op(context.Background(), []*table.Table{tbl}, plan.Params{"udf": "missing"}); err == nil {
		t.Fatal("unregistered udf must fail")
	}
}
