package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"tensorq/expr"
	"tensorq/ir"
	"tensorq/operators"
	"tensorq/plan"
	"tensorq/schema"
	"tensorq/table"
)

func lineitemTable(t *testing.T) (*schema.Schema, *table.Table) {
	t.Helper()
	s := schema.MustNew(
		schema.Attribute{Name: "l_quantity", Type: schema.INT64},
		schema.Attribute{Name: "l_orderkey", Type: schema.INT64},
	)
	tbl, err := table.FromValues(s,
		[]int64{10, 25, 30, 15, 45},
		[]int64{1, 2, 3, 4, 5},
	)
	if err != nil {
		t.Fatal(err)
	}
	return s, tbl
}

func compile(t *testing.T, root *ir.Node) *plan.Plan {
	t.Helper()
	p, err := plan.Compile(root, operators.NewRegistry(nil))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func intColumn(t *testing.T, tbl *table.Table, name string) []int64 {
	t.Helper()
	col, err := tbl.ColumnByName(name)
	if err != nil {
		t.Fatal(err)
	}
	return col.Data.([]int64)
}

func TestFilterScenario(t *testing.T) {
	s, tbl := lineitemTable(t)
	scan, err := ir.Scan("lineitem", s)
	if err != nil {
		t.Fatal(err)
	}
	filter, err := ir.Filter(scan, expr.Bin(expr.OpLt, expr.Col("l_quantity"), expr.Lit(int64(24))))
	if err != nil {
		t.Fatal(err)
	}
	p := compile(t, filter)

	env, err := Execute(context.Background(), p, map[string]*table.Table{"lineitem": tbl})
	if err != nil {
		t.Fatal(err)
	}
	out := env[p.Output]
	if out.NumRows() != 2 {
		t.Fatalf("filtered to %d rows, want 2", out.NumRows())
	}
	qty := intColumn(t, out, "l_quantity")
	keys := intColumn(t, out, "l_orderkey")
	if qty[0] != 10 || qty[1] != 15 {
		t.Fatalf("l_quantity = %v, want [10 15]", qty)
	}
	if keys[0] != 1 || keys[1] != 4 {
		t.Fatalf("l_orderkey = %v, want [1 4]", keys)
	}
}

func TestJoinScenario(t *testing.T) {
	leftSchema := schema.MustNew(
		schema.Attribute{Name: "k", Type: schema.INT64},
		schema.Attribute{Name: "lv", Type: schema.STRING},
	)
	rightSchema := schema.MustNew(
		schema.Attribute{Name: "k", Type: schema.INT64},
		schema.Attribute{Name: "rv", Type: schema.STRING},
	)
	left, err := table.FromValues(leftSchema, []int64{1, 2, 3}, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	right, err := table.FromValues(rightSchema, []int64{2, 3, 4}, []string{"x", "y", "z"})
	if err != nil {
		t.Fatal(err)
	}

	leftScan, err := ir.Scan("left", leftSchema)
	if err != nil {
		t.Fatal(err)
	}
	rightScan, err := ir.Scan("right", rightSchema)
	if err != nil {
		t.Fatal(err)
	}
	join, err := ir.Join(leftScan, rightScan, "k", "k")
	if err != nil {
		t.Fatal(err)
	}
	p := compile(t, join)

	env, err := Execute(context.Background(), p, map[string]*table.Table{
		"left":  left,
		"right": right,
	})
	if err != nil {
		t.Fatal(err)
	}
	out := env[p.Output]
	if out.NumRows() != 2 {
		t.Fatalf("join produced %d rows, want 2", out.NumRows())
	}
	keys := intColumn(t, out, "k")
	for _, k := range keys {
		if k != 2 && k != 3 {
			t.Fatalf("unexpected join key %d", k)
		}
	}
	if names := out.Schema().Names(); names[2] != "right_k" {
		t.Fatalf("join schema = %v", names)
	}
}

// A join's left and right sides are whatever its node declares as inputs[0]
// and inputs[1], regardless of the order the sides were compiled in. Swapping
// the declared inputs on a deserialized plan must swap the join semantics.
func TestJoinFollowsDeclaredInputOrder(t *testing.T) {
	leftSchema := schema.MustNew(
		schema.Attribute{Name: "k", Type: schema.INT64},
		schema.Attribute{Name: "lv", Type: schema.STRING},
	)
	rightSchema := schema.MustNew(
		schema.Attribute{Name: "k", Type: schema.INT64},
		schema.Attribute{Name: "rv", Type: schema.STRING},
	)
	left, err := table.FromValues(leftSchema, []int64{1, 2, 3}, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	right, err := table.FromValues(rightSchema, []int64{2, 3, 4}, []string{"x", "y", "z"})
	if err != nil {
		t.Fatal(err)
	}

	leftScan, err := ir.Scan("left", leftSchema)
	if err != nil {
		t.Fatal(err)
	}
	rightScan, err := ir.Scan("right", rightSchema)
	if err != nil {
		t.Fatal(err)
	}
	join, err := ir.Join(leftScan, rightScan, "k", "k")
	if err != nil {
		t.Fatal(err)
	}
	p := compile(t, join)

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	reversed, err := plan.UnmarshalPlan(data)
	if err != nil {
		t.Fatal(err)
	}
	for _, node := range reversed.Nodes {
		if node.Op == ir.OpJoin {
			node.Inputs[0], node.Inputs[1] = node.Inputs[1], node.Inputs[0]
		}
	}
	if err := reversed.Bind(operators.NewRegistry(nil)); err != nil {
		t.Fatal(err)
	}

	env, err := Execute(context.Background(), reversed, map[string]*table.Table{
		"left":  left,
		"right": right,
	})
	if err != nil {
		t.Fatal(err)
	}
	out := env[reversed.Output]

	// The right table is now the declared left side: its columns lead and
	// the duplicate key on the other side picks up the qualifier.
	names := out.Schema().Names()
	if names[1] != "rv" || names[2] != "right_k" || names[3] != "lv" {
		t.Fatalf("join schema = %v, want [k rv right_k lv]", names)
	}
	if out.NumRows() != 2 {
		t.Fatalf("joined to %d rows, want 2", out.NumRows())
	}
	rv, _ := out.ColumnByName("rv")
	lv, _ := out.ColumnByName("lv")
	if rv.Value(0) != "x" || rv.Value(1) != "y" {
		t.Fatalf("rv = [%v %v], want [x y]", rv.Value(0), rv.Value(1))
	}
	if lv.Value(0) != "b" || lv.Value(1) != "c" {
		t.Fatalf("lv = [%v %v], want [b c]", lv.Value(0), lv.Value(1))
	}
}

func TestFanOutDoesNotMutateSharedTable(t *testing.T) {
	s, tbl := lineitemTable(t)
	scan, err := ir.Scan("lineitem", s)
	if err != nil {
		t.Fatal(err)
	}
	low, err := ir.Filter(scan, expr.Bin(expr.OpLt, expr.Col("l_quantity"), expr.Lit(int64(20))))
	if err != nil {
		t.Fatal(err)
	}
	high, err := ir.Filter(scan, expr.Bin(expr.OpGeq, expr.Col("l_quantity"), expr.Lit(int64(20))))
	if err != nil {
		t.Fatal(err)
	}
	join, err := ir.Join(low, high, "l_orderkey", "l_orderkey")
	if err != nil {
		t.Fatal(err)
	}
	p := compile(t, join)

	env, err := Execute(context.Background(), p, map[string]*table.Table{"lineitem": tbl})
	if err != nil {
		t.Fatal(err)
	}
	if env[p.Output].NumRows() != 0 {
		t.Fatalf("disjoint filters joined to %d rows", env[p.Output].NumRows())
	}

	// Both filter branches read the same seed; it must be untouched
	qty := intColumn(t, tbl, "l_quantity")
	for i, want := range []int64{10, 25, 30, 15, 45} {
		if qty[i] != want {
			t.Fatalf("seed table mutated: l_quantity = %v", qty)
		}
	}
}

func TestLivenessReleasesIntermediates(t *testing.T) {
	s, tbl := lineitemTable(t)
	scan, err := ir.Scan("lineitem", s)
	if err != nil {
		t.Fatal(err)
	}
	filter, err := ir.Filter(scan, expr.Bin(expr.OpGt, expr.Col("l_quantity"), expr.Lit(int64(0))))
	if err != nil {
		t.Fatal(err)
	}
	limit, err := ir.Limit(filter, 2)
	if err != nil {
		t.Fatal(err)
	}
	p := compile(t, limit)

	env, err := Execute(context.Background(), p, map[string]*table.Table{"lineitem": tbl})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := env[p.Output]; !ok {
		t.Fatal("final output missing from environment")
	}
	for name := range env {
		if name != p.Output && name != "lineitem" {
			t.Fatalf("intermediate %q not released", name)
		}
	}
}

func TestEmptyPlan(t *testing.T) {
	_, err := Execute(context.Background(), &plan.Plan{}, nil)
	var ee *EmptyPlanError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EmptyPlanError, got %v", err)
	}
	_, err = Execute(context.Background(), nil, nil)
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EmptyPlanError for nil plan, got %v", err)
	}
}

func TestMissingSeed(t *testing.T) {
	s, _ := lineitemTable(t)
	scan, err := ir.Scan("lineitem", s)
	if err != nil {
		t.Fatal(err)
	}
	limit, err := ir.Limit(scan, 1)
	if err != nil {
		t.Fatal(err)
	}
	p := compile(t, limit)

	_, err = Execute(context.Background(), p, nil)
	var me *MissingInputError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MissingInputError, got %v", err)
	}
	if me.Input != "lineitem" {
		t.Fatalf("error names input %q", me.Input)
	}
}

func TestOperatorFailureIsWrapped(t *testing.T) {
	s, tbl := lineitemTable(t)
	scan, err := ir.Scan("lineitem", s)
	if err != nil {
		t.Fatal(err)
	}
	limit, err := ir.Limit(scan, 1)
	if err != nil {
		t.Fatal(err)
	}

	boom := fmt.Errorf("kernel exploded")
	registry := operators.NewRegistry(nil)
	registry.Register(ir.OpLimit, func(context.Context, []*table.Table, plan.Params) (*table.Table, error) {
		return nil, boom
	})
	p, err := plan.Compile(limit, registry)
	if err != nil {
		t.Fatal(err)
	}

	_, err = Execute(context.Background(), p, map[string]*table.Table{"lineitem": tbl})
	var oe *OperatorExecutionError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OperatorExecutionError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("cause must be reachable through Unwrap")
	}
	if len(oe.InputSchemas) != 1 {
		t.Fatalf("error carries %d input schemas", len(oe.InputSchemas))
	}
}

func TestCancelledContext(t *testing.T) {
	s, tbl := lineitemTable(t)
	scan, err := ir.Scan("lineitem", s)
	if err != nil {
		t.Fatal(err)
	}
	limit, err := ir.Limit(scan, 1)
	if err != nil {
		t.Fatal(err)
	}
	p := compile(t, limit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Execute(ctx, p, map[string]*table.Table{"lineitem": tbl})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
