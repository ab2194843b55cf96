package ir

import (
	"errors"
	"testing"

	"tensorq/expr"
	"tensorq/schema"
)

func lineitemSchema() *schema.Schema {
	return schema.MustNew(
		schema.Attribute{Name: "l_orderkey", Type: schema.INT64},
		schema.Attribute{Name: "l_quantity", Type: schema.INT64},
		schema.Attribute{Name: "l_price", Type: schema.FLOAT64},
		schema.Attribute{Name: "l_comment", Type: schema.STRING},
	)
}

func mustScan(t *testing.T, name string, s *schema.Schema) *Node {
	t.Helper()
	node, err := Scan(name, s)
	if err != nil {
		t.Fatal(err)
	}
	return node
}

func TestFilterSchemaAndTypeCheck(t *testing.T) {
	scan := mustScan(t, "lineitem", lineitemSchema())

	f, err := Filter(scan, expr.Bin(expr.OpLt, expr.Col("l_quantity"), expr.Lit(int64(24))))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Schema().Equal(scan.Schema()) {
		t.Fatal("filter must preserve the child schema")
	}

	// Non-boolean predicates are rejected at construction
	if _, err := Filter(scan, expr.Col("l_quantity")); err == nil {
		t.Fatal("expected predicate type error")
	}
	// So are predicates over unknown columns
	_, err = Filter(scan, expr.Bin(expr.OpLt, expr.Col("nope"), expr.Lit(int64(1))))
	var ue *expr.UnresolvedColumnError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *expr.UnresolvedColumnError, got %v", err)
	}
}

func TestProjectDerivesSchema(t *testing.T) {
	scan := mustScan(t, "lineitem", lineitemSchema())
	p, err := Project(scan, []ProjectColumn{
		{Name: "qty", Expr: expr.Col("l_quantity")},
		{Name: "total", Expr: expr.Bin(expr.OpMul, expr.Col("l_quantity"), expr.Col("l_price"))},
	})
	if err != nil {
		t.Fatal(err)
	}
	attr, _ := p.Schema().Lookup("total")
	if attr.Type != schema.FLOAT64 {
		t.Fatalf("total resolved to %s", attr.Type)
	}
	if p.Schema().Len() != 2 {
		t.Fatalf("project schema has %d attributes", p.Schema().Len())
	}
}

func TestAggregateSchema(t *testing.T) {
	scan := mustScan(t, "lineitem", lineitemSchema())
	agg, err := Aggregate(scan, []string{"l_orderkey"}, []AggSpec{
		{Func: AggSum, Column: "l_quantity"},
		{Func: AggAvg, Column: "l_price", As: "avg_price"},
		{Func: AggCount, Column: "l_orderkey", As: "n"},
	})
	if err != nil {
		t.Fatal(err)
	}
	names := agg.Schema().Names()
	want := []string{"l_orderkey", "sum_l_quantity", "avg_price", "n"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("schema names = %v, want %v", names, want)
		}
	}
	if a, _ := agg.Schema().Lookup("avg_price"); a.Type != schema.FLOAT64 {
		t.Fatal("avg must resolve to float64")
	}
	if a, _ := agg.Schema().Lookup("n"); a.Type != schema.INT64 {
		t.Fatal("count must resolve to int64")
	}

	// sum over strings is rejected
	if _, err := Aggregate(scan, nil, []AggSpec{{Func: AggSum, Column: "l_comment"}}); err == nil {
		t.Fatal("expected numeric-column error")
	}
}

func TestJoinQualifiesCollidingNames(t *testing.T) {
	left := mustScan(t, "orders", schema.MustNew(
		schema.Attribute{Name: "k", Type: schema.INT64},
		schema.Attribute{Name: "status", Type: schema.STRING},
	))
	right := mustScan(t, "customer", schema.MustNew(
		schema.Attribute{Name: "k", Type: schema.INT64},
		schema.Attribute{Name: "name", Type: schema.STRING},
	))

	j, err := Join(left, right, "k", "k")
	if err != nil {
		t.Fatal(err)
	}
	names := j.Schema().Names()
	want := []string{"k", "status", "right_k", "name"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("join schema = %v, want %v", names, want)
		}
	}
}

func TestJoinKeyTypeMismatch(t *testing.T) {
	left := mustScan(t, "a", schema.MustNew(schema.Attribute{Name: "k", Type: schema.INT64}))
	right := mustScan(t, "b", schema.MustNew(schema.Attribute{Name: "k", Type: schema.STRING}))
	if _, err := Join(left, right, "k", "k"); err == nil {
		t.Fatal("expected key type mismatch error")
	}
}

func TestWindowSchema(t *testing.T) {
	scan := mustScan(t, "lineitem", lineitemSchema())
	w, err := Window(scan, WindowSpec{
		Func:        WinRunningSum,
		Column:      "l_price",
		PartitionBy: []string{"l_orderkey"},
		OrderBy:     []SortKey{{Column: "l_quantity"}},
		As:          "running_price",
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.Schema().Len() != scan.Schema().Len()+1 {
		t.Fatal("window must append exactly one attribute")
	}
	if a, _ := w.Schema().Lookup("running_price"); a.Type != schema.FLOAT64 {
		t.Fatalf("running_price resolved to %s", a.Type)
	}

	if _, err := Window(scan, WindowSpec{Func: WinRunningSum, Column: "l_comment", As: "x"}); err == nil {
		t.Fatal("running_sum over strings must fail")
	}
	if _, err := Window(scan, WindowSpec{Func: WinRowNumber}); err == nil {
		t.Fatal("window without an output name must fail")
	}
}

func TestExchangeValidation(t *testing.T) {
	scan := mustScan(t, "lineitem", lineitemSchema())
	if _, err := Exchange(scan, ExchangeShuffle, nil); err == nil {
		t.Fatal("shuffle without keys must fail")
	}
	if _, err := Exchange(scan, ExchangeShuffle, []string{"ghost"}); err == nil {
		t.Fatal("shuffle on an unknown key must fail")
	}
	e, err := Exchange(scan, ExchangeBroadcast, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Schema().Equal(scan.Schema()) {
		t.Fatal("exchange must preserve the child schema")
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	scan := mustScan(t, "lineitem", lineitemSchema())
	limit, err := Limit(scan, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(limit); err != nil {
		t.Fatalf("acyclic graph rejected: %v", err)
	}

	// Constructors cannot produce cycles, so force one for the check
	limit.children[0].children = []*Node{limit}
	err = Validate(limit)
	var ce *CyclicGraphError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CyclicGraphError, got %v", err)
	}
}

func TestSharedSubtreeIsNotACycle(t *testing.T) {
	scan := mustScan(t, "lineitem", lineitemSchema())
	a, err := Limit(scan, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Limit(scan, 2)
	if err != nil {
		t.Fatal(err)
	}
	j, err := Join(a, b, "l_orderkey", "l_orderkey")
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(j); err != nil {
		t.Fatalf("diamond-shaped DAG rejected: %v", err)
	}
}
