// Package operators provides the columnar kernel implementations bound into
// plan nodes through the operator registry. Every kernel satisfies the one
// fixed operator contract: ordered input tables plus a parameter map in, one
// table out.
package operators

import (
	"context"
	"fmt"
	"sort"

	"tensorq/ir"
	"tensorq/plan"
	"tensorq/schema"
	"tensorq/table"
)

// NewRegistry builds a registry with the default kernel for every IR
// operator kind. udfs maps user function names to implementations invoked by
// UDF nodes; pass nil when the plan contains none. The exchange kind is
// bound to an identity operator suitable for single-rank execution; the
// distributed layer overrides it per rank.
func NewRegistry(udfs map[string]plan.Operator) *plan.Registry {
	r := plan.NewRegistry()
	r.Register(ir.OpScan, Scan)
	r.Register(ir.OpFilter, Filter)
	r.Register(ir.OpProject, Project)
	r.Register(ir.OpAggregate, Aggregate)
	r.Register(ir.OpJoin, HashJoin)
	r.Register(ir.OpSort, Sort)
	r.Register(ir.OpLimit, Limit)
	r.Register(ir.OpWindow, Window)
	r.Register(ir.OpExchange, IdentityExchange)
	r.Register(ir.OpUDF, udfOperator(udfs))
	return r
}

// Scan passes the seed table through as a view
func Scan(_ context.Context, inputs []*table.Table, _ plan.Params) (*table.Table, error) {
	return inputs[0], nil
}

// Filter evaluates the predicate into a selection bitmap and materializes
// the selected rows in their original order.
func Filter(_ context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
	predicate, err := params.Expr("predicate")
	if err != nil {
		return nil, err
	}
	mask, err := EvaluateMask(predicate, inputs[0])
	if err != nil {
		return nil, err
	}
	return inputs[0].Mask(mask)
}

// Project computes the declared output columns. A projection of plain
// column references is a view sharing the input's storage; any computed
// expression forces materialization of that column.
func Project(_ context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
	in := inputs[0]
	cols, ok := params["columns"].([]ir.ProjectColumn)
	if !ok {
		return nil, fmt.Errorf("parameter \"columns\" is %T, expected []ir.ProjectColumn", params["columns"])
	}

	attrs := make([]schema.Attribute, len(cols))
	columns := make([]*table.Column, len(cols))
	for i, pc := range cols {
		col, err := Evaluate(pc.Expr, in)
		if err != nil {
			return nil, err
		}
		columns[i] = col
		attrs[i] = schema.Attribute{Name: pc.Name, Type: col.Type, Nullable: true}
	}
	outSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}
	return table.New(outSchema, columns)
}

// Sort orders rows by the given keys, stable with respect to input order
func Sort(_ context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
	in := inputs[0]
	keys, ok := params["keys"].([]ir.SortKey)
	if !ok {
		return nil, fmt.Errorf("parameter \"keys\" is %T, expected []ir.SortKey", params["keys"])
	}

	keyCols := make([]*table.Column, len(keys))
	for i, key := range keys {
		col, err := in.ColumnByName(key.Column)
		if err != nil {
			return nil, err
		}
		keyCols[i] = col
	}

	indices := make([]int, in.NumRows())
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		for ki, key := range keys {
			cmp := compareValues(keyCols[ki], indices[a], indices[b])
			if cmp == 0 {
				continue
			}
			if key.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
	return in.Gather(indices)
}

// compareValues orders two rows of one column. Nulls sort first.
func compareValues(col *table.Column, a, b int) int {
	aNull, bNull := col.IsNull(a), col.IsNull(b)
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return -1
	case bNull:
		return 1
	}

	switch data := col.Data.(type) {
	case []int64:
		switch {
		case data[a] < data[b]:
			return -1
		case data[a] > data[b]:
			return 1
		}
	case []float64:
		switch {
		case data[a] < data[b]:
			return -1
		case data[a] > data[b]:
			return 1
		}
	case []string:
		switch {
		case data[a] < data[b]:
			return -1
		case data[a] > data[b]:
			return 1
		}
	case []bool:
		switch {
		case !data[a] && data[b]:
			return -1
		case data[a] && !data[b]:
			return 1
		}
	}
	return 0
}

// HashJoin is an inner equi-join: build a hash table over the right input's
// key column, probe with the left input in row order. Left is inputs[0] and
// right is inputs[1] by the plan node's declared input order. Matched output
// rows preserve left-then-right ordering; right-side attributes whose names
// collide with the left side are qualified.
func HashJoin(_ context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
	left, right := inputs[0], inputs[1]
	leftKey, err := params.String("left_key")
	if err != nil {
		return nil, err
	}
	rightKey, err := params.String("right_key")
	if err != nil {
		return nil, err
	}

	leftCol, err := left.ColumnByName(leftKey)
	if err != nil {
		return nil, err
	}
	rightCol, err := right.ColumnByName(rightKey)
	if err != nil {
		return nil, err
	}

	// Build phase: key -> right row positions in row order
	build := make(map[interface{}][]int, right.NumRows())
	for i := 0; i < right.NumRows(); i++ {
		if rightCol.IsNull(i) {
			continue // null keys never match
		}
		key := rightCol.Value(i)
		build[key] = append(build[key], i)
	}

	// Probe phase
	var leftIdx, rightIdx []int
	for i := 0; i < left.NumRows(); i++ {
		if leftCol.IsNull(i) {
			continue
		}
		for _, ri := range build[leftCol.Value(i)] {
			leftIdx = append(leftIdx, i)
			rightIdx = append(rightIdx, ri)
		}
	}

	leftOut, err := left.Gather(leftIdx)
	if err != nil {
		return nil, err
	}
	rightOut, err := right.Gather(rightIdx)
	if err != nil {
		return nil, err
	}

	outSchema, err := schema.Concat(left.Schema(), right.Schema(), ir.RightQualifier)
	if err != nil {
		return nil, err
	}
	columns := make([]*table.Column, 0, outSchema.Len())
	for i := 0; i < leftOut.Schema().Len(); i++ {
		columns = append(columns, leftOut.Column(i))
	}
	for i := 0; i < rightOut.Schema().Len(); i++ {
		columns = append(columns, rightOut.Column(i))
	}
	return table.New(outSchema, columns)
}

// Limit keeps the first n rows as a view over the input
func Limit(_ context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
	n, err := params.Int("limit")
	if err != nil {
		return nil, err
	}
	if n > inputs[0].NumRows() {
		n = inputs[0].NumRows()
	}
	return inputs[0].Slice(0, n)
}

// IdentityExchange is the single-rank exchange binding: with one rank every
// collective is the identity.
func IdentityExchange(_ context.Context, inputs []*table.Table, _ plan.Params) (*table.Table, error) {
	return inputs[0], nil
}

func udfOperator(udfs map[string]plan.Operator) plan.Operator {
	return func(ctx context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
		name, err := params.String("udf")
		if err != nil {
			return nil, err
		}
		fn, ok := udfs[name]
		if !ok {
			return nil, fmt.Errorf("no user function registered under %q", name)
		}
		return fn(ctx, inputs, params)
	}
}
