package operators

import (
	"context"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"tensorq/ir"
	"tensorq/plan"
	"tensorq/schema"
	"tensorq/table"
)

// Aggregate modes. The default computes complete results in one pass. The
// distributed planner splits a grouped aggregate into a partial pass per
// rank and a final pass that combines partial states after redistribution;
// avg is carried through the partial pass as separate sum and count columns.
const (
	AggModeComplete = "complete"
	AggModePartial  = "partial"
	AggModeFinal    = "final"
)

// partialSumSuffix and partialCountSuffix name the carrier columns an avg
// aggregate produces in partial mode.
const (
	partialSumSuffix   = "__sum"
	partialCountSuffix = "__count"
)

// Aggregate groups the input by the configured key columns and computes one
// attribute per aggregate spec. Groups appear in first-seen input order,
// which keeps recomputation deterministic.
func Aggregate(_ context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
	in := inputs[0]
	groupBy, err := params.Strings("group_by")
	if err != nil {
		return nil, err
	}
	aggs, ok := params["aggregates"].([]ir.AggSpec)
	if !ok {
		return nil, fmt.Errorf("parameter \"aggregates\" is %T, expected []ir.AggSpec", params["aggregates"])
	}
	mode := AggModeComplete
	if m, ok := params["mode"].(string); ok && m != "" {
		mode = m
	}

	groups, err := groupRows(in, groupBy)
	if err != nil {
		return nil, err
	}

	switch mode {
	case AggModeComplete:
		return aggregateComplete(in, groups, groupBy, aggs)
	case AggModePartial:
		return aggregatePartial(in, groups, groupBy, aggs)
	case AggModeFinal:
		return aggregateFinal(in, groups, groupBy, aggs)
	default:
		return nil, fmt.Errorf("unknown aggregate mode %q", mode)
	}
}

// grouping assigns every input row to a group; groups are numbered in
// first-seen order.
type grouping struct {
	rowGroup  []int   // row index -> group index
	firstRow  []int   // group index -> representative row
	numGroups int
}

func groupRows(in *table.Table, groupBy []string) (*grouping, error) {
	g := &grouping{rowGroup: make([]int, in.NumRows())}

	if len(groupBy) == 0 {
		// Global aggregate: one group holding every row
		g.numGroups = 1
		g.firstRow = []int{0}
		return g, nil
	}

	keyCols := make([]*table.Column, len(groupBy))
	for i, name := range groupBy {
		col, err := in.ColumnByName(name)
		if err != nil {
			return nil, err
		}
		keyCols[i] = col
	}

	seen := make(map[string]int)
	for row := 0; row < in.NumRows(); row++ {
		var key strings.Builder
		for _, col := range keyCols {
			if col.IsNull(row) {
				key.WriteString("\x00null")
			} else {
				fmt.Fprintf(&key, "\x00%v", col.Value(row))
			}
		}
		id, ok := seen[key.String()]
		if !ok {
			id = g.numGroups
			seen[key.String()] = id
			g.firstRow = append(g.firstRow, row)
			g.numGroups++
		}
		g.rowGroup[row] = id
	}
	return g, nil
}

// groupKeyColumns materializes the group-by columns, one value per group
func groupKeyColumns(in *table.Table, groups *grouping, groupBy []string) ([]schema.Attribute, []*table.Column, error) {
	attrs := make([]schema.Attribute, 0, len(groupBy))
	columns := make([]*table.Column, 0, len(groupBy))
	for _, name := range groupBy {
		attr, lookupOK := in.Schema().Lookup(name)
		if !lookupOK {
			return nil, nil, fmt.Errorf("group key %q not in input schema (%s)", name, in.Schema())
		}
		src, err := in.ColumnByName(name)
		if err != nil {
			return nil, nil, err
		}
		gathered, err := gatherRows(src, groups.firstRow)
		if err != nil {
			return nil, nil, err
		}
		attrs = append(attrs, attr)
		columns = append(columns, gathered)
	}
	return attrs, columns, nil
}

// gatherRows gathers selected rows of one column through a single-column table
func gatherRows(col *table.Column, rows []int) (*table.Column, error) {
	tmp := &table.Column{Type: col.Type, Data: col.Data, Nulls: col.Nulls}
	s, err := schema.New(schema.Attribute{Name: "v", Type: col.Type, Nullable: true})
	if err != nil {
		return nil, err
	}
	t, err := table.New(s, []*table.Column{tmp})
	if err != nil {
		return nil, err
	}
	gathered, err := t.Gather(rows)
	if err != nil {
		return nil, err
	}
	return gathered.Column(0), nil
}

// accumulator holds per-group running state for one aggregate. Integer
// columns keep separate int64 state: routing them through the float64 slots
// would round values beyond 2^53.
type accumulator struct {
	sums   []float64
	isums  []int64
	counts []int64
	minStr []string
	maxStr []string
	mins   []float64
	maxs   []float64
	imins  []int64
	imaxs  []int64
	any    []bool
}

func newAccumulator(groups int) *accumulator {
	return &accumulator{
		sums:   make([]float64, groups),
		isums:  make([]int64, groups),
		counts: make([]int64, groups),
		mins:   make([]float64, groups),
		maxs:   make([]float64, groups),
		imins:  make([]int64, groups),
		imaxs:  make([]int64, groups),
		minStr: make([]string, groups),
		maxStr: make([]string, groups),
		any:    make([]bool, groups),
	}
}

func (a *accumulator) observe(group int, col *table.Column, row int) {
	if col.IsNull(row) {
		return
	}
	a.counts[group]++
	switch data := col.Data.(type) {
	case []int64:
		v := data[row]
		a.isums[group] += v
		if !a.any[group] || v < a.imins[group] {
			a.imins[group] = v
		}
		if !a.any[group] || v > a.imaxs[group] {
			a.imaxs[group] = v
		}
		// float state still feeds avg, which is float-typed anyway
		a.observeNumeric(group, float64(v))
	case []float64:
		a.observeNumeric(group, data[row])
	case []string:
		v := data[row]
		if !a.any[group] || v < a.minStr[group] {
			a.minStr[group] = v
		}
		if !a.any[group] || v > a.maxStr[group] {
			a.maxStr[group] = v
		}
		a.any[group] = true
	case []bool:
		a.any[group] = true
	}
}

func (a *accumulator) observeNumeric(group int, v float64) {
	a.sums[group] += v
	if !a.any[group] || v < a.mins[group] {
		a.mins[group] = v
	}
	if !a.any[group] || v > a.maxs[group] {
		a.maxs[group] = v
	}
	a.any[group] = true
}

// observeWeighted folds a pre-aggregated count column (final mode)
func (a *accumulator) observeCount(group int, col *table.Column, row int) {
	if col.IsNull(row) {
		return
	}
	if data, ok := col.Data.([]int64); ok {
		a.sums[group] += float64(data[row])
		a.counts[group] += data[row]
		a.any[group] = true
	}
}

func accumulate(in *table.Table, groups *grouping, column string) (*accumulator, error) {
	col, err := in.ColumnByName(column)
	if err != nil {
		return nil, err
	}
	acc := newAccumulator(groups.numGroups)
	for row := 0; row < in.NumRows(); row++ {
		acc.observe(groups.rowGroup[row], col, row)
	}
	return acc, nil
}

func aggregateComplete(in *table.Table, groups *grouping, groupBy []string, aggs []ir.AggSpec) (*table.Table, error) {
	attrs, columns, err := groupKeyColumns(in, groups, groupBy)
	if err != nil {
		return nil, err
	}

	for _, agg := range aggs {
		srcAttr, ok := in.Schema().Lookup(agg.Column)
		if !ok {
			return nil, fmt.Errorf("aggregate column %q not in input schema (%s)", agg.Column, in.Schema())
		}
		acc, err := accumulate(in, groups, agg.Column)
		if err != nil {
			return nil, err
		}
		attr, col, err := finishAggregate(agg, agg.OutputName(), srcAttr.Type, acc, groups.numGroups)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
		columns = append(columns, col)
	}

	outSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}
	return table.New(outSchema, columns)
}

func finishAggregate(agg ir.AggSpec, name string, srcType schema.DataType, acc *accumulator, groups int) (schema.Attribute, *table.Column, error) {
	nulls := roaring.New()
	var col *table.Column
	var dt schema.DataType

	switch agg.Func {
	case ir.AggCount:
		dt = schema.INT64
		col = &table.Column{Type: dt, Data: append([]int64{}, acc.counts...)}
	case ir.AggSum:
		if srcType == schema.INT64 {
			dt = schema.INT64
			data := make([]int64, groups)
			for g := 0; g < groups; g++ {
				if !acc.any[g] {
					nulls.Add(uint32(g))
					continue
				}
				data[g] = acc.isums[g]
			}
			col = &table.Column{Type: dt, Data: data}
		} else {
			dt = schema.FLOAT64
			data := make([]float64, groups)
			for g := 0; g < groups; g++ {
				if !acc.any[g] {
					nulls.Add(uint32(g))
					continue
				}
				data[g] = acc.sums[g]
			}
			col = &table.Column{Type: dt, Data: data}
		}
	case ir.AggAvg:
		dt = schema.FLOAT64
		data := make([]float64, groups)
		for g := 0; g < groups; g++ {
			if acc.counts[g] == 0 {
				nulls.Add(uint32(g))
				continue
			}
			data[g] = acc.sums[g] / float64(acc.counts[g])
		}
		col = &table.Column{Type: dt, Data: data}
	case ir.AggMin, ir.AggMax:
		var err error
		dt, col, err = finishMinMax(agg.Func, srcType, acc, groups, nulls)
		if err != nil {
			return schema.Attribute{}, nil, err
		}
	default:
		return schema.Attribute{}, nil, fmt.Errorf("unknown aggregate function %q", agg.Func)
	}

	if !nulls.IsEmpty() {
		col.Nulls = nulls
	}
	return schema.Attribute{Name: name, Type: dt, Nullable: true}, col, nil
}

func finishMinMax(fn ir.AggFunc, srcType schema.DataType, acc *accumulator, groups int, nulls *roaring.Bitmap) (schema.DataType, *table.Column, error) {
	switch srcType {
	case schema.INT64:
		data := make([]int64, groups)
		for g := 0; g < groups; g++ {
			if !acc.any[g] {
				nulls.Add(uint32(g))
				continue
			}
			if fn == ir.AggMin {
				data[g] = acc.imins[g]
			} else {
				data[g] = acc.imaxs[g]
			}
		}
		return schema.INT64, &table.Column{Type: schema.INT64, Data: data}, nil
	case schema.FLOAT64:
		data := make([]float64, groups)
		for g := 0; g < groups; g++ {
			if !acc.any[g] {
				nulls.Add(uint32(g))
				continue
			}
			if fn == ir.AggMin {
				data[g] = acc.mins[g]
			} else {
				data[g] = acc.maxs[g]
			}
		}
		return schema.FLOAT64, &table.Column{Type: schema.FLOAT64, Data: data}, nil
	case schema.STRING:
		data := make([]string, groups)
		for g := 0; g < groups; g++ {
			if !acc.any[g] {
				nulls.Add(uint32(g))
				continue
			}
			if fn == ir.AggMin {
				data[g] = acc.minStr[g]
			} else {
				data[g] = acc.maxStr[g]
			}
		}
		return schema.STRING, &table.Column{Type: schema.STRING, Data: data}, nil
	default:
		return 0, nil, fmt.Errorf("%s not supported for type %s", fn, srcType)
	}
}

// aggregatePartial emits per-rank partial aggregate state. Sum, count, min
// and max are their own partial state; avg is decomposed into carrier sum
// and count columns that the final pass recombines.
func aggregatePartial(in *table.Table, groups *grouping, groupBy []string, aggs []ir.AggSpec) (*table.Table, error) {
	attrs, columns, err := groupKeyColumns(in, groups, groupBy)
	if err != nil {
		return nil, err
	}

	for _, agg := range aggs {
		srcAttr, ok := in.Schema().Lookup(agg.Column)
		if !ok {
			return nil, fmt.Errorf("aggregate column %q not in input schema (%s)", agg.Column, in.Schema())
		}
		acc, err := accumulate(in, groups, agg.Column)
		if err != nil {
			return nil, err
		}
		name := agg.OutputName()

		if agg.Func == ir.AggAvg {
			sumData := make([]float64, groups.numGroups)
			copy(sumData, acc.sums)
			countData := make([]int64, groups.numGroups)
			copy(countData, acc.counts)
			attrs = append(attrs,
				schema.Attribute{Name: name + partialSumSuffix, Type: schema.FLOAT64, Nullable: true},
				schema.Attribute{Name: name + partialCountSuffix, Type: schema.INT64, Nullable: true})
			columns = append(columns,
				&table.Column{Type: schema.FLOAT64, Data: sumData},
				&table.Column{Type: schema.INT64, Data: countData})
			continue
		}

		attr, col, err := finishAggregate(agg, name, srcAttr.Type, acc, groups.numGroups)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
		columns = append(columns, col)
	}

	outSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}
	return table.New(outSchema, columns)
}

// aggregateFinal combines partial aggregate rows that share group keys. The
// combine per function is the same associative, commutative operation the
// complete pass uses: sums add, counts add, mins take the minimum, maxes the
// maximum, avgs divide recombined carrier sums by carrier counts.
func aggregateFinal(in *table.Table, groups *grouping, groupBy []string, aggs []ir.AggSpec) (*table.Table, error) {
	attrs, columns, err := groupKeyColumns(in, groups, groupBy)
	if err != nil {
		return nil, err
	}

	for _, agg := range aggs {
		name := agg.OutputName()

		switch agg.Func {
		case ir.AggAvg:
			sumAcc, err := accumulate(in, groups, name+partialSumSuffix)
			if err != nil {
				return nil, err
			}
			countCol, err := in.ColumnByName(name + partialCountSuffix)
			if err != nil {
				return nil, err
			}
			countAcc := newAccumulator(groups.numGroups)
			for row := 0; row < in.NumRows(); row++ {
				countAcc.observeCount(groups.rowGroup[row], countCol, row)
			}

			nulls := roaring.New()
			data := make([]float64, groups.numGroups)
			for g := 0; g < groups.numGroups; g++ {
				if countAcc.counts[g] == 0 {
					nulls.Add(uint32(g))
					continue
				}
				data[g] = sumAcc.sums[g] / float64(countAcc.counts[g])
			}
			col := &table.Column{Type: schema.FLOAT64, Data: data}
			if !nulls.IsEmpty() {
				col.Nulls = nulls
			}
			attrs = append(attrs, schema.Attribute{Name: name, Type: schema.FLOAT64, Nullable: true})
			columns = append(columns, col)

		case ir.AggCount:
			// Counts combine by summation
			partial := ir.AggSpec{Func: ir.AggSum, Column: name, As: name}
			srcAttr, ok := in.Schema().Lookup(name)
			if !ok {
				return nil, fmt.Errorf("partial column %q not in input schema (%s)", name, in.Schema())
			}
			acc, err := accumulate(in, groups, name)
			if err != nil {
				return nil, err
			}
			attr, col, err := finishAggregate(partial, name, srcAttr.Type, acc, groups.numGroups)
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, attr)
			columns = append(columns, col)

		default:
			// sum/min/max combine with themselves over the partial column
			combined := ir.AggSpec{Func: agg.Func, Column: name, As: name}
			srcAttr, ok := in.Schema().Lookup(name)
			if !ok {
				return nil, fmt.Errorf("partial column %q not in input schema (%s)", name, in.Schema())
			}
			acc, err := accumulate(in, groups, name)
			if err != nil {
				return nil, err
			}
			attr, col, err := finishAggregate(combined, name, srcAttr.Type, acc, groups.numGroups)
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, attr)
			columns = append(columns, col)
		}
	}

	outSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}
	return table.New(outSchema, columns)
}
