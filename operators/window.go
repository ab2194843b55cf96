package operators

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tensorq/ir"
	"tensorq/plan"
	"tensorq/schema"
	"tensorq/table"
)

// Window appends one computed column to the input. Rows keep their original
// order; the window function is evaluated over each partition in the
// configured ordering.
func Window(_ context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
	in := inputs[0]
	spec, ok := params["window"].(ir.WindowSpec)
	if !ok {
		return nil, fmt.Errorf("parameter \"window\" is %T, expected ir.WindowSpec", params["window"])
	}

	partitions, err := partitionRows(in, spec.PartitionBy)
	if err != nil {
		return nil, err
	}

	orderCols := make([]*table.Column, len(spec.OrderBy))
	for i, key := range spec.OrderBy {
		col, err := in.ColumnByName(key.Column)
		if err != nil {
			return nil, err
		}
		orderCols[i] = col
	}

	var valueCol *table.Column
	if spec.Func == ir.WinRunningSum {
		col, err := in.ColumnByName(spec.Column)
		if err != nil {
			return nil, err
		}
		valueCol = col
	}

	intOut := make([]int64, in.NumRows())
	floatOut := make([]float64, in.NumRows())

	for _, rows := range partitions {
		ordered := make([]int, len(rows))
		copy(ordered, rows)
		sort.SliceStable(ordered, func(a, b int) bool {
			for ki, key := range spec.OrderBy {
				cmp := compareValues(orderCols[ki], ordered[a], ordered[b])
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

		switch spec.Func {
		case ir.WinRowNumber:
			for pos, row := range ordered {
				intOut[row] = int64(pos + 1)
			}
		case ir.WinRank:
			rank := int64(1)
			for pos, row := range ordered {
				if pos > 0 && !sameOrderValues(orderCols, ordered[pos-1], row) {
					rank = int64(pos + 1)
				}
				intOut[row] = rank
			}
		case ir.WinRunningSum:
			running := 0.0
			for _, row := range ordered {
				if !valueCol.IsNull(row) {
					running += numericAt(valueCol, row)
				}
				floatOut[row] = running
			}
		default:
			return nil, fmt.Errorf("unknown window function %q", spec.Func)
		}
	}

	var outCol *table.Column
	var dt schema.DataType
	switch spec.Func {
	case ir.WinRowNumber, ir.WinRank:
		dt = schema.INT64
		outCol = &table.Column{Type: dt, Data: intOut}
	case ir.WinRunningSum:
		if valueCol.Type == schema.INT64 {
			dt = schema.INT64
			data := make([]int64, len(floatOut))
			for i, v := range floatOut {
				data[i] = int64(v)
			}
			outCol = &table.Column{Type: dt, Data: data}
		} else {
			dt = schema.FLOAT64
			outCol = &table.Column{Type: dt, Data: floatOut}
		}
	}

	attrs := append(in.Schema().Attrs(), schema.Attribute{Name: spec.As, Type: dt, Nullable: true})
	outSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}
	columns := make([]*table.Column, 0, outSchema.Len())
	for i := 0; i < in.Schema().Len(); i++ {
		columns = append(columns, in.Column(i))
	}
	columns = append(columns, outCol)
	return table.New(outSchema, columns)
}

// partitionRows buckets row indices by partition key values, partitions in
// first-seen order.
func partitionRows(in *table.Table, partitionBy []string) ([][]int, error) {
	if len(partitionBy) == 0 {
		all := make([]int, in.NumRows())
		for i := range all {
			all[i] = i
		}
		return [][]int{all}, nil
	}

	keyCols := make([]*table.Column, len(partitionBy))
	for i, name := range partitionBy {
		col, err := in.ColumnByName(name)
		if err != nil {
			return nil, err
		}
		keyCols[i] = col
	}

	var partitions [][]int
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
			id = len(partitions)
			seen[key.String()] = id
			partitions = append(partitions, nil)
		}
		partitions[id] = append(partitions[id], row)
	}
	return partitions, nil
}

func sameOrderValues(orderCols []*table.Column, a, b int) bool {
	for _, col := range orderCols {
		if compareValues(col, a, b) != 0 {
			return false
		}
	}
	return true
}
