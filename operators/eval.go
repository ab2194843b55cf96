package operators

import (
	"fmt"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"tensorq/expr"
	"tensorq/schema"
	"tensorq/table"
)

// Evaluate computes an expression over every row of a table, producing one
// column. Nulls propagate: a row whose operands include a null yields null.
func Evaluate(e expr.Expr, t *table.Table) (*table.Column, error) {
	switch node := e.(type) {
	case *expr.Column:
		return t.ColumnByName(node.Name)
	case *expr.Literal:
		return evalLiteral(node, t.NumRows())
	case *expr.BinaryOp:
		return evalBinary(node, t)
	case *expr.UnaryOp:
		return evalUnary(node, t)
	case *expr.Function:
		return evalFunction(node, t)
	case *expr.CaseWhen:
		return evalCase(node, t)
	default:
		return nil, fmt.Errorf("unsupported expression %T", e)
	}
}

// EvaluateMask evaluates a boolean expression into a selection bitmap. Rows
// where the predicate is false or null are excluded.
func EvaluateMask(e expr.Expr, t *table.Table) (*roaring.Bitmap, error) {
	col, err := Evaluate(e, t)
	if err != nil {
		return nil, err
	}
	values, ok := col.Data.([]bool)
	if !ok {
		return nil, fmt.Errorf("predicate evaluated to %s, expected boolean", col.Type)
	}
	mask := roaring.New()
	for i, v := range values {
		if v && !col.IsNull(i) {
			mask.Add(uint32(i))
		}
	}
	return mask, nil
}

func evalLiteral(l *expr.Literal, rows int) (*table.Column, error) {
	switch v := l.Value.(type) {
	case int64:
		data := make([]int64, rows)
		for i := range data {
			data[i] = v
		}
		return &table.Column{Type: schema.INT64, Data: data}, nil
	case float64:
		data := make([]float64, rows)
		for i := range data {
			data[i] = v
		}
		return &table.Column{Type: schema.FLOAT64, Data: data}, nil
	case string:
		data := make([]string, rows)
		for i := range data {
			data[i] = v
		}
		return &table.Column{Type: schema.STRING, Data: data}, nil
	case bool:
		data := make([]bool, rows)
		for i := range data {
			data[i] = v
		}
		return &table.Column{Type: schema.BOOLEAN, Data: data}, nil
	default:
		return nil, fmt.Errorf("unsupported literal type %T", l.Value)
	}
}

func evalBinary(b *expr.BinaryOp, t *table.Table) (*table.Column, error) {
	left, err := Evaluate(b.Left, t)
	if err != nil {
		return nil, err
	}
	right, err := Evaluate(b.Right, t)
	if err != nil {
		return nil, err
	}

	nulls := unionNulls(left.Nulls, right.Nulls)

	switch b.Op {
	case expr.OpAdd, expr.OpSub, expr.OpMul, expr.OpDiv, expr.OpMod:
		return evalArithmetic(b.Op, left, right, nulls)
	case expr.OpLt, expr.OpGt, expr.OpEq, expr.OpNeq, expr.OpLeq, expr.OpGeq:
		return evalComparison(b.Op, left, right, nulls, t.NumRows())
	case expr.OpAnd, expr.OpOr:
		return evalLogical(b.Op, left, right, nulls)
	default:
		return nil, fmt.Errorf("unknown binary operator %q", b.Op)
	}
}

func evalArithmetic(op expr.BinaryOpKind, left, right *table.Column, nulls *roaring.Bitmap) (*table.Column, error) {
	// Integer arithmetic stays integral except for division
	if left.Type == schema.INT64 && right.Type == schema.INT64 && op != expr.OpDiv {
		l := left.Data.([]int64)
		r := right.Data.([]int64)
		out := make([]int64, len(l))
		for i := range l {
			switch op {
			case expr.OpAdd:
				out[i] = l[i] + r[i]
			case expr.OpSub:
				out[i] = l[i] - r[i]
			case expr.OpMul:
				out[i] = l[i] * r[i]
			case expr.OpMod:
				if r[i] == 0 {
					if nulls == nil {
						nulls = roaring.New()
					}
					nulls.Add(uint32(i))
				} else {
					out[i] = l[i] % r[i]
				}
			}
		}
		return &table.Column{Type: schema.INT64, Data: out, Nulls: nulls}, nil
	}

	l, err := asFloats(left)
	if err != nil {
		return nil, err
	}
	r, err := asFloats(right)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(l))
	for i := range l {
		switch op {
		case expr.OpAdd:
			out[i] = l[i] + r[i]
		case expr.OpSub:
			out[i] = l[i] - r[i]
		case expr.OpMul:
			out[i] = l[i] * r[i]
		case expr.OpDiv:
			if r[i] == 0 {
				if nulls == nil {
					nulls = roaring.New()
				}
				nulls.Add(uint32(i))
			} else {
				out[i] = l[i] / r[i]
			}
		case expr.OpMod:
			out[i] = math.Mod(l[i], r[i])
		}
	}
	return &table.Column{Type: schema.FLOAT64, Data: out, Nulls: nulls}, nil
}

func evalComparison(op expr.BinaryOpKind, left, right *table.Column, nulls *roaring.Bitmap, rows int) (*table.Column, error) {
	out := make([]bool, rows)

	switch {
	case left.Type == schema.STRING && right.Type == schema.STRING:
		l := left.Data.([]string)
		r := right.Data.([]string)
		for i := range l {
			out[i] = compareOrdered(op, strings.Compare(l[i], r[i]))
		}
	case left.Type == schema.BOOLEAN && right.Type == schema.BOOLEAN:
		l := left.Data.([]bool)
		r := right.Data.([]bool)
		for i := range l {
			switch op {
			case expr.OpEq:
				out[i] = l[i] == r[i]
			case expr.OpNeq:
				out[i] = l[i] != r[i]
			default:
				return nil, fmt.Errorf("operator %s not defined for booleans", op)
			}
		}
	case left.Type.IsNumeric() && right.Type.IsNumeric():
		l, err := asFloats(left)
		if err != nil {
			return nil, err
		}
		r, err := asFloats(right)
		if err != nil {
			return nil, err
		}
		for i := range l {
			switch {
			case l[i] < r[i]:
				out[i] = compareOrdered(op, -1)
			case l[i] > r[i]:
				out[i] = compareOrdered(op, 1)
			default:
				out[i] = compareOrdered(op, 0)
			}
		}
	default:
		return nil, fmt.Errorf("cannot compare %s with %s", left.Type, right.Type)
	}
	return &table.Column{Type: schema.BOOLEAN, Data: out, Nulls: nulls}, nil
}

func compareOrdered(op expr.BinaryOpKind, cmp int) bool {
	switch op {
	case expr.OpLt:
		return cmp < 0
	case expr.OpGt:
		return cmp > 0
	case expr.OpEq:
		return cmp == 0
	case expr.OpNeq:
		return cmp != 0
	case expr.OpLeq:
		return cmp <= 0
	case expr.OpGeq:
		return cmp >= 0
	default:
		return false
	}
}

func evalLogical(op expr.BinaryOpKind, left, right *table.Column, nulls *roaring.Bitmap) (*table.Column, error) {
	l, ok := left.Data.([]bool)
	if !ok {
		return nil, fmt.Errorf("operator %s requires boolean operands, got %s", op, left.Type)
	}
	r, ok := right.Data.([]bool)
	if !ok {
		return nil, fmt.Errorf("operator %s requires boolean operands, got %s", op, right.Type)
	}
	out := make([]bool, len(l))
	for i := range l {
		if op == expr.OpAnd {
			out[i] = l[i] && r[i]
		} else {
			out[i] = l[i] || r[i]
		}
	}
	return &table.Column{Type: schema.BOOLEAN, Data: out, Nulls: nulls}, nil
}

func evalUnary(u *expr.UnaryOp, t *table.Table) (*table.Column, error) {
	operand, err := Evaluate(u.Operand, t)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case expr.OpNot:
		values, ok := operand.Data.([]bool)
		if !ok {
			return nil, fmt.Errorf("operator not requires a boolean operand, got %s", operand.Type)
		}
		out := make([]bool, len(values))
		for i, v := range values {
			out[i] = !v
		}
		return &table.Column{Type: schema.BOOLEAN, Data: out, Nulls: operand.Nulls}, nil
	case expr.OpNeg:
		switch data := operand.Data.(type) {
		case []int64:
			out := make([]int64, len(data))
			for i, v := range data {
				out[i] = -v
			}
			return &table.Column{Type: schema.INT64, Data: out, Nulls: operand.Nulls}, nil
		case []float64:
			out := make([]float64, len(data))
			for i, v := range data {
				out[i] = -v
			}
			return &table.Column{Type: schema.FLOAT64, Data: out, Nulls: operand.Nulls}, nil
		default:
			return nil, fmt.Errorf("operator neg requires a numeric operand, got %s", operand.Type)
		}
	default:
		return nil, fmt.Errorf("unknown unary operator %q", u.Op)
	}
}

func evalFunction(f *expr.Function, t *table.Table) (*table.Column, error) {
	args := make([]*table.Column, len(f.Args))
	for i, arg := range f.Args {
		col, err := Evaluate(arg, t)
		if err != nil {
			return nil, err
		}
		args[i] = col
	}

	switch f.Name {
	case "abs":
		switch data := args[0].Data.(type) {
		case []int64:
			out := make([]int64, len(data))
			for i, v := range data {
				if v < 0 {
					v = -v
				}
				out[i] = v
			}
			return &table.Column{Type: schema.INT64, Data: out, Nulls: args[0].Nulls}, nil
		case []float64:
			out := make([]float64, len(data))
			for i, v := range data {
				out[i] = math.Abs(v)
			}
			return &table.Column{Type: schema.FLOAT64, Data: out, Nulls: args[0].Nulls}, nil
		default:
			return nil, fmt.Errorf("abs requires a numeric argument")
		}
	case "upper", "lower":
		data, ok := args[0].Data.([]string)
		if !ok {
			return nil, fmt.Errorf("%s requires a string argument", f.Name)
		}
		out := make([]string, len(data))
		for i, v := range data {
			if f.Name == "upper" {
				out[i] = strings.ToUpper(v)
			} else {
				out[i] = strings.ToLower(v)
			}
		}
		return &table.Column{Type: schema.STRING, Data: out, Nulls: args[0].Nulls}, nil
	case "length":
		data, ok := args[0].Data.([]string)
		if !ok {
			return nil, fmt.Errorf("length requires a string argument")
		}
		out := make([]int64, len(data))
		for i, v := range data {
			out[i] = int64(len(v))
		}
		return &table.Column{Type: schema.INT64, Data: out, Nulls: args[0].Nulls}, nil
	default:
		return nil, fmt.Errorf("unknown function %q", f.Name)
	}
}

func evalCase(c *expr.CaseWhen, t *table.Table) (*table.Column, error) {
	rows := t.NumRows()

	conditions := make([][]bool, len(c.Branches))
	thens := make([]*table.Column, len(c.Branches))
	for i, br := range c.Branches {
		cond, err := Evaluate(br.When, t)
		if err != nil {
			return nil, err
		}
		values, ok := cond.Data.([]bool)
		if !ok {
			return nil, fmt.Errorf("when condition %d is %s, expected boolean", i, cond.Type)
		}
		conditions[i] = values
		then, err := Evaluate(br.Then, t)
		if err != nil {
			return nil, err
		}
		thens[i] = then
	}

	var elseCol *table.Column
	if c.Else != nil {
		col, err := Evaluate(c.Else, t)
		if err != nil {
			return nil, err
		}
		elseCol = col
	}

	// Result type follows the first branch, with mixed numerics promoted
	resultType := thens[0].Type
	for _, col := range thens[1:] {
		if col.Type != resultType {
			resultType = schema.FLOAT64
		}
	}
	if elseCol != nil && elseCol.Type != resultType && elseCol.Type.IsNumeric() && resultType.IsNumeric() {
		resultType = schema.FLOAT64
	}

	nulls := roaring.New()
	pick := func(i int) (*table.Column, bool) {
		for bi := range c.Branches {
			if conditions[bi][i] {
				return thens[bi], true
			}
		}
		if elseCol != nil {
			return elseCol, true
		}
		return nil, false
	}

	out := &table.Column{Type: resultType}
	switch resultType {
	case schema.INT64:
		data := make([]int64, rows)
		for i := 0; i < rows; i++ {
			src, ok := pick(i)
			if !ok || src.IsNull(i) {
				nulls.Add(uint32(i))
				continue
			}
			data[i] = src.Data.([]int64)[i]
		}
		out.Data = data
	case schema.FLOAT64:
		data := make([]float64, rows)
		for i := 0; i < rows; i++ {
			src, ok := pick(i)
			if !ok || src.IsNull(i) {
				nulls.Add(uint32(i))
				continue
			}
			data[i] = numericAt(src, i)
		}
		out.Data = data
	case schema.STRING:
		data := make([]string, rows)
		for i := 0; i < rows; i++ {
			src, ok := pick(i)
			if !ok || src.IsNull(i) {
				nulls.Add(uint32(i))
				continue
			}
			data[i] = src.Data.([]string)[i]
		}
		out.Data = data
	case schema.BOOLEAN:
		data := make([]bool, rows)
		for i := 0; i < rows; i++ {
			src, ok := pick(i)
			if !ok || src.IsNull(i) {
				nulls.Add(uint32(i))
				continue
			}
			data[i] = src.Data.([]bool)[i]
		}
		out.Data = data
	}
	if !nulls.IsEmpty() {
		out.Nulls = nulls
	}
	return out, nil
}

func asFloats(col *table.Column) ([]float64, error) {
	switch data := col.Data.(type) {
	case []float64:
		return data, nil
	case []int64:
		out := make([]float64, len(data))
		for i, v := range data {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("column type %s is not numeric", col.Type)
	}
}

func numericAt(col *table.Column, i int) float64 {
	switch data := col.Data.(type) {
	case []float64:
		return data[i]
	case []int64:
		return float64(data[i])
	default:
		return 0
	}
}

func unionNulls(a, b *roaring.Bitmap) *roaring.Bitmap {
	if a == nil && b == nil {
		return nil
	}
	out := roaring.New()
	if a != nil {
		out.Or(a)
	}
	if b != nil {
		out.Or(b)
	}
	return out
}
