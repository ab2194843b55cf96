// Package ir defines the engine-neutral operator graph that sits between a
// source query plan and the compiled operator plan. Nodes are immutable once
// constructed: each constructor checks child arity and parameter types and
// derives the node's output schema, so a malformed graph is rejected at
// construction rather than at run time.
package ir

import (
	"fmt"

	"tensorq/expr"
	"tensorq/schema"
)

// OpKind identifies a relational operator kind
type OpKind string

const (
	OpScan      OpKind = "scan"
	OpFilter    OpKind = "filter"
	OpProject   OpKind = "project"
	OpAggregate OpKind = "aggregate"
	OpJoin      OpKind = "join"
	OpSort      OpKind = "sort"
	OpLimit     OpKind = "limit"
	OpWindow    OpKind = "window"
	OpExchange  OpKind = "exchange"
	OpUDF       OpKind = "udf"
)

// Node is one operator in the IR graph. Children are the node's ordered
// inputs; the same node may be a child of several parents (fan-out).
type Node struct {
	kind     OpKind
	children []*Node
	schema   *schema.Schema
	params   map[string]interface{}
}

// Kind returns the node's operator kind
func (n *Node) Kind() OpKind { return n.kind }

// Children returns the node's ordered child nodes
func (n *Node) Children() []*Node { return n.children }

// Schema returns the node's derived output schema
func (n *Node) Schema() *schema.Schema { return n.schema }

// Params returns the node's operator parameters. The map must not be mutated.
func (n *Node) Params() map[string]interface{} { return n.params }

// AggFunc enumerates aggregate functions
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

// AggSpec describes one aggregate: a function applied to a column. The
// produced attribute is named "<func>_<column>" unless As overrides it.
type AggSpec struct {
	Func   AggFunc `json:"func"`
	Column string  `json:"column"`
	As     string  `json:"as,omitempty"`
}

// OutputName returns the attribute name the aggregate produces
func (a AggSpec) OutputName() string {
	if a.As != "" {
		return a.As
	}
	return fmt.Sprintf("%s_%s", a.Func, a.Column)
}

// SortKey describes one sort ordering component
type SortKey struct {
	Column    string `json:"column"`
	Ascending bool   `json:"ascending"`
}

// ProjectColumn binds an output attribute name to an expression
type ProjectColumn struct {
	Name string    `json:"name"`
	Expr expr.Expr `json:"expr"`
}

// WindowFunc enumerates window functions
type WindowFunc string

const (
	WinRowNumber  WindowFunc = "row_number"
	WinRank       WindowFunc = "rank"
	WinRunningSum WindowFunc = "running_sum"
)

// WindowSpec describes a window computation appended as a new column
type WindowSpec struct {
	Func        WindowFunc `json:"func"`
	Column      string     `json:"column,omitempty"` // value column for running_sum
	PartitionBy []string   `json:"partition_by,omitempty"`
	OrderBy     []SortKey  `json:"order_by,omitempty"`
	As          string     `json:"as"`
}

// ExchangeKind identifies the collective an exchange node performs
type ExchangeKind string

const (
	ExchangeShuffle   ExchangeKind = "shuffle"
	ExchangeBroadcast ExchangeKind = "broadcast"
	ExchangeAllReduce ExchangeKind = "all_reduce"
)

// Scan produces a named seed table with a known schema. The table itself is
// supplied to the executor at run time.
func Scan(tableName string, tableSchema *schema.Schema) (*Node, error) {
	if tableName == "" {
		return nil, schema.Errorf("scan requires a table name")
	}
	if tableSchema == nil || tableSchema.Len() == 0 {
		return nil, schema.Errorf("scan %q requires a non-empty schema", tableName)
	}
	return &Node{
		kind:   OpScan,
		schema: tableSchema,
		params: map[string]interface{}{"table": tableName},
	}, nil
}

// Filter keeps the child's rows satisfying a boolean predicate. The output
// schema equals the child's schema.
func Filter(child *Node, predicate expr.Expr) (*Node, error) {
	if child == nil {
		return nil, schema.Errorf("filter requires exactly one child")
	}
	dt, err := predicate.Resolve(child.schema)
	if err != nil {
		return nil, err
	}
	if dt != schema.BOOLEAN {
		return nil, schema.Errorf("filter predicate must be boolean, got %s", dt)
	}
	return &Node{
		kind:     OpFilter,
		children: []*Node{child},
		schema:   child.schema,
		params:   map[string]interface{}{"predicate": predicate},
	}, nil
}

// Project computes one output column per expression. The output schema is
// the ordered list of the expressions' result types.
func Project(child *Node, columns []ProjectColumn) (*Node, error) {
	if child == nil {
		return nil, schema.Errorf("project requires exactly one child")
	}
	if len(columns) == 0 {
		return nil, schema.Errorf("project requires at least one column")
	}
	attrs := make([]schema.Attribute, len(columns))
	for i, pc := range columns {
		dt, err := pc.Expr.Resolve(child.schema)
		if err != nil {
			return nil, err
		}
		attrs[i] = schema.Attribute{Name: pc.Name, Type: dt, Nullable: true}
	}
	outSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}
	return &Node{
		kind:     OpProject,
		children: []*Node{child},
		schema:   outSchema,
		params:   map[string]interface{}{"columns": columns},
	}, nil
}

// Aggregate groups the child by the given key columns and computes one
// attribute per aggregate spec. With no grouping keys the result is a single
// global row.
func Aggregate(child *Node, groupBy []string, aggs []AggSpec) (*Node, error) {
	if child == nil {
		return nil, schema.Errorf("aggregate requires exactly one child")
	}
	if len(aggs) == 0 {
		return nil, schema.Errorf("aggregate requires at least one aggregate function")
	}

	attrs := make([]schema.Attribute, 0, len(groupBy)+len(aggs))
	for _, key := range groupBy {
		attr, ok := child.schema.Lookup(key)
		if !ok {
			return nil, schema.Errorf("aggregate group key %q not in child schema (%s)", key, child.schema)
		}
		attrs = append(attrs, attr)
	}
	for _, agg := range aggs {
		attr, err := aggResultAttr(child.schema, agg)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	outSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}
	return &Node{
		kind:     OpAggregate,
		children: []*Node{child},
		schema:   outSchema,
		params: map[string]interface{}{
			"group_by":   groupBy,
			"aggregates": aggs,
		},
	}, nil
}

func aggResultAttr(child *schema.Schema, agg AggSpec) (schema.Attribute, error) {
	colAttr, ok := child.Lookup(agg.Column)
	if !ok {
		return schema.Attribute{}, schema.Errorf("aggregate column %q not in child schema (%s)", agg.Column, child)
	}
	var dt schema.DataType
	switch agg.Func {
	case AggCount:
		dt = schema.INT64
	case AggAvg:
		if !colAttr.Type.IsNumeric() {
			return schema.Attribute{}, schema.Errorf("avg requires a numeric column, %q is %s", agg.Column, colAttr.Type)
		}
		dt = schema.FLOAT64
	case AggSum:
		if !colAttr.Type.IsNumeric() {
			return schema.Attribute{}, schema.Errorf("sum requires a numeric column, %q is %s", agg.Column, colAttr.Type)
		}
		dt = colAttr.Type
	case AggMin, AggMax:
		dt = colAttr.Type
	default:
		return schema.Attribute{}, schema.Errorf("unknown aggregate function %q", agg.Func)
	}
	return schema.Attribute{Name: agg.OutputName(), Type: dt, Nullable: true}, nil
}

// RightQualifier prefixes right-side join attributes whose names collide
// with the left side.
const RightQualifier = "right_"

// Join is an inner equi-join of exactly two children on one key column per
// side. The output schema is the concatenation of both children's schemas;
// right-side attributes colliding with left-side names are qualified with
// RightQualifier.
func Join(left, right *Node, leftKey, rightKey string) (*Node, error) {
	if left == nil || right == nil {
		return nil, schema.Errorf("join requires exactly two children")
	}
	leftAttr, ok := left.schema.Lookup(leftKey)
	if !ok {
		return nil, schema.Errorf("join left key %q not in left schema (%s)", leftKey, left.schema)
	}
	rightAttr, ok := right.schema.Lookup(rightKey)
	if !ok {
		return nil, schema.Errorf("join right key %q not in right schema (%s)", rightKey, right.schema)
	}
	if leftAttr.Type != rightAttr.Type {
		return nil, schema.Errorf("join key type mismatch: %s vs %s", leftAttr.Type, rightAttr.Type)
	}

	outSchema, err := schema.Concat(left.schema, right.schema, RightQualifier)
	if err != nil {
		return nil, err
	}
	return &Node{
		kind:     OpJoin,
		children: []*Node{left, right},
		schema:   outSchema,
		params: map[string]interface{}{
			"left_key":  leftKey,
			"right_key": rightKey,
		},
	}, nil
}

// Sort orders the child's rows by the given keys. Stable.
func Sort(child *Node, keys []SortKey) (*Node, error) {
	if child == nil {
		return nil, schema.Errorf("sort requires exactly one child")
	}
	if len(keys) == 0 {
		return nil, schema.Errorf("sort requires at least one key")
	}
	for _, key := range keys {
		if _, ok := child.schema.Lookup(key.Column); !ok {
			return nil, schema.Errorf("sort key %q not in child schema (%s)", key.Column, child.schema)
		}
	}
	return &Node{
		kind:     OpSort,
		children: []*Node{child},
		schema:   child.schema,
		params:   map[string]interface{}{"keys": keys},
	}, nil
}

// Limit keeps the first n rows of the child
func Limit(child *Node, n int) (*Node, error) {
	if child == nil {
		return nil, schema.Errorf("limit requires exactly one child")
	}
	if n < 0 {
		return nil, schema.Errorf("limit count must be non-negative, got %d", n)
	}
	return &Node{
		kind:     OpLimit,
		children: []*Node{child},
		schema:   child.schema,
		params:   map[string]interface{}{"limit": n},
	}, nil
}

// Window appends one computed window column to the child's schema
func Window(child *Node, spec WindowSpec) (*Node, error) {
	if child == nil {
		return nil, schema.Errorf("window requires exactly one child")
	}
	if spec.As == "" {
		return nil, schema.Errorf("window requires an output column name")
	}
	for _, key := range spec.PartitionBy {
		if _, ok := child.schema.Lookup(key); !ok {
			return nil, schema.Errorf("window partition key %q not in child schema (%s)", key, child.schema)
		}
	}
	for _, key := range spec.OrderBy {
		if _, ok := child.schema.Lookup(key.Column); !ok {
			return nil, schema.Errorf("window order key %q not in child schema (%s)", key.Column, child.schema)
		}
	}

	var dt schema.DataType
	switch spec.Func {
	case WinRowNumber, WinRank:
		dt = schema.INT64
	case WinRunningSum:
		attr, ok := child.schema.Lookup(spec.Column)
		if !ok {
			return nil, schema.Errorf("window value column %q not in child schema (%s)", spec.Column, child.schema)
		}
		if !attr.Type.IsNumeric() {
			return nil, schema.Errorf("running_sum requires a numeric column, %q is %s", spec.Column, attr.Type)
		}
		dt = attr.Type
	default:
		return nil, schema.Errorf("unknown window function %q", spec.Func)
	}

	attrs := append(child.schema.Attrs(), schema.Attribute{Name: spec.As, Type: dt, Nullable: true})
	outSchema, err := schema.New(attrs...)
	if err != nil {
		return nil, err
	}
	return &Node{
		kind:     OpWindow,
		children: []*Node{child},
		schema:   outSchema,
		params:   map[string]interface{}{"window": spec},
	}, nil
}

// UDF invokes a registered user function over the children's tables. The
// caller declares the output schema, since the core cannot derive it.
func UDF(name string, outSchema *schema.Schema, children ...*Node) (*Node, error) {
	if name == "" {
		return nil, schema.Errorf("udf requires a function name")
	}
	if outSchema == nil {
		return nil, schema.Errorf("udf %q requires a declared output schema", name)
	}
	if len(children) == 0 {
		return nil, schema.Errorf("udf %q requires at least one child", name)
	}
	for _, child := range children {
		if child == nil {
			return nil, schema.Errorf("udf %q has a nil child", name)
		}
	}
	return &Node{
		kind:     OpUDF,
		children: children,
		schema:   outSchema,
		params:   map[string]interface{}{"udf": name},
	}, nil
}

// Exchange redistributes or replicates the child's rows across ranks. On a
// single rank it is an identity operation. Exchange nodes are normally
// inserted by the distributed exchange planner, not built by frontends.
func Exchange(child *Node, kind ExchangeKind, keys []string) (*Node, error) {
	if child == nil {
		return nil, schema.Errorf("exchange requires exactly one child")
	}
	switch kind {
	case ExchangeShuffle:
		if len(keys) == 0 {
			return nil, schema.Errorf("shuffle exchange requires at least one key")
		}
		for _, key := range keys {
			if _, ok := child.schema.Lookup(key); !ok {
				return nil, schema.Errorf("exchange key %q not in child schema (%s)", key, child.schema)
			}
		}
	case ExchangeBroadcast, ExchangeAllReduce:
	default:
		return nil, schema.Errorf("unknown exchange kind %q", kind)
	}
	return &Node{
		kind:     OpExchange,
		children: []*Node{child},
		schema:   child.schema,
		params: map[string]interface{}{
			"exchange": kind,
			"keys":     keys,
		},
	}, nil
}
