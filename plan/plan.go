// Package plan holds the compiled, validated form of an IR graph: a list of
// named operator nodes whose input/output names form a DAG in stored
// topological order.
package plan

import (
	"context"
	"fmt"

	"tensorq/expr"
	"tensorq/ir"
	"tensorq/table"
)

// Params is the operator parameter map carried by every plan node
type Params map[string]interface{}

// Expr returns an expression-valued parameter
func (p Params) Expr(key string) (expr.Expr, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", key)
	}
	e, ok := v.(expr.Expr)
	if !ok {
		return nil, fmt.Errorf("parameter %q is %T, expected expression", key, v)
	}
	return e, nil
}

// Strings returns a string-slice parameter; a missing key yields nil
func (p Params) Strings(key string) ([]string, error) {
	v, ok := p[key]
	if !ok {
		return nil, nil
	}
	s, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("parameter %q is %T, expected []string", key, v)
	}
	return s, nil
}

// String returns a string parameter
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q is %T, expected string", key, v)
	}
	return s, nil
}

// Int returns an integer parameter
func (p Params) Int(key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %q is %T, expected int", key, v)
	}
}

// Operator is the single fixed operator contract: an ordered list of
// resolved input tables plus the node's parameter map, producing one table.
// Exchange operators may block on other ranks inside the call; the executor
// treats them like any other operator.
type Operator func(ctx context.Context, inputs []*table.Table, params Params) (*table.Table, error)

// Node is one compiled plan node. Inputs are resolved by name against the
// execution environment, in declared order; a binary join's left and right
// sides are Inputs[0] and Inputs[1].
type Node struct {
	Op     ir.OpKind `json:"op"`
	Inputs []string  `json:"inputs"`
	Output string    `json:"output"`
	Params Params    `json:"params,omitempty"`

	operator Operator
}

// Operator returns the bound operator implementation, or nil for a plan that
// was deserialized and not yet rebound.
func (n *Node) Operator() Operator { return n.operator }

// WithOperator returns a copy of the node bound to the given implementation
func (n *Node) WithOperator(op Operator) *Node {
	out := *n
	out.operator = op
	return &out
}

// Plan is a compiled operator plan. Nodes are stored in the topological
// order assigned by the compiler; executing them in this order guarantees
// every input is produced before it is consumed.
type Plan struct {
	ID     string  `json:"id"`
	Nodes  []*Node `json:"nodes"`
	Output string  `json:"output"`
}

// SeedTables returns the names of the external input tables the plan's scan
// nodes reference, deduplicated in first-reference order.
func (p *Plan) SeedTables() []string {
	seen := make(map[string]bool)
	var seeds []string
	for _, node := range p.Nodes {
		if node.Op != ir.OpScan {
			continue
		}
		for _, name := range node.Inputs {
			if !seen[name] {
				seen[name] = true
				seeds = append(seeds, name)
			}
		}
	}
	return seeds
}

// Node returns the plan node producing the given output name, or nil
func (p *Plan) Node(output string) *Node {
	for _, node := range p.Nodes {
		if node.Output == output {
			return node
		}
	}
	return nil
}
