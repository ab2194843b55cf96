package plan

import (
	"fmt"

	"github.com/google/uuid"

	"tensorq/ir"
)

// Compile lowers an IR graph into a validated plan. Nodes are emitted in
// dependency order with a post-order traversal that preserves the graph's
// child order, so recompiling an unchanged graph always yields an identical
// node ordering and naming. Every node is bound to an implementation from
// the registry; a kind with no registered implementation fails with
// UnboundOperatorError. The emitted plan is statically validated before it
// is returned: structurally invalid plans never reach the executor.
func Compile(root *ir.Node, registry *Registry) (*Plan, error) {
	if root == nil {
		return nil, &PlanValidationError{NodeID: "", Message: "nil ir graph"}
	}
	if err := ir.Validate(root); err != nil {
		return nil, err
	}

	c := &compiler{
		registry: registry,
		names:    make(map[*ir.Node]string),
		taken:    make(map[string]bool),
		counters: make(map[ir.OpKind]int),
	}
	rootName, err := c.lower(root)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		ID:     uuid.NewString(),
		Nodes:  c.nodes,
		Output: rootName,
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

type compiler struct {
	registry *Registry
	nodes    []*Node
	names    map[*ir.Node]string // fan-out: a shared child is lowered once
	taken    map[string]bool
	counters map[ir.OpKind]int
}

func (c *compiler) lower(node *ir.Node) (string, error) {
	if name, done := c.names[node]; done {
		return name, nil
	}

	inputs := make([]string, 0, len(node.Children()))
	for _, child := range node.Children() {
		childName, err := c.lower(child)
		if err != nil {
			return "", err
		}
		inputs = append(inputs, childName)
	}

	if node.Schema() == nil {
		return "", &PlanValidationError{NodeID: string(node.Kind()), Message: "node has no output schema"}
	}

	op, bound := c.registry.Lookup(node.Kind())
	if !bound {
		return "", &UnboundOperatorError{Kind: node.Kind()}
	}

	params := Params{}
	for key, value := range node.Params() {
		params[key] = value
	}

	// A scan's single input is the seed table it reads
	if node.Kind() == ir.OpScan {
		tableName, err := params.String("table")
		if err != nil {
			return "", &PlanValidationError{NodeID: string(node.Kind()), Message: err.Error()}
		}
		inputs = []string{tableName}
	}

	output := c.assignName(node, params)
	c.names[node] = output
	c.nodes = append(c.nodes, &Node{
		Op:       node.Kind(),
		Inputs:   inputs,
		Output:   output,
		Params:   params,
		operator: op,
	})
	return output, nil
}

// assignName produces a unique, deterministic output name. Scans are named
// after their table ("scan_lineitem"); other kinds get a per-kind sequence
// number.
func (c *compiler) assignName(node *ir.Node, params Params) string {
	var base string
	if node.Kind() == ir.OpScan {
		tableName, _ := params.String("table")
		base = fmt.Sprintf("scan_%s", tableName)
	} else {
		c.counters[node.Kind()]++
		base = fmt.Sprintf("%s_%d", node.Kind(), c.counters[node.Kind()])
	}

	name := base
	for suffix := 2; c.taken[name]; suffix++ {
		name = fmt.Sprintf("%s_%d", base, suffix)
	}
	c.taken[name] = true
	return name
}

// Validate statically checks a plan's structure: every input name must be a
// seed table or the output of an earlier node, arity must match the operator
// kind, and output names must be unique. Violations carry the offending
// node's output name.
func Validate(p *Plan) error {
	available := make(map[string]bool)
	for _, seed := range p.SeedTables() {
		available[seed] = true
	}

	produced := make(map[string]bool)
	for _, node := range p.Nodes {
		if node.Output == "" {
			return &PlanValidationError{NodeID: string(node.Op), Message: "node has no output name"}
		}
		if produced[node.Output] {
			return &PlanValidationError{NodeID: node.Output, Message: "duplicate output name"}
		}

		if err := checkArity(node); err != nil {
			return err
		}

		for _, input := range node.Inputs {
			if !available[input] {
				return &PlanValidationError{
					NodeID:  node.Output,
					Message: fmt.Sprintf("input %q is neither a seed table nor a prior output", input),
				}
			}
		}

		produced[node.Output] = true
		available[node.Output] = true
	}

	if p.Output != "" && !produced[p.Output] {
		return &PlanValidationError{NodeID: p.Output, Message: "declared final output is not produced by any node"}
	}
	return nil
}

func checkArity(node *Node) error {
	min, max := arityFor(node.Op)
	n := len(node.Inputs)
	if n < min || (max >= 0 && n > max) {
		want := fmt.Sprintf("%d", min)
		if max < 0 {
			want = fmt.Sprintf("at least %d", min)
		} else if max != min {
			want = fmt.Sprintf("%d..%d", min, max)
		}
		return &PlanValidationError{
			NodeID:  node.Output,
			Message: fmt.Sprintf("operator %s expects %s input(s), got %d", node.Op, want, n),
		}
	}
	return nil
}

// arityFor returns the allowed input count per operator kind; max -1 means
// unbounded.
func arityFor(kind ir.OpKind) (min, max int) {
	switch kind {
	case ir.OpJoin:
		return 2, 2
	case ir.OpUDF:
		return 1, -1
	default:
		return 1, 1
	}
}
