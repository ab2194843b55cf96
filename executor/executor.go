// Package executor runs compiled plans against a named environment of
// columnar tables. Execution within a rank is single-threaded: nodes run
// strictly in the compiler-assigned topological order, and the only blocking
// points are exchange operators waiting on peer ranks.
package executor

import (
	"context"
	"fmt"
	"strings"

	"tensorq/plan"
	"tensorq/table"
)

// Environment maps names to tables during one execution. Seeded with the
// caller's input tables; each node's output is added under the node's output
// name. A name, once written, is never rewritten (write-once).
type Environment map[string]*table.Table

// MissingInputError reports an input name absent from the environment when a
// node runs. With a validated plan this can only mean the caller's seed set
// was incomplete.
type MissingInputError struct {
	Node  string
	Input string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("node %q: input %q not present in environment", e.Node, e.Input)
}

// DuplicateOutputError reports a node writing an output name that already
// exists. The compiler guarantees unique names, so this indicates a compiler
// bug, not a recoverable runtime condition.
type DuplicateOutputError struct {
	Node   string
	Output string
}

func (e *DuplicateOutputError) Error() string {
	return fmt.Sprintf("node %q: output name %q already exists in environment", e.Node, e.Output)
}

// EmptyPlanError reports execution of a plan with no nodes
type EmptyPlanError struct{}

func (e *EmptyPlanError) Error() string {
	return "cannot execute an empty plan"
}

// OperatorExecutionError wraps a failure inside an operator implementation,
// attaching the node identifier and the input schemas it ran against.
type OperatorExecutionError struct {
	Node         string
	InputSchemas []string
	Err          error
}

func (e *OperatorExecutionError) Error() string {
	return fmt.Sprintf("node %q failed (inputs: %s): %v",
		e.Node, strings.Join(e.InputSchemas, " | "), e.Err)
}

func (e *OperatorExecutionError) Unwrap() error { return e.Err }

// Execute runs the plan against the seed tables and returns the final
// environment. The plan's declared output is always retained; intermediate
// tables are released as soon as no remaining node references them.
func Execute(ctx context.Context, p *plan.Plan, seeds map[string]*table.Table) (Environment, error) {
	if p == nil || len(p.Nodes) == 0 {
		return nil, &EmptyPlanError{}
	}

	env := make(Environment, len(seeds)+len(p.Nodes))
	for name, t := range seeds {
		env[name] = t
	}

	// Remaining-consumer counts drive table release: a name is live while
	// some unexecuted node still lists it as an input.
	remaining := make(map[string]int)
	for _, node := range p.Nodes {
		for _, input := range node.Inputs {
			remaining[input]++
		}
	}

	for _, node := range p.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		op := node.Operator()
		if op == nil {
			return nil, fmt.Errorf("node %q: %w", node.Output, &plan.UnboundOperatorError{Kind: node.Op})
		}

		inputs := make([]*table.Table, len(node.Inputs))
		for i, name := range node.Inputs {
			t, ok := env[name]
			if !ok {
				return nil, &MissingInputError{Node: node.Output, Input: name}
			}
			inputs[i] = t
		}

		result, err := op(ctx, inputs, node.Params)
		if err != nil {
			return nil, &OperatorExecutionError{
				Node:         node.Output,
				InputSchemas: inputSchemas(inputs),
				Err:          err,
			}
		}
		if result == nil {
			return nil, &OperatorExecutionError{
				Node:         node.Output,
				InputSchemas: inputSchemas(inputs),
				Err:          fmt.Errorf("operator returned no table"),
			}
		}

		if _, exists := env[node.Output]; exists {
			return nil, &DuplicateOutputError{Node: node.Output, Output: node.Output}
		}
		env[node.Output] = result

		// Release inputs no remaining node needs. The final output is
		// always retained for the caller.
		for _, name := range node.Inputs {
			remaining[name]--
			if remaining[name] == 0 && name != p.Output {
				delete(env, name)
			}
		}
	}

	if _, ok := env[p.Output]; !ok {
		return nil, &MissingInputError{Node: "plan", Input: p.Output}
	}
	return env, nil
}

func inputSchemas(inputs []*table.Table) []string {
	out := make([]string, len(inputs))
	for i, t := range inputs {
		out[i] = t.Schema().String()
	}
	return out
}
