package exchange

import (
	"fmt"

	"github.com/google/uuid"

	"tensorq/expr"
	"tensorq/ir"
	"tensorq/operators"
	"tensorq/plan"
)

// distState tracks what the planner knows about an intermediate result:
// whether it is replicated on every rank, which keys its rows are hash
// partitioned on (nil when arbitrary), and a rough per-rank byte estimate.
type distState struct {
	replicated bool
	keys       []string
	bytes      int64
}

// PlanExchanges rewrites a compiled plan for execution across the given
// partitioning's ranks, inserting exchange nodes where multi-rank
// correctness requires data movement. The transformation is pure: it
// performs no I/O and leaves the input plan untouched. The returned plan
// must be rebound (plan.Bind) against a rank's registry before execution,
// since exchange operators are rank-specific.
//
// With a single rank the plan is returned unchanged: exchanges only exist
// where peers exist.
func PlanExchanges(p *plan.Plan, part Partitioning, opts Options) (*plan.Plan, error) {
	if part.Ranks < 1 {
		return nil, fmt.Errorf("partitioning must declare at least 1 rank, got %d", part.Ranks)
	}
	if part.Ranks == 1 {
		return p, nil
	}

	pl := &exchangePlanner{
		part:   part,
		opts:   opts,
		states: make(map[string]distState),
		out:    &plan.Plan{ID: uuid.NewString(), Output: p.Output},
	}

	for _, node := range p.Nodes {
		if err := pl.visit(node); err != nil {
			return nil, err
		}
	}
	pl.gatherRoot(p.Output)

	if err := plan.Validate(pl.out); err != nil {
		return nil, err
	}
	return pl.out, nil
}

type exchangePlanner struct {
	part   Partitioning
	opts   Options
	states map[string]distState
	out    *plan.Plan

	shuffleSeq   int
	broadcastSeq int
	gatherSeq    int
}

func (pl *exchangePlanner) visit(node *plan.Node) error {
	switch node.Op {
	case ir.OpScan:
		seed := node.Inputs[0]
		pl.emit(node)
		pl.states[node.Output] = distState{
			keys:  pl.part.SeedKeys[seed],
			bytes: pl.part.SeedBytes[seed] / int64(pl.part.Ranks),
		}
		return nil

	case ir.OpJoin:
		return pl.visitJoin(node)

	case ir.OpAggregate:
		return pl.visitAggregate(node)

	case ir.OpSort, ir.OpLimit, ir.OpWindow:
		// Order-sensitive operators must see the whole dataset wherever they
		// sit in the plan: a per-rank sort, limit, or window over a shard
		// computes a different relation than the same operator over all rows.
		// Gather the input so every rank evaluates the full result.
		if !pl.state(node.Inputs[0]).replicated {
			gathered := pl.insertAllReduce(node.Inputs[0])
			node = rewireInput(node, 0, gathered)
		}
		pl.emit(node)
		pl.states[node.Output] = pl.state(node.Inputs[0])
		return nil

	case ir.OpFilter:
		pl.emit(node)
		in := pl.state(node.Inputs[0])
		in.bytes /= 2
		pl.states[node.Output] = in
		return nil

	case ir.OpProject:
		pl.emit(node)
		pl.states[node.Output] = pl.projectState(node)
		return nil

	default:
		pl.emit(node)
		pl.states[node.Output] = distState{replicated: allReplicated(pl, node.Inputs)}
		return nil
	}
}

// visitJoin aligns both join sides on their key columns. A right side whose
// estimated size is at or below the broadcast threshold is replicated
// instead of shuffling both sides.
func (pl *exchangePlanner) visitJoin(node *plan.Node) error {
	leftKey, err := node.Params.String("left_key")
	if err != nil {
		return err
	}
	rightKey, err := node.Params.String("right_key")
	if err != nil {
		return err
	}

	left := pl.state(node.Inputs[0])
	right := pl.state(node.Inputs[1])

	if !left.replicated && !right.replicated &&
		pl.opts.BroadcastThreshold > 0 && right.bytes > 0 && right.bytes <= pl.opts.BroadcastThreshold {
		replica := pl.insertBroadcast(node.Inputs[1])
		node = rewireInput(node, 1, replica)
		right = pl.state(replica)
	}

	if !left.replicated && !alignedOn(left, []string{leftKey}) && !right.replicated {
		shuffled := pl.insertShuffle(node.Inputs[0], []string{leftKey})
		node = rewireInput(node, 0, shuffled)
		left = pl.state(shuffled)
	}
	if !right.replicated && !alignedOn(right, []string{rightKey}) && !left.replicated {
		shuffled := pl.insertShuffle(node.Inputs[1], []string{rightKey})
		node = rewireInput(node, 1, shuffled)
		right = pl.state(shuffled)
	}

	pl.emit(node)
	outState := distState{bytes: left.bytes + right.bytes}
	switch {
	case left.replicated && right.replicated:
		outState.replicated = true
	case left.replicated:
		outState.keys = right.keys
	default:
		outState.keys = []string{leftKey}
	}
	pl.states[node.Output] = outState
	return nil
}

// visitAggregate redistributes rows so every group is wholly owned by one
// rank. Grouped aggregates shuffle on the group keys, optionally with a
// partial pass before the shuffle so only condensed state moves; global
// aggregates combine per-rank partial state with an all-reduce.
func (pl *exchangePlanner) visitAggregate(node *plan.Node) error {
	groupBy, err := node.Params.Strings("group_by")
	if err != nil {
		return err
	}
	in := pl.state(node.Inputs[0])

	if in.replicated {
		// Every rank already sees all rows; a local pass is complete
		pl.emit(node)
		pl.states[node.Output] = distState{replicated: true}
		return nil
	}

	if len(groupBy) == 0 {
		// Global aggregate: partial state per rank, merged across ranks,
		// finalized identically everywhere.
		partialName := "partial_" + node.Output
		pl.emit(withParam(node, partialName, node.Inputs, "mode", operators.AggModePartial))

		merged := pl.insertAllReduce(partialName)
		pl.emit(withParam(node, node.Output, []string{merged}, "mode", operators.AggModeFinal))
		pl.states[node.Output] = distState{replicated: true}
		return nil
	}

	if alignedOn(in, groupBy) {
		pl.emit(node)
		pl.states[node.Output] = distState{keys: groupBy, bytes: in.bytes / 4}
		return nil
	}

	if pl.opts.PartialAggregation {
		partialName := "partial_" + node.Output
		pl.emit(withParam(node, partialName, node.Inputs, "mode", operators.AggModePartial))

		shuffled := pl.insertShuffle(partialName, groupBy)
		pl.emit(withParam(node, node.Output, []string{shuffled}, "mode", operators.AggModeFinal))
	} else {
		shuffled := pl.insertShuffle(node.Inputs[0], groupBy)
		pl.emit(rewireInput(node, 0, shuffled))
	}
	pl.states[node.Output] = distState{keys: groupBy, bytes: in.bytes / 4}
	return nil
}

// gatherRoot ensures the declared final output holds the complete result on
// every rank: a partitioned root is renamed aside and gathered back under
// the original name.
func (pl *exchangePlanner) gatherRoot(finalOutput string) {
	if pl.state(finalOutput).replicated {
		return
	}
	local := finalOutput + "__local"
	for i, node := range pl.out.Nodes {
		if node.Output == finalOutput {
			renamed := *node
			renamed.Output = local
			pl.out.Nodes[i] = &renamed
			break
		}
	}
	pl.out.Nodes = append(pl.out.Nodes, &plan.Node{
		Op:     ir.OpExchange,
		Inputs: []string{local},
		Output: finalOutput,
		Params: plan.Params{"exchange": ir.ExchangeAllReduce, "keys": []string(nil)},
	})
	pl.states[finalOutput] = distState{replicated: true}
}

func (pl *exchangePlanner) emit(node *plan.Node) {
	pl.out.Nodes = append(pl.out.Nodes, node)
}

func (pl *exchangePlanner) state(name string) distState {
	return pl.states[name]
}

func (pl *exchangePlanner) insertShuffle(input string, keys []string) string {
	pl.shuffleSeq++
	output := fmt.Sprintf("shuffle_%d", pl.shuffleSeq)
	pl.emit(&plan.Node{
		Op:     ir.OpExchange,
		Inputs: []string{input},
		Output: output,
		Params: plan.Params{"exchange": ir.ExchangeShuffle, "keys": keys},
	})
	in := pl.state(input)
	pl.states[output] = distState{keys: keys, bytes: in.bytes}
	return output
}

func (pl *exchangePlanner) insertBroadcast(input string) string {
	pl.broadcastSeq++
	output := fmt.Sprintf("broadcast_%d", pl.broadcastSeq)
	pl.emit(&plan.Node{
		Op:     ir.OpExchange,
		Inputs: []string{input},
		Output: output,
		Params: plan.Params{"exchange": ir.ExchangeBroadcast, "keys": []string(nil)},
	})
	in := pl.state(input)
	pl.states[output] = distState{replicated: true, bytes: in.bytes * int64(pl.part.Ranks)}
	return output
}

func (pl *exchangePlanner) insertAllReduce(input string) string {
	pl.gatherSeq++
	output := fmt.Sprintf("allreduce_%d", pl.gatherSeq)
	pl.emit(&plan.Node{
		Op:     ir.OpExchange,
		Inputs: []string{input},
		Output: output,
		Params: plan.Params{"exchange": ir.ExchangeAllReduce, "keys": []string(nil)},
	})
	pl.states[output] = distState{replicated: true}
	return output
}

// projectState keeps partition keys that survive the projection as plain
// column references under the same name.
func (pl *exchangePlanner) projectState(node *plan.Node) distState {
	in := pl.state(node.Inputs[0])
	if in.replicated {
		return distState{replicated: true, bytes: in.bytes}
	}
	if in.keys == nil {
		return distState{bytes: in.bytes}
	}

	cols, ok := node.Params["columns"].([]ir.ProjectColumn)
	if !ok {
		return distState{bytes: in.bytes}
	}
	passthrough := make(map[string]bool)
	for _, pc := range cols {
		if ref, isRef := pc.Expr.(*expr.Column); isRef && ref.Name == pc.Name {
			passthrough[pc.Name] = true
		}
	}
	for _, key := range in.keys {
		if !passthrough[key] {
			return distState{bytes: in.bytes}
		}
	}
	return distState{keys: in.keys, bytes: in.bytes}
}

func alignedOn(state distState, keys []string) bool {
	if state.keys == nil || len(state.keys) != len(keys) {
		return false
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	for _, k := range state.keys {
		if !want[k] {
			return false
		}
	}
	return true
}

func allReplicated(pl *exchangePlanner, inputs []string) bool {
	for _, name := range inputs {
		if !pl.state(name).replicated {
			return false
		}
	}
	return len(inputs) > 0
}

// rewireInput copies a node with one input name replaced
func rewireInput(node *plan.Node, idx int, name string) *plan.Node {
	out := *node
	out.Inputs = make([]string, len(node.Inputs))
	copy(out.Inputs, node.Inputs)
	out.Inputs[idx] = name
	return &out
}

// withParam copies a node with a new output name, input list, and one extra
// parameter.
func withParam(node *plan.Node, output string, inputs []string, key string, value interface{}) *plan.Node {
	out := *node
	out.Output = output
	out.Inputs = inputs
	out.Params = plan.Params{}
	for k, v := range node.Params {
		out.Params[k] = v
	}
	out.Params[key] = value
	return &out
}
