// Package distributed runs compiled plans across multiple ranks. Each rank
// executes the same exchanged plan over its slice of the seed tables, moving
// rows through collective exchanges where the plan demands it.
package distributed

import (
	"context"
	"fmt"
	"log"
	"sync"

	"tensorq/distributed/communication"
	"tensorq/distributed/exchange"
	"tensorq/executor"
	"tensorq/ir"
	"tensorq/operators"
	"tensorq/plan"
	"tensorq/table"
)

// Config describes a cluster run.
type Config struct {
	// Ranks is the number of in-process workers. Must be at least 1.
	Ranks int

	// Options tunes exchange planning. Zero value falls back to
	// exchange.DefaultOptions.
	Options exchange.Options

	// UDFs holds user operators, registered on every rank under the names
	// plans refer to them by.
	UDFs map[string]plan.Operator
}

// Run executes a compiled plan across cfg.Ranks in-process workers sharing
// a memory collective. Seed tables are split contiguously across ranks, the
// plan is rewritten with the exchanges multi-rank execution needs, and the
// final output is identical on every rank; rank 0's copy is returned.
//
// A failure on any rank aborts the collective so the surviving ranks do not
// block on a peer that will never send, and the first error is returned.
func Run(ctx context.Context, cfg Config, p *plan.Plan, seeds map[string]*table.Table) (*table.Table, error) {
	if cfg.Ranks < 1 {
		return nil, fmt.Errorf("cluster needs at least 1 rank, got %d", cfg.Ranks)
	}
	opts := cfg.Options
	if opts == (exchange.Options{}) {
		opts = exchange.DefaultOptions()
	}

	part := exchange.Partitioning{
		Ranks:     cfg.Ranks,
		SeedKeys:  map[string][]string{},
		SeedBytes: make(map[string]int64, len(seeds)),
	}
	for name, t := range seeds {
		part.SeedBytes[name] = estimateBytes(t)
	}

	exchanged, err := exchange.PlanExchanges(p, part, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("cluster: executing plan %s across %d ranks (%d nodes after exchange planning)",
		exchanged.ID, cfg.Ranks, len(exchanged.Nodes))

	cluster, err := communication.NewMemoryCluster(cfg.Ranks)
	if err != nil {
		return nil, err
	}

	results := make([]*table.Table, cfg.Ranks)
	errs := make([]error, cfg.Ranks)
	var wg sync.WaitGroup
	for rank := 0; rank < cfg.Ranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			result, err := runRank(ctx, cluster, rank, cfg, exchanged, seeds)
			if err != nil {
				coll, collErr := cluster.Collective(rank)
				if collErr == nil {
					coll.Abort(err)
				}
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
				return
			}
			results[rank] = result
		}(rank)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results[0], nil
}

func runRank(ctx context.Context, cluster *communication.MemoryCluster, rank int, cfg Config, exchanged *plan.Plan, seeds map[string]*table.Table) (*table.Table, error) {
	coll, err := cluster.Collective(rank)
	if err != nil {
		return nil, err
	}

	registry := operators.NewRegistry(cfg.UDFs)
	registry.Register(ir.OpExchange, exchange.NewRuntime(coll).Operator())

	// Binding attaches rank-specific operators to nodes, so each rank
	// works on its own copy of the plan.
	rankPlan := clonePlan(exchanged)
	if err := rankPlan.Bind(registry); err != nil {
		return nil, err
	}

	rankSeeds := make(map[string]*table.Table, len(seeds))
	for name, t := range seeds {
		part, err := exchange.SplitTable(t, rank, cfg.Ranks)
		if err != nil {
			return nil, err
		}
		rankSeeds[name] = part
	}

	env, err := executor.Execute(ctx, rankPlan, rankSeeds)
	if err != nil {
		return nil, err
	}
	return env[rankPlan.Output], nil
}

func clonePlan(p *plan.Plan) *plan.Plan {
	out := &plan.Plan{ID: p.ID, Output: p.Output, Nodes: make([]*plan.Node, len(p.Nodes))}
	for i, node := range p.Nodes {
		copied := *node
		out.Nodes[i] = &copied
	}
	return out
}

// estimateBytes is a coarse in-memory size estimate used only to steer
// broadcast decisions; it does not need to match the wire encoding.
func estimateBytes(t *table.Table) int64 {
	var total int64
	for i := 0; i < t.Schema().Len(); i++ {
		col := t.Column(i)
		switch data := col.Data.(type) {
		case []int64:
			total += int64(len(data)) * 8
		case []float64:
			total += int64(len(data)) * 8
		case []bool:
			total += int64(len(data))
		case []string:
			for _, s := range data {
				total += int64(len(s)) + 16
			}
		}
	}
	return total
}
