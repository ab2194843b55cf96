// Package exchange inserts and runs the collective data movement a plan
// needs to execute across ranks: shuffle before misaligned joins and grouped
// aggregates, broadcast for small join sides, all-reduce to merge partial
// aggregates, and a final gather of the root output.
package exchange

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"tensorq/table"
)

// Partition describes one rank's slice of a table: either a contiguous row
// range (seed distribution) or a hash-bucket assignment (shuffle).
type Partition struct {
	Rank     int   `json:"rank"`
	RowStart int   `json:"row_start"`
	RowCount int   `json:"row_count"`
	Bytes    int64 `json:"bytes"`
}

// Partitioning describes how seed tables are laid out across ranks before
// execution starts. SeedKeys records tables already hash-partitioned on a
// key set, which lets the planner skip redundant shuffles; SeedBytes feeds
// the broadcast-vs-shuffle decision.
type Partitioning struct {
	Ranks     int
	SeedKeys  map[string][]string
	SeedBytes map[string]int64
}

// Options carries the exchange planner's tunables
type Options struct {
	// BroadcastThreshold is the per-table byte size at or below which a
	// join side is replicated to all ranks instead of shuffled. Zero
	// disables broadcast joins.
	BroadcastThreshold int64

	// PartialAggregation splits misaligned grouped aggregates into a local
	// partial pass and a post-shuffle final pass instead of shuffling raw
	// rows.
	PartialAggregation bool
}

// DefaultOptions returns the planner defaults
func DefaultOptions() Options {
	return Options{
		BroadcastThreshold: 1 << 20,
		PartialAggregation: true,
	}
}

// SplitRows computes an even contiguous row-range partition of n rows
// across ranks. Every row belongs to exactly one rank.
func SplitRows(n, ranks int) []Partition {
	parts := make([]Partition, ranks)
	base := n / ranks
	extra := n % ranks
	start := 0
	for r := 0; r < ranks; r++ {
		count := base
		if r < extra {
			count++
		}
		parts[r] = Partition{Rank: r, RowStart: start, RowCount: count}
		start += count
	}
	return parts
}

// SplitTable slices one rank's row range out of a seed table
func SplitTable(t *table.Table, rank, ranks int) (*table.Table, error) {
	if ranks < 1 {
		return nil, fmt.Errorf("rank count must be at least 1, got %d", ranks)
	}
	if rank < 0 || rank >= ranks {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, ranks)
	}
	part := SplitRows(t.NumRows(), ranks)[rank]
	return t.Slice(part.RowStart, part.RowCount)
}

// HashPartition assigns every row of a table to a destination rank by
// hashing the key columns. Rows with equal keys always land on the same
// rank, on every rank that computes the assignment.
func HashPartition(t *table.Table, keys []string, ranks int) ([][]int, error) {
	keyCols := make([]*table.Column, len(keys))
	for i, name := range keys {
		col, err := t.ColumnByName(name)
		if err != nil {
			return nil, err
		}
		keyCols[i] = col
	}

	dests := make([][]int, ranks)
	for row := 0; row < t.NumRows(); row++ {
		var key strings.Builder
		for _, col := range keyCols {
			if col.IsNull(row) {
				key.WriteString("\x00null")
			} else {
				fmt.Fprintf(&key, "\x00%v", col.Value(row))
			}
		}
		dest := int(xxhash.Sum64String(key.String()) % uint64(ranks))
		dests[dest] = append(dests[dest], row)
	}
	return dests, nil
}
