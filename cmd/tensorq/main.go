// Command tensorq executes a serialized query plan against registered
// tables, either in-process or spread across simulated ranks.
//
// Usage:
//
//	tensorq -plan query.json -table lineitem=data/lineitem.parquet
//	tensorq -plan query.json -table orders=data/orders.parquet -ranks 4
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"tensorq/catalog"
	"tensorq/distributed"
	"tensorq/executor"
	"tensorq/operators"
	"tensorq/plan"
	"tensorq/table"
)

type tableFlags []string

func (f *tableFlags) String() string { return strings.Join(*f, ",") }

func (f *tableFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected name=path, got %q", v)
	}
	*f = append(*f, v)
	return nil
}

func main() {
	var tables tableFlags
	planFile := flag.String("plan", "", "Path to the JSON plan file")
	ranks := flag.Int("ranks", 1, "Number of ranks to execute across")
	maxRows := flag.Int("rows", 20, "Maximum number of result rows to print")
	flag.Var(&tables, "table", "Table registration as name=parquet-path (repeatable)")
	flag.Parse()

	if *planFile == "" {
		fmt.Println("Usage: tensorq -plan <plan.json> -table name=path.parquet [-table ...] [-ranks N]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	data, err := os.ReadFile(*planFile)
	if err != nil {
		log.Fatalf("Failed to read plan: %v", err)
	}
	p, err := plan.UnmarshalPlan(data)
	if err != nil {
		log.Fatalf("Failed to decode plan: %v", err)
	}

	cat := catalog.New()
	for _, reg := range tables {
		name, path, _ := strings.Cut(reg, "=")
		cat.RegisterParquet(name, path)
	}
	seeds, err := cat.Seeds(p.SeedTables())
	if err != nil {
		log.Fatalf("Failed to load seed tables: %v", err)
	}

	result, err := run(context.Background(), p, seeds, *ranks)
	if err != nil {
		log.Fatalf("Execution failed: %v", err)
	}
	printResult(result, *maxRows)
}

func run(ctx context.Context, p *plan.Plan, seeds map[string]*table.Table, ranks int) (*table.Table, error) {
	if ranks > 1 {
		return distributed.Run(ctx, distributed.Config{Ranks: ranks}, p, seeds)
	}
	if err := p.Bind(operators.NewRegistry(nil)); err != nil {
		return nil, err
	}
	env, err := executor.Execute(ctx, p, seeds)
	if err != nil {
		return nil, err
	}
	return env[p.Output], nil
}

func printResult(t *table.Table, maxRows int) {
	names := t.Schema().Names()
	fmt.Println(strings.Join(names, "\t"))

	rows := t.NumRows()
	shown := rows
	if shown > maxRows {
		shown = maxRows
	}
	for ri := 0; ri < shown; ri++ {
		vals := make([]string, len(names))
		for ci := range names {
			v := t.Column(ci).Value(ri)
			if v == nil {
				vals[ci] = "NULL"
			} else {
				vals[ci] = fmt.Sprint(v)
			}
		}
		fmt.Println(strings.Join(vals, "\t"))
	}
	if rows > shown {
		fmt.Printf("... (%d more rows)\n", rows-shown)
	}
	fmt.Printf("%d rows\n", rows)
}
