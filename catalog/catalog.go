// Package catalog resolves seed table names to columnar tables. Tables are
// registered either in memory or as parquet locations that are loaded on
// first use and cached.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"tensorq/table"
)

// UnknownTableError is returned when a requested table has no registration.
type UnknownTableError struct {
	Name string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("catalog: unknown table %q", e.Name)
}

type entry struct {
	location string // parquet path or URL, empty for in-memory tables
	tbl      *table.Table
}

// Catalog maps table names to their backing tables. Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Register binds a name to an in-memory table, replacing any previous binding.
func (c *Catalog) Register(name string, t *table.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &entry{tbl: t}
}

// RegisterParquet binds a name to a parquet file path or http(s) URL.
// The file is not opened until the table is first loaded.
func (c *Catalog) RegisterParquet(name, location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &entry{location: location}
}

// Drop removes a binding. Dropping an unknown name is a no-op.
func (c *Catalog) Drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// Names returns the registered table names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load returns the table registered under name, reading and caching its
// parquet source if it has not been materialized yet.
func (c *Catalog) Load(name string) (*table.Table, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, &UnknownTableError{Name: name}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.tbl == nil {
		t, err := table.FromParquet(e.location)
		if err != nil {
			return nil, fmt.Errorf("catalog: loading %q from %s: %w", name, e.location, err)
		}
		e.tbl = t
	}
	return e.tbl, nil
}

// Seeds loads every named table, returning them keyed by name. This is the
// shape the executor expects for a plan's seed tables.
func (c *Catalog) Seeds(names []string) (map[string]*table.Table, error) {
	seeds := make(map[string]*table.Table, len(names))
	for _, name := range names {
		t, err := c.Load(name)
		if err != nil {
			return nil, err
		}
		seeds[name] = t
	}
	return seeds, nil
}
