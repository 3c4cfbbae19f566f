package schema

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// ColumnCache maps table → known column set. Entries are filled on miss
// through a loader; concurrent misses for one table share a single load.
// Invalidate and InvalidateAll drop entries so the next read reloads.
type ColumnCache struct {
	mu     sync.RWMutex
	tables map[string]map[string]struct{}
	group  singleflight.Group
}

// NewColumnCache returns an empty cache.
func NewColumnCache() *ColumnCache {
	return &ColumnCache{tables: make(map[string]map[string]struct{})}
}

// Load returns a copy of the cached set for table, calling load on a miss.
func (c *ColumnCache) Load(table string, load func() ([]string, error)) (map[string]struct{}, error) {
	if cols, ok := c.get(table); ok {
		return cols, nil
	}

	_, err, _ := c.group.Do(table, func() (any, error) {
		cols, err := load()
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(cols))
		for _, col := range cols {
			set[col] = struct{}{}
		}
		c.mu.Lock()
		c.tables[table] = set
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	cols, _ := c.get(table)
	return cols, nil
}

func (c *ColumnCache) get(table string) (map[string]struct{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.tables[table]
	if !ok {
		return nil, false
	}
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out, true
}

// Add records columns as present. It is a no-op for uncached tables.
func (c *ColumnCache) Add(table string, cols ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.tables[table]
	if !ok {
		return
	}
	for _, col := range cols {
		set[col] = struct{}{}
	}
}

// Invalidate drops the entry for table.
func (c *ColumnCache) Invalidate(table string) {
	c.mu.Lock()
	delete(c.tables, table)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *ColumnCache) InvalidateAll() {
	c.mu.Lock()
	c.tables = make(map[string]map[string]struct{})
	c.mu.Unlock()
}

// Len returns the number of cached tables.
func (c *ColumnCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}
