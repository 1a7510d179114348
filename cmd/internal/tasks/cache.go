package tasks

import (
	"sort"
	"sync"
)

// Cache is the shared local task cache.
//
// Writes come from exactly two places: guard-approved mutation responses and
// version-approved realtime events. Both go through Apply/Remove, which
// discard version regressions, so out-of-order delivery cannot roll a task
// back. UI-level optimistic updates never land here as final state.
type Cache struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{tasks: make(map[string]Task)}
}

// Get returns the cached task, if present.
func (c *Cache) Get(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	return t, ok
}

// Contains reports whether the cache holds id.
func (c *Cache) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tasks[id]
	return ok
}

// Len returns the number of cached tasks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

// List returns a stable snapshot ordered by creation time, then ID.
func (c *Cache) List() []Task {
	c.mu.RLock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Apply installs t unless the cache already holds an equal or newer version.
// Returns whether the write was applied.
func (c *Cache) Apply(t Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.tasks[t.ID]; ok && cur.Version >= t.Version {
		return false
	}
	c.tasks[t.ID] = t
	return true
}

// Remove deletes id unless the cached version is already at or past version.
// Used for remote deletion events, which carry the deleting version.
func (c *Cache) Remove(id string, version int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.tasks[id]
	if !ok {
		return false
	}
	if cur.Version >= version {
		return false
	}
	delete(c.tasks, id)
	return true
}

// Drop removes id unconditionally. Used when a local DELETE was accepted:
// deletion is a terminal cache-state removal, the server owns the rest.
func (c *Cache) Drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, id)
}

// Clear empties the cache (session teardown).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = make(map[string]Task)
}
