package denon

import (
	"sync"
	"time"
)

// CachedState is one cache entry together with the time it was reported.
type CachedState struct {
	Key       StateKey   `json:"-"`
	Value     StateValue `json:"value"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StateCache holds the most recently parsed report per state key.
// Entries are overwritten, never removed.
//
// Thread Safety: All methods are safe for concurrent use. The sync loop is
// the only writer during normal operation.
type StateCache struct {
	mu      sync.RWMutex
	entries map[StateKey]CachedState
	now     func() time.Time
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{
		entries: make(map[StateKey]CachedState, len(AllStateKeys)),
		now:     time.Now,
	}
}

// Get returns the cached value for key, if any.
func (c *StateCache) Get(key StateKey) (StateValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.Value, ok
}

// Upsert stores value for key and reports whether the stored value changed.
func (c *StateCache) Upsert(key StateKey, value StateValue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, existed := c.entries[key]
	c.entries[key] = CachedState{Key: key, Value: value, UpdatedAt: c.now()}
	return !existed || prev.Value != value
}

// Snapshot returns a copy of all entries in AllStateKeys order.
func (c *StateCache) Snapshot() []CachedState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CachedState, 0, len(c.entries))
	for _, k := range AllStateKeys {
		if e, ok := c.entries[k]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of keys with a cached value.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
