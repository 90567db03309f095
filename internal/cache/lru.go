// Package cache provides the bounded cache behind the flow store.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/usestring/powhttp-proxy/pkg/flow"
)

// FlowCache is a thread-safe LRU of recorded flows keyed by flow ID.
type FlowCache struct {
	cache *lru.Cache[string, *flow.Flow]
}

// NewFlowCache creates a cache holding at most maxItems flows. onEvict, when
// non-nil, runs for every flow dropped to make room or removed. It runs on
// the caller's goroutine after the cache lock is released.
func NewFlowCache(maxItems int, onEvict func(id string, f *flow.Flow)) (*FlowCache, error) {
	c, err := lru.NewWithEvict[string, *flow.Flow](maxItems, onEvict)
	if err != nil {
		return nil, err
	}
	return &FlowCache{cache: c}, nil
}

// Get retrieves a flow by ID and marks it recently used.
func (c *FlowCache) Get(id string) (*flow.Flow, bool) {
	return c.cache.Get(id)
}

// Peek retrieves a flow without updating its recency.
func (c *FlowCache) Peek(id string) (*flow.Flow, bool) {
	return c.cache.Peek(id)
}

// Put adds or updates a flow. It reports whether an older flow was evicted.
func (c *FlowCache) Put(id string, f *flow.Flow) bool {
	return c.cache.Add(id, f)
}

// Remove drops a flow. The eviction callback runs for it as well.
func (c *FlowCache) Remove(id string) bool {
	return c.cache.Remove(id)
}

// Len returns the current number of items in the cache.
func (c *FlowCache) Len() int {
	return c.cache.Len()
}
