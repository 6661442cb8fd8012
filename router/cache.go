package router

import (
	lru "github.com/hashicorp/golang-lru"
)

// MapCache is the default Cache: entries are never evicted, a target
// materialized once stays materialized for the router's lifetime.
type MapCache struct {
	entries map[string]interface{}
}

// NewMapCache builds an empty, unbounded cache.
func NewMapCache() *MapCache {
	return &MapCache{entries: make(map[string]interface{})}
}

func (c *MapCache) Get(key string) (interface{}, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *MapCache) Add(key string, value interface{}) {
	c.entries[key] = value
}

// LRUCache is a bounded, adaptive-replacement alternative for deployments
// that materialize more targets than they want to keep resident; evicted
// targets rematerialize from scratch on next delivery. ARC balances
// recency and frequency on its own, so it doesn't need a separate
// ghost-list tuning knob the way a plain LRU would under a bursty access
// pattern.
type LRUCache struct {
	inner *lru.ARCCache
}

// NewLRUCache builds a bounded cache holding at most size entries.
func NewLRUCache(size int) (*LRUCache, error) {
	inner, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{inner: inner}, nil
}

func (c *LRUCache) Get(key string) (interface{}, bool) {
	return c.inner.Get(key)
}

func (c *LRUCache) Add(key string, value interface{}) {
	c.inner.Add(key, value)
}
