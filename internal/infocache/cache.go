// SPDX-License-Identifier: MIT

// Package infocache caches probe results. A small positive LRU avoids
// re-running the extractor for recently seen URLs; a negative cache holds
// failing URLs in a cool-down so repeated probing cannot hammer a site.
package infocache

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds the positive cache.
	DefaultCapacity = 50
	// DefaultTTL is how long a positive entry stays valid.
	DefaultTTL = time.Hour
)

type entry struct {
	key      string
	value    any
	storedAt time.Time
}

// Stats carries cache counters for diagnostics and metrics.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Sets        uint64 `json:"sets"`
	Evictions   uint64 `json:"evictions"`
	CurrentSize int    `json:"current_size"`
}

// Cache is a mutex-guarded LRU with per-entry TTL.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[string]*list.Element

	hits      uint64
	misses    uint64
	sets      uint64
	evictions uint64

	now func() time.Time
}

// New creates a cache with the given capacity and TTL. Non-positive
// arguments fall back to the defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the cached value for key if present and unexpired,
// promoting it to most recently used.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.now().Sub(ent.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sets++
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	for len(c.items) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
		c.evictions++
	}
	el := c.order.PushFront(&entry{key: key, value: value, storedAt: c.now()})
	c.items[key] = el
}

// Delete removes a single entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Sets:        c.sets,
		Evictions:   c.evictions,
		CurrentSize: len(c.items),
	}
}
