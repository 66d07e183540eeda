// Package cache provides caching implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU cache with TTL support, bounded both by
// entry count and by total value size. Used as the Community tier cache and
// as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	maxBytes int64
	bytes    int64
	items    map[string]*list.Element
	order    *list.List

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Stats describes the cache state.
type Stats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Bytes    int64  `json:"bytes"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// NewLRUCache creates a new LRU cache holding at most maxSize entries and
// maxBytes of values. A non-positive maxBytes disables the size bound.
func NewLRUCache(maxSize int, maxBytes int64) *LRUCache {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &LRUCache{
		maxSize:  maxSize,
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a value from cache. Returns nil, nil on a miss.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, nil
}

// Set stores a value in cache with TTL. A value larger than the byte
// bound is not cached.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	size := int64(len(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return nil
	}

	entry := &cacheEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	c.items[key] = c.order.PushFront(entry)
	c.bytes += size

	for c.order.Len() > c.maxSize || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.bytes = 0
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:     c.order.Len(),
		Capacity: c.maxSize,
		Bytes:    c.bytes,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	c.bytes -= int64(len(entry.value))
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
