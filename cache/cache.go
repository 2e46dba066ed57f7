// Package cache provides a small in-process read cache for committed
// artifact metadata. Entries are keyed by canonical identifier; a committed
// artifact's metadata is immutable, so caching it can never serve a stale
// ordering answer. Latest/list results are deliberately not cacheable here.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/GoCodeAlone/depot/blob"
)

// MetaCache is a thread-safe LRU cache with TTL expiration over artifact
// metadata. It follows the cache-aside pattern: callers check it first, fall
// back to the index or blob store, and populate on miss.
type MetaCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List // front = most recently used
	maxSize  int
	ttl      time.Duration

	hits   int64
	misses int64
}

type entry struct {
	key       string
	meta      blob.Meta
	expiresAt time.Time
}

// NewMetaCache creates a cache bounded to maxSize entries with the given
// TTL. Defaults: 4096 entries, 10 minutes.
func NewMetaCache(maxSize int, ttl time.Duration) *MetaCache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MetaCache{
		items:    make(map[string]*list.Element, maxSize),
		eviction: list.New(),
		maxSize:  maxSize,
		ttl:      ttl,
	}
}

// Get returns the cached metadata for a canonical identifier string.
func (c *MetaCache) Get(key string) (blob.Meta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return blob.Meta{}, false
	}
	e := elem.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return blob.Meta{}, false
	}
	c.eviction.MoveToFront(elem)
	c.hits++
	return e.meta, true
}

// Set stores metadata under the identifier key, evicting the least recently
// used entry at capacity.
func (c *MetaCache) Set(key string, meta blob.Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.meta = meta
		e.expiresAt = time.Now().Add(c.ttl)
		c.eviction.MoveToFront(elem)
		return
	}

	for c.eviction.Len() >= c.maxSize {
		if back := c.eviction.Back(); back != nil {
			c.removeLocked(back)
		}
	}

	elem := c.eviction.PushFront(&entry{
		key:       key,
		meta:      meta,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[key] = elem
}

// Invalidate removes one identifier from the cache. Used when an artifact is
// tombstoned.
func (c *MetaCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of cached entries, including expired but not yet
// evicted ones.
func (c *MetaCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Stats returns hit/miss counters.
func (c *MetaCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *MetaCache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	c.eviction.Remove(elem)
}
