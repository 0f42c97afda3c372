// Package cache provides the bounded tool-result cache: a fingerprint-keyed
// store with TTL expiry and LRU eviction at capacity. The cache is
// advisory — a miss is never an error.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies a cached tool result.
type Key struct {
	MCP         string
	Tool        string
	Fingerprint string
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

type entry struct {
	key        Key
	value      []byte
	insertedAt time.Time
}

// Cache is a thread-safe bounded store. Expired entries are evicted lazily
// on lookup; capacity is enforced eagerly on insertion by evicting the
// least-recently-used entry first.
type Cache struct {
	mu         sync.Mutex
	entries    map[Key]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration

	hits   int64
	misses int64
}

// New creates a cache holding at most maxEntries values for up to ttl each.
func New(maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		entries:    make(map[Key]*list.Element, maxEntries),
		lru:        list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Get returns the stored value if present and younger than the TTL.
// A hit refreshes recency. The returned slice is shared; callers must not
// mutate it.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := elem.Value.(*entry)
	if time.Since(e.insertedAt) > c.ttl {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Put inserts a value. Re-inserting an existing key refreshes both the
// insertion time and the recency. At capacity, the least-recently-used
// entry is evicted before insertion.
func (c *Cache) Put(key Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.insertedAt = time.Now()
		c.lru.MoveToFront(elem)
		return
	}

	if c.lru.Len() >= c.maxEntries {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	elem := c.lru.PushFront(&entry{key: key, value: value, insertedAt: time.Now()})
	c.entries[key] = elem
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.lru.Len()}
}

// removeLocked unlinks an element. Caller holds c.mu.
func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.entries, e.key)
	c.lru.Remove(elem)
}
