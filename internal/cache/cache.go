// Package cache provides a bounded TTL cache with LRU-style eviction.
// The dedup, quote, and outbound-self caches all share this shape:
// timestamped entries, lazy expiry on access, oldest-first eviction once
// the size cap is exceeded on write.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	value   any
	addedAt time.Time
}

// TTLCache is a bounded string-keyed cache. Safe for concurrent use.
type TTLCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	order   *list.List
	items   map[string]*list.Element
	now     func() time.Time
}

// New creates a cache with the given TTL and size cap. maxSize <= 0 means
// unbounded.
func New(ttl time.Duration, maxSize int) *TTLCache {
	return &TTLCache{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Put stores a value, evicting expired entries and then the oldest entries
// until the cache fits the cap.
func (c *TTLCache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).value = value
		el.Value.(*entry).addedAt = c.now()
		c.order.MoveToBack(el)
		return
	}
	el := c.order.PushBack(&entry{key: key, value: value, addedAt: c.now()})
	c.items[key] = el
	c.evictLocked()
}

// Get returns the value for key if present and unexpired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.ttl > 0 && c.now().Sub(e.addedAt) > c.ttl {
		c.removeLocked(el)
		return nil, false
	}
	return e.value, true
}

// Contains reports whether key is present and unexpired.
func (c *TTLCache) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// PutIfAbsent stores value only when the key is not already present.
// Returns true when the value was stored (first occurrence).
func (c *TTLCache) PutIfAbsent(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		if c.ttl <= 0 || c.now().Sub(e.addedAt) <= c.ttl {
			return false
		}
		c.removeLocked(el)
	}
	el := c.order.PushBack(&entry{key: key, value: value, addedAt: c.now()})
	c.items[key] = el
	c.evictLocked()
	return true
}

// Delete removes a key if present.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of live (possibly expired, not yet swept) entries.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTLCache) evictLocked() {
	if c.ttl > 0 {
		cutoff := c.now().Add(-c.ttl)
		for el := c.order.Front(); el != nil; {
			next := el.Next()
			if el.Value.(*entry).addedAt.After(cutoff) {
				break
			}
			c.removeLocked(el)
			el = next
		}
	}
	if c.maxSize > 0 {
		for len(c.items) > c.maxSize {
			c.removeLocked(c.order.Front())
		}
	}
}

func (c *TTLCache) removeLocked(el *list.Element) {
	delete(c.items, el.Value.(*entry).key)
	c.order.Remove(el)
}
