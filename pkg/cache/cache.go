// Package cache provides a generic, thread-safe cache combining LRU size
// eviction with per-entry TTL expiry. Statistics are always tracked;
// Prometheus export is up to the caller.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// EvictCallback is called when an entry is evicted or expires.
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means no expiry
}

// Stats holds always-on cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expiries  int64
}

// Cache is a bounded TTL+LRU cache.
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	stats   Stats
	evictFn EvictCallback[V]
	now     func() time.Time
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithEvictCallback sets a callback invoked on eviction and expiry.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *Cache[V]) { c.evictFn = fn }
}

// WithClock overrides the time source. Used by tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// New creates a cache holding at most maxSize entries, each valid for ttl.
// ttl <= 0 disables expiry.
func New[V any](maxSize int, ttl time.Duration, opts ...Option[V]) *Cache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a live value by key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}

	ent := el.Value.(*entry[V])
	if !ent.expiresAt.IsZero() && c.now().After(ent.expiresAt) {
		c.removeLocked(el, ent, true)
		c.stats.Misses++
		return zero, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return ent.value, true
}

// Set stores a value, evicting the least recently used entry when full.
// Returns true if a new entry was created.
func (c *Cache[V]) Set(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expires
		c.order.MoveToFront(el)
		return false
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.removeLocked(oldest, oldest.Value.(*entry[V]), false)
			c.stats.Evictions++
		}
	}

	el := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expires})
	c.items[key] = el
	return true
}

// Delete removes an entry by key. Returns true if it existed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(el, el.Value.(*entry[V]), false)
	return true
}

// Len returns the current entry count, including not-yet-collected expired
// entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Purge removes all entries without invoking the evict callback.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

func (c *Cache[V]) removeLocked(el *list.Element, ent *entry[V], expired bool) {
	c.order.Remove(el)
	delete(c.items, ent.key)
	if expired {
		c.stats.Expiries++
	}
	if c.evictFn != nil {
		c.evictFn(ent.key, ent.value)
	}
}
