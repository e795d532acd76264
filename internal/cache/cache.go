// ABOUTME: Thread-safe TTL cache with bounded size and oldest-first eviction
// ABOUTME: Used by the ledger client to avoid re-querying identity state within a short window

package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the value, its write time and its position in the eviction order.
type entry[K comparable, V any] struct {
	key     K
	value   V
	written time.Time
	element *list.Element
}

// Cache is a size-limited map whose entries expire ttl after they were written.
// Insertion order is kept in a linked list so eviction of the oldest entry is O(1).
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*entry[K, V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine sweeps expired entries every ttl until Close is called.
func New[K comparable, V any](ttl time.Duration, maxSize int) *Cache[K, V] {
	c := &Cache[K, V]{
		items:   make(map[K]*entry[K, V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.now().Sub(e.written) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, refreshing its TTL. If the cache is full the
// oldest entry is evicted to make room.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.items[key]; ok {
		e.value = value
		e.written = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry[K, V]{key: key, value: value, written: now}
	e.element = c.order.PushBack(e)
	c.items[key] = e
}

// Delete removes key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictOldest must be called with mu held.
func (c *Cache[K, V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[K, V])
	c.order.Remove(front)
	delete(c.items, e.key)
}

func (c *Cache[K, V]) sweep() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K, V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.items {
		if now.Sub(e.written) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.items, key)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
