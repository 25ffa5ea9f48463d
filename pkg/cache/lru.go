// Package cache is a small in-process, TTL-aware LRU cache. The Content
// Transformer uses it as a hot-path accelerator in front of
// internal/store's SQLite-backed content_transform_cache, so a repeat
// render whose entry is still held (not evicted, not expired) costs no DB
// round trip.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one cached value.
type Entry struct {
	Key       string
	Value     string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Cache is a fixed-capacity, least-recently-used cache with optional
// per-entry TTL.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	elements map[string]*list.Element
}

type setOptions struct {
	ttl time.Duration
}

// Option configures a Set call.
type Option func(*setOptions)

// WithTTL gives the entry a time-to-live; it's evicted lazily on the next
// Get that finds it expired (Set on the same key overwrites it instead).
func WithTTL(d time.Duration) Option {
	return func(o *setOptions) { o.ttl = d }
}

// New returns a Cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// Set inserts or updates key, moving it to the front (most recently used)
// and evicting the least-recently-used entry if this insert pushes the
// cache over capacity.
func (c *Cache) Set(key, value string, opts ...Option) {
	o := &setOptions{}
	for _, opt := range opts {
		opt(o)
	}

	now := time.Now()
	var expiresAt *time.Time
	if o.ttl > 0 {
		t := now.Add(o.ttl)
		expiresAt = &t
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.elements[key]; ok {
		e := elem.Value.(*Entry)
		e.Value = value
		e.ExpiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		back := c.order.Back()
		if back != nil {
			evicted := c.order.Remove(back).(*Entry)
			delete(c.elements, evicted.Key)
		}
	}

	elem := c.order.PushFront(&Entry{Key: key, Value: value, ExpiresAt: expiresAt, CreatedAt: now})
	c.elements[key] = elem
}

// Get returns the value for key, or ok=false if absent or expired. A hit
// moves the entry to the front.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.elements[key]
	if !ok {
		return "", false
	}
	e := elem.Value.(*Entry)

	if e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt) {
		c.order.Remove(elem)
		delete(c.elements, key)
		return "", false
	}

	c.order.MoveToFront(elem)
	return e.Value, true
}

// Delete removes key if present, reporting whether it was.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.elements[key]
	if !ok {
		return false
	}
	c.order.Remove(elem)
	delete(c.elements, key)
	return true
}

// Len returns the current number of entries, including any not yet lazily
// expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
