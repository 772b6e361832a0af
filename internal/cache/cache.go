// Package cache holds recently computed worker results in memory.
//
// Entries expire after a fixed TTL and the store never holds more than a
// fixed number of them; when full, the least recently used entry goes first.
// Nothing is persisted.
package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultMaxEntries = 100
	DefaultTTL        = 15 * time.Minute
)

// Options configures a Cache. Zero values take the defaults.
type Options struct {
	MaxEntries int
	TTL        time.Duration
	Now        func() time.Time
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	expiresAt  time.Time
}

// Cache is a mutex-guarded LRU with per-entry expiry. Expiry is checked when
// an entry is read; there is no background sweeper.
type Cache[V any] struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	now   func() time.Time
	order *list.List // front = most recently used
	items map[string]*list.Element

	hits, misses, evictions, expirations uint64
}

// New returns an empty cache.
func New[V any](opts Options) *Cache[V] {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[V]{
		max:   opts.MaxEntries,
		ttl:   opts.TTL,
		now:   opts.Now,
		order: list.New(),
		items: make(map[string]*list.Element, opts.MaxEntries),
	}
}

// Get returns the live value for key and marks it most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		c.expirations++
		c.misses++
		return zero, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Put stores value under key, replacing any previous entry wholesale. At
// capacity the least recently used entry is evicted first.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := &entry[V]{key: key, value: value, insertedAt: now, expiresAt: now.Add(c.ttl)}
	if el, ok := c.items[key]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}
	c.items[key] = c.order.PushFront(e)
}

// Len counts stored entries, including expired ones not yet read.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.max)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int           `json:"entries"`
	MaxEntries  int           `json:"maxEntries"`
	TTL         time.Duration `json:"-"`
	TTLSeconds  float64       `json:"ttlSeconds"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	Evictions   uint64        `json:"evictions"`
	Expirations uint64        `json:"expirations"`
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.order.Len(),
		MaxEntries:  c.max,
		TTL:         c.ttl,
		TTLSeconds:  c.ttl.Seconds(),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

func (c *Cache[V]) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
}
