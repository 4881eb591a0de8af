// Package viewport implements the in-process TTL cache for resolved viewport queries.
package viewport

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
)

const DefaultMaxEntries = 1000

type entry[V any] struct {
	data      V
	writtenAt time.Time
}

// Cache is a best-effort TTL cache bounded by a maximum entry count.
// Expired entries are dropped when read; capacity overflow evicts the
// least recently used entry.
type Cache[V any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu  sync.Mutex
	lru *lru.Cache[string, entry[V]]
}

type Option func(*options)

type options struct {
	maxEntries int
	now        func() time.Time
}

func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{maxEntries: DefaultMaxEntries, now: time.Now}
	for _, f := range opts {
		f(&o)
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}
	c := &Cache[V]{name: name, ttl: ttl, now: o.now}
	// only fails for a non-positive size
	c.lru, _ = lru.New[string, entry[V]](o.maxEntries)
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		observability.ObserveCacheResult(c.name, "miss")
		return zero, false
	}
	if c.ttl > 0 && c.now().Sub(e.writtenAt) >= c.ttl {
		c.lru.Remove(key)
		observability.ObserveCacheResult(c.name, "expired")
		return zero, false
	}
	// touch for recency
	c.lru.Get(key)
	observability.ObserveCacheResult(c.name, "hit")
	return e.data, true
}

func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if evicted := c.lru.Add(key, entry[V]{data: v, writtenAt: c.now()}); evicted {
		observability.ObserveCacheResult(c.name, "evicted")
	}
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

func (c *Cache[V]) TTL() time.Duration { return c.ttl }
