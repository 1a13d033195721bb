// Package cache provides the bounded schema cache used by lazy loading.
// It combines LRU recency eviction, optional TTL expiry, and single-flight
// coalescing of concurrent loads for the same key.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	HitRate           float64 `json:"hitRate"`
	Evictions         int64   `json:"evictions"`
	CoalescedRequests int64   `json:"coalescedRequests"`
	Size              int     `json:"size"`
	MaxEntries        int     `json:"maxEntries"`
}

// LoaderFunc produces the value for a key on a cache miss.
type LoaderFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a thread-safe LRU cache with optional TTL. A TTL of zero means
// entries never expire. Load failures are never cached.
type Cache[V any] struct {
	lru        *lru.Cache[string, entry[V]]
	ttl        time.Duration
	maxEntries int

	group singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	coalesced atomic.Int64
}

// New creates a cache holding at most maxEntries values.
func New[V any](maxEntries int, ttl time.Duration) (*Cache[V], error) {
	inner, err := lru.New[string, entry[V]](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{lru: inner, ttl: ttl, maxEntries: maxEntries}, nil
}

// lookup returns a live entry, removing it when the TTL has lapsed. TTL
// removal does not count as an eviction.
func (c *Cache[V]) lookup(key string) (V, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && time.Since(e.storedAt) > c.ttl {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetIfCached returns the cached value without loading on a miss.
func (c *Cache[V]) GetIfCached(key string) (V, bool) {
	v, ok := c.lookup(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Get returns the cached value for key, invoking loader on a miss.
// Concurrent callers for the same key share a single loader invocation; the
// flight leader counts one miss, waiters served by its load count as hits.
// The boolean reports whether the value was already cached.
func (c *Cache[V]) Get(ctx context.Context, key string, loader LoaderFunc[V]) (V, bool, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, true, nil
	}

	led := false
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		led = true
		// Another flight may have populated the key between our miss and
		// acquiring the flight.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	if led {
		c.misses.Add(1)
	} else {
		c.coalesced.Add(1)
		if err == nil {
			c.hits.Add(1)
		}
	}
	if err != nil {
		var zero V
		return zero, false, err
	}
	return result.(V), false, nil
}

// Set stores a value, evicting the least recently used entry when full.
func (c *Cache[V]) Set(key string, value V) {
	if evicted := c.lru.Add(key, entry[V]{value: value, storedAt: time.Now()}); evicted {
		c.evictions.Add(1)
	}
}

// Remove drops a single key.
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Purge drops all entries. Counters are preserved.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	s := Stats{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		Evictions:         c.evictions.Load(),
		CoalescedRequests: c.coalesced.Load(),
		Size:              c.lru.Len(),
		MaxEntries:        c.maxEntries,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
