// Package memo is a small typed TTL cache over ristretto used to memoize
// classifier results.
package memo

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 1 << 20
	defaultBufferItems = 64
)

// Cache memoizes values of type V by string key. Every entry costs 1, so
// MaxEntries bounds the entry count.
type Cache[V any] struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// New creates a cache with room for maxEntries and a per-entry ttl.
func New[V any](maxEntries int64, ttl time.Duration) (*Cache[V], error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxCost
	}
	counters := maxEntries * 10
	if counters < defaultNumCounters {
		counters = defaultNumCounters
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxEntries,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Cache[V]{cache: c, ttl: ttl}, nil
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	v, ok := c.cache.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(V)
	return typed, ok
}

// Set stores value. Admission is probabilistic; Wait makes it visible.
func (c *Cache[V]) Set(key string, value V) {
	if c == nil {
		return
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, value, 1, c.ttl)
		return
	}
	c.cache.Set(key, value, 1)
}

// Wait blocks until buffered writes are applied.
func (c *Cache[V]) Wait() {
	if c != nil {
		c.cache.Wait()
	}
}

// Close stops the cache goroutines.
func (c *Cache[V]) Close() {
	if c != nil {
		c.cache.Close()
	}
}
