package llm

import (
	"crypto/sha1" //nolint:gosec // cache key, not a security boundary
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ResponseCache is a bounded LRU of successful responses with a TTL.
type ResponseCache struct {
	lru *expirable.LRU[string, Response]
}

// NewResponseCache creates a cache holding at most maxSize entries.
func NewResponseCache(maxSize int, ttl time.Duration) *ResponseCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &ResponseCache{lru: expirable.NewLRU[string, Response](maxSize, nil, ttl)}
}

// CacheKey is sha1(model NUL prompt) in hex.
func CacheKey(model, prompt string) string {
	sum := sha1.Sum([]byte(model + "\x00" + prompt)) //nolint:gosec // cache key
	return hex.EncodeToString(sum[:])
}

// Get returns a cached response marked as cached.
func (c *ResponseCache) Get(key string) (Response, bool) {
	resp, ok := c.lru.Get(key)
	if !ok {
		return Response{}, false
	}
	resp.Cached = true
	return resp, true
}

// Add stores a response.
func (c *ResponseCache) Add(key string, resp Response) {
	resp.Cached = false
	c.lru.Add(key, resp)
}

// Len returns the number of live entries.
func (c *ResponseCache) Len() int { return c.lru.Len() }

// Purge drops all entries.
func (c *ResponseCache) Purge() { c.lru.Purge() }
