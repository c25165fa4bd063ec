package refund

import (
	"sync"
	"time"
)

// resultCache is a process-local TTL map keyed by the bearer hash. A client
// that retries a refund (timeout, double click) within the TTL gets the
// prior response back instead of an error on the deleted key.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	expiresAt time.Time
	result    *Result
}

func newResultCache(ttlSeconds int) *resultCache {
	if ttlSeconds <= 0 {
		ttlSeconds = 60
	}
	return &resultCache{
		ttl:     time.Duration(ttlSeconds) * time.Second,
		entries: make(map[string]cacheEntry),
	}
}

func (c *resultCache) get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.result, true
}

func (c *resultCache) put(key string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		expiresAt: time.Now().Add(c.ttl),
		result:    result,
	}
}

func (c *resultCache) evictLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
