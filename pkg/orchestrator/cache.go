package orchestrator

import (
	"sync"
	"time"
)

type cachedResponse struct {
	value     string
	expiresAt time.Time
}

// ResponseCache memoizes process() results by request_id so a retried
// request within the TTL window short-circuits re-execution (spec §4.13
// step 1, an optional extension).
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// NewResponseCache creates a cache whose entries expire after ttl.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{entries: make(map[string]cachedResponse), ttl: ttl, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (c *ResponseCache) WithClock(now func() time.Time) *ResponseCache {
	c.now = now
	return c
}

// Get returns the cached response for requestID, if present and unexpired.
func (c *ResponseCache) Get(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[requestID]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, requestID)
		return "", false
	}
	return entry.value, true
}

// Put stores value under requestID with the cache's configured TTL.
func (c *ResponseCache) Put(requestID, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[requestID] = cachedResponse{value: value, expiresAt: c.now().Add(c.ttl)}
}
