package capability

import (
	"sync"
	"time"
)

// Cache stores one CachedCapability per service, keyed by service name.
// Insertion order is preserved for GetAll so that responsibility scoring
// ties break by discovery order, per spec §4.13 step 2a.
type Cache struct {
	mu     sync.RWMutex
	byName map[string]*CachedCapability
	order  []string
	now    func() time.Time
}

// NewCache creates an empty capability cache.
func NewCache() *Cache {
	return &Cache{byName: make(map[string]*CachedCapability), now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Update records or replaces the capability advertised by serviceName.
func (c *Cache) Update(serviceName, serviceURL string, cap Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[serviceName]; !exists {
		c.order = append(c.order, serviceName)
	}
	c.byName[serviceName] = &CachedCapability{
		ServiceName: serviceName,
		ServiceURL:  serviceURL,
		Capability:  cap,
		FetchedAt:   c.now(),
	}
}

// Get returns the cached capability for serviceName, if any.
func (c *Cache) Get(serviceName string) (CachedCapability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cc, ok := c.byName[serviceName]
	if !ok {
		return CachedCapability{}, false
	}
	return *cc, true
}

// GetAll returns every cached capability in discovery order.
func (c *Cache) GetAll() []CachedCapability {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]CachedCapability, 0, len(c.order))
	for _, name := range c.order {
		if cc, ok := c.byName[name]; ok {
			all = append(all, *cc)
		}
	}
	return all
}

// Invalidate drops the cached capability for serviceName.
func (c *Cache) Invalidate(serviceName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[serviceName]; !ok {
		return
	}
	delete(c.byName, serviceName)
	for i, name := range c.order {
		if name == serviceName {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports how many services currently have a cached capability.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
