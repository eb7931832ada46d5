package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache memoizes Query results keyed by (capability set, status), per spec
// §4.15. The registries in this package hold no Cache and do not call
// Invalidate when they change; an entry stays until Invalidate is called or
// its TTL or size bound removes it.
type Cache interface {
	Get(ctx context.Context, requiredCaps []string, status string) ([]Provider, bool)
	Put(ctx context.Context, requiredCaps []string, status string, providers []Provider)
	Invalidate(ctx context.Context)
}

func cacheKey(requiredCaps []string, status string) string {
	sorted := append([]string(nil), requiredCaps...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "|" + status
}

type cacheEntry struct {
	providers []Provider
	expiresAt time.Time
}

// MemoryCache is a size-bounded, TTL-expiring in-process cache.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	order    []string
	ttl      time.Duration
	maxSize  int
	now      func() time.Time
}

// NewMemoryCache builds a cache with the given TTL and maximum entry count.
func NewMemoryCache(ttl time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), ttl: ttl, maxSize: maxSize, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Get(_ context.Context, requiredCaps []string, status string) ([]Provider, bool) {
	key := cacheKey(requiredCaps, status)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.order = removeString(c.order, key)
		return nil, false
	}
	return entry.providers, true
}

func (c *MemoryCache) Put(_ context.Context, requiredCaps []string, status string, providers []Provider) {
	key := cacheKey(requiredCaps, status)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{providers: providers, expiresAt: c.now().Add(c.ttl)}

	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *MemoryCache) Invalidate(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.order = nil
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// RedisCache is a shared cache keyed by a generation counter: every key is
// namespaced with the current generation, so Invalidate is a single INCR
// rather than a key scan.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache builds a cache backed by the given Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "aegismesh:providers"}
}

func (c *RedisCache) generation(ctx context.Context) int64 {
	gen, err := c.client.Get(ctx, c.prefix+":gen").Int64()
	if err != nil {
		return 0
	}
	return gen
}

func (c *RedisCache) namespacedKey(ctx context.Context, requiredCaps []string, status string) string {
	return fmt.Sprintf("%s:%d:%s", c.prefix, c.generation(ctx), cacheKey(requiredCaps, status))
}

func (c *RedisCache) Get(ctx context.Context, requiredCaps []string, status string) ([]Provider, bool) {
	raw, err := c.client.Get(ctx, c.namespacedKey(ctx, requiredCaps, status)).Bytes()
	if err != nil {
		return nil, false
	}
	var providers []Provider
	if err := json.Unmarshal(raw, &providers); err != nil {
		return nil, false
	}
	return providers, true
}

func (c *RedisCache) Put(ctx context.Context, requiredCaps []string, status string, providers []Provider) {
	raw, err := json.Marshal(providers)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.namespacedKey(ctx, requiredCaps, status), raw, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	c.client.Incr(ctx, c.prefix+":gen")
}
