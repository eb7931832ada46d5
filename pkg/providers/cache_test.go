package providers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/providers"
)

func TestMemoryCachePutThenGet(t *testing.T) {
	c := providers.NewMemoryCache(time.Minute, 10)
	ctx := context.Background()

	c.Put(ctx, []string{"llm"}, "active", []providers.Provider{{ID: "p1"}})
	found, ok := c.Get(ctx, []string{"llm"}, "active")
	require.True(t, ok)
	require.Len(t, found, 1)
	require.Equal(t, "p1", found[0].ID)
}

func TestMemoryCacheKeyOrderIndependent(t *testing.T) {
	c := providers.NewMemoryCache(time.Minute, 10)
	ctx := context.Background()

	c.Put(ctx, []string{"llm", "text"}, "active", []providers.Provider{{ID: "p1"}})
	found, ok := c.Get(ctx, []string{"text", "llm"}, "active")
	require.True(t, ok)
	require.Len(t, found, 1)
}

func TestMemoryCacheExpiresAfterTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := providers.NewMemoryCache(time.Minute, 10).WithClock(func() time.Time { return now })
	ctx := context.Background()

	c.Put(ctx, []string{"llm"}, "active", []providers.Provider{{ID: "p1"}})
	now = now.Add(2 * time.Minute)

	_, ok := c.Get(ctx, []string{"llm"}, "active")
	require.False(t, ok)
}

func TestMemoryCacheEvictsOldestBeyondMaxSize(t *testing.T) {
	c := providers.NewMemoryCache(time.Minute, 2)
	ctx := context.Background()

	c.Put(ctx, []string{"a"}, "active", []providers.Provider{{ID: "pa"}})
	c.Put(ctx, []string{"b"}, "active", []providers.Provider{{ID: "pb"}})
	c.Put(ctx, []string{"c"}, "active", []providers.Provider{{ID: "pc"}})

	_, ok := c.Get(ctx, []string{"a"}, "active")
	require.False(t, ok, "oldest entry should have been evicted")

	_, ok = c.Get(ctx, []string{"c"}, "active")
	require.True(t, ok)
}

func TestMemoryCacheInvalidateClearsAllEntries(t *testing.T) {
	c := providers.NewMemoryCache(time.Minute, 10)
	ctx := context.Background()

	c.Put(ctx, []string{"llm"}, "active", []providers.Provider{{ID: "p1"}})
	c.Invalidate(ctx)

	_, ok := c.Get(ctx, []string{"llm"}, "active")
	require.False(t, ok)
}
