package providers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/audit"
	"github.com/aegismesh/aegis/pkg/providers"
)

func TestRegistryRegisterThenQuery(t *testing.T) {
	reg := providers.NewMemoryRegistry(nil)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "p1", "Provider 1", []string{"llm", "text"}, "http://p1:8080", nil))

	found, err := reg.Query(ctx, []string{"llm"}, "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "p1", found[0].ID)
}

func TestRegistryRegisterDuplicateFails(t *testing.T) {
	reg := providers.NewMemoryRegistry(nil)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "p1", "Provider 1", []string{"llm"}, "http://p1", nil))

	err := reg.Register(ctx, "p1", "Provider 1 Dup", []string{"llm"}, "http://p1", nil)
	require.ErrorIs(t, err, providers.ErrAlreadyExists)
}

func TestRegistryQueryFiltersByCapabilitySuperset(t *testing.T) {
	reg := providers.NewMemoryRegistry(nil)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "p1", "P1", []string{"llm", "text"}, "http://p1", nil))
	require.NoError(t, reg.Register(ctx, "p2", "P2", []string{"stt", "tts"}, "http://p2", nil))

	found, err := reg.Query(ctx, []string{"llm"}, "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "p1", found[0].ID)
}

func TestRegistryQueryFiltersByStatus(t *testing.T) {
	reg := providers.NewMemoryRegistry(nil)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "p1", "P1", []string{"llm"}, "http://p1", nil))
	require.NoError(t, reg.Register(ctx, "p2", "P2", []string{"llm"}, "http://p2", nil))
	require.NoError(t, reg.UpdateStatus(ctx, "p2", "inactive"))

	found, err := reg.Query(ctx, []string{"llm"}, "active")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "p1", found[0].ID)
}

func TestRegistryUpdateReplacesCapabilities(t *testing.T) {
	reg := providers.NewMemoryRegistry(nil)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "p1", "P1", []string{"llm"}, "http://p1", nil))

	newCaps := []string{"stt"}
	require.NoError(t, reg.Update(ctx, "p1", providers.Update{Capabilities: newCaps}))

	found, err := reg.Query(ctx, []string{"llm"}, "")
	require.NoError(t, err)
	require.Empty(t, found)

	found, err = reg.Query(ctx, []string{"stt"}, "")
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestRegistryUpdateUnknownIDFails(t *testing.T) {
	reg := providers.NewMemoryRegistry(nil)
	err := reg.Update(context.Background(), "missing", providers.Update{})
	require.ErrorIs(t, err, providers.ErrNotFound)
}

func TestRegistryListOrdersNewestFirstWithPagination(t *testing.T) {
	reg := providers.NewMemoryRegistry(nil)
	base := time.Unix(1000, 0)
	tick := 0
	reg.WithClock(func() time.Time {
		t := base.Add(time.Duration(tick) * time.Second)
		tick++
		return t
	})
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "p1", "P1", []string{"llm"}, "http://p1", nil))
	require.NoError(t, reg.Register(ctx, "p2", "P2", []string{"llm"}, "http://p2", nil))
	require.NoError(t, reg.Register(ctx, "p3", "P3", []string{"llm"}, "http://p3", nil))

	page, err := reg.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Providers, 2)
	require.Equal(t, "p3", page.Providers[0].ID)
	require.Equal(t, "p2", page.Providers[1].ID)
}

func TestRegistryMutationsEmitAuditEvents(t *testing.T) {
	log := audit.NewMemoryLog()
	reg := providers.NewMemoryRegistry(log)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "p1", "P1", []string{"llm"}, "http://p1", nil))
	require.NoError(t, reg.UpdateStatus(ctx, "p1", "inactive"))

	count, err := log.CountByType(ctx, audit.EventProviderRegistered)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = log.CountByType(ctx, audit.EventProviderStatus)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
