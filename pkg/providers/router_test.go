package providers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/providers"
)

func newRouter(t *testing.T) (*providers.RequestRouter, *providers.MemoryRegistry) {
	t.Helper()
	reg := providers.NewMemoryRegistry(nil)
	return providers.NewRequestRouter(reg, nil), reg
}

func TestRouteRequestSingleProvider(t *testing.T) {
	router, reg := newRouter(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "provider1", "Test Provider", []string{"llm", "text"}, "http://provider1:8080", nil))

	p, err := router.RouteRequest(ctx, []string{"llm"}, map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "provider1", p.ID)
	require.Equal(t, "http://provider1:8080", p.Endpoint)
}

func TestRouteRequestNoProviders(t *testing.T) {
	router, _ := newRouter(t)
	_, err := router.RouteRequest(context.Background(), []string{"llm"}, map[string]string{})
	require.ErrorIs(t, err, providers.ErrNoProviderAvailable)
}

func TestRouteRequestCapabilityFiltering(t *testing.T) {
	router, reg := newRouter(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "provider1", "P1", []string{"llm", "text"}, "http://provider1:8080", nil))
	require.NoError(t, reg.Register(ctx, "provider2", "P2", []string{"stt", "tts"}, "http://provider2:8080", nil))

	p, err := router.RouteRequest(ctx, []string{"llm"}, map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "provider1", p.ID)
	require.Contains(t, p.Capabilities, "llm")
}

func TestRouteRequestStatusFiltering(t *testing.T) {
	router, reg := newRouter(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "provider1", "P1", []string{"llm"}, "http://provider1:8080", nil))
	require.NoError(t, reg.Register(ctx, "provider2", "P2", []string{"llm"}, "http://provider2:8080", nil))
	require.NoError(t, reg.UpdateStatus(ctx, "provider2", "inactive"))

	p, err := router.RouteRequest(ctx, []string{"llm"}, map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "provider1", p.ID)
	require.Equal(t, "active", p.Status)
}

func TestSelectProviderWithPreferencesReturnsNormalizedScore(t *testing.T) {
	router, reg := newRouter(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "provider1", "P1", []string{"llm"}, "http://provider1:8080", map[string]string{"region": "us-east"}))
	require.NoError(t, reg.Register(ctx, "provider2", "P2", []string{"llm"}, "http://provider2:8080", map[string]string{"region": "eu-west"}))

	id, endpoint, score, err := router.SelectProvider(ctx, []string{"llm"}, map[string]string{"status": "active"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEmpty(t, endpoint)
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}

func TestSelectProviderSingleMatchNormalizesCloseToOne(t *testing.T) {
	router, reg := newRouter(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "provider1", "P1", []string{"llm", "text"}, "http://provider1:8080", map[string]string{"region": "us-east"}))

	id, _, score, err := router.SelectProvider(ctx, []string{"llm", "text"}, map[string]string{"region": "us-east"})
	require.NoError(t, err)
	require.Equal(t, "provider1", id)
	require.InDelta(t, 1.0, score, 0.01)
}

func TestLoadBalancingRoundRobinDistributesAcrossTiedProviders(t *testing.T) {
	router, reg := newRouter(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, reg.Register(ctx, providerName(i), providerName(i), []string{"llm"}, "http://"+providerName(i), nil))
	}

	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		p, err := router.RouteRequest(ctx, []string{"llm"}, map[string]string{})
		require.NoError(t, err)
		seen[p.ID] = true
	}
	require.Len(t, seen, 3)
}

func TestRouteRequestWithFallbackSucceeds(t *testing.T) {
	router, reg := newRouter(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, reg.Register(ctx, providerName(i), providerName(i), []string{"llm"}, "http://"+providerName(i), nil))
	}

	p, err := router.RouteRequestWithFallback(ctx, []string{"llm"}, map[string]string{}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
}

func TestRouteRequestWithFallbackExhaustsCandidates(t *testing.T) {
	router, reg := newRouter(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "provider1", "P1", []string{"llm"}, "http://provider1", nil))

	_, err := router.RouteRequestWithFallback(ctx, []string{"llm"}, map[string]string{}, 0)
	require.ErrorIs(t, err, providers.ErrNoProviderAvailable)
}

func providerName(i int) string {
	return "provider" + string(rune('0'+i))
}
