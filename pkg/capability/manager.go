package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ServiceClient is the transport-agnostic RPC surface a mesh service exposes
// for discovery and the responsibility protocol (spec §4.12, §6).
type ServiceClient interface {
	GetCapabilities(ctx context.Context) (Capability, error)
	TakeResponsibility(ctx context.Context, req TakeResponsibilityRequest) (TakeResponsibilityResponse, error)
	ReturnResponsibility(ctx context.Context, req ReturnResponsibilityRequest) (ReturnResponsibilityResponse, error)
	RejectResponsibility(ctx context.Context, req RejectResponsibilityRequest) (RejectResponsibilityResponse, error)
}

// ClientFactory builds a ServiceClient bound to serviceURL. Manager calls it
// at most once per service name and reuses the result.
type ClientFactory func(serviceName, serviceURL string) (ServiceClient, error)

// Manager discovers capabilities and brokers the responsibility protocol
// across registered services, grounded on the protocol-manager shape: a
// settings-configured URL table consulted first, falling back to whatever
// URL the capability cache itself learned for a service.
type Manager struct {
	cache      *Cache
	factory    ClientFactory
	serviceURL map[string]string

	mu      sync.Mutex
	clients map[string]ServiceClient
}

// NewManager creates a Manager over cache. serviceURL pins known service
// names to a configured URL; services discovered only through the cache
// (e.g. plugins) resolve their URL from the cached record instead.
func NewManager(cache *Cache, factory ClientFactory, serviceURL map[string]string) *Manager {
	if serviceURL == nil {
		serviceURL = map[string]string{}
	}
	return &Manager{
		cache:      cache,
		factory:    factory,
		serviceURL: serviceURL,
		clients:    make(map[string]ServiceClient),
	}
}

// Cache returns the underlying capability cache.
func (m *Manager) Cache() *Cache { return m.cache }

// DiscoverAll refreshes capabilities for every configured service. A single
// service's failure is logged and does not abort discovery for the rest.
func (m *Manager) DiscoverAll(ctx context.Context) error {
	for name, url := range m.serviceURL {
		if err := m.DiscoverService(ctx, name, url); err != nil {
			slog.WarnContext(ctx, "capability: discovery failed", "service", name, "error", err)
		}
	}
	return nil
}

// DiscoverService fetches and caches the capability advertised by a single
// service, creating (and retaining) its client on first use.
func (m *Manager) DiscoverService(ctx context.Context, serviceName, serviceURL string) error {
	client, err := m.clientFor(serviceName, serviceURL)
	if err != nil {
		return fmt.Errorf("capability: client for %s: %w", serviceName, err)
	}

	cap, err := client.GetCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("capability: get capabilities from %s: %w", serviceName, err)
	}

	m.cache.Update(serviceName, serviceURL, cap)
	slog.InfoContext(ctx, "capability: discovered", "service", serviceName)
	return nil
}

func (m *Manager) clientFor(serviceName, serviceURL string) (ServiceClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[serviceName]; ok {
		return client, nil
	}
	client, err := m.factory(serviceName, serviceURL)
	if err != nil {
		return nil, err
	}
	m.clients[serviceName] = client
	return client, nil
}

// ResolveServiceURL returns serviceName's URL: the configured value first,
// then whatever the capability cache learned for it.
func (m *Manager) ResolveServiceURL(serviceName string) (string, bool) {
	if url, ok := m.serviceURL[serviceName]; ok {
		return url, true
	}
	if cc, ok := m.cache.Get(serviceName); ok {
		return cc.ServiceURL, true
	}
	return "", false
}

// TakeResponsibility asks serviceName to accept ownership of req.
func (m *Manager) TakeResponsibility(ctx context.Context, serviceName string, req TakeResponsibilityRequest) (TakeResponsibilityResponse, error) {
	url, ok := m.ResolveServiceURL(serviceName)
	if !ok {
		return TakeResponsibilityResponse{}, fmt.Errorf("capability: service %q not configured or cached", serviceName)
	}
	client, err := m.clientFor(serviceName, url)
	if err != nil {
		return TakeResponsibilityResponse{}, fmt.Errorf("capability: client for %s: %w", serviceName, err)
	}
	return client.TakeResponsibility(ctx, req)
}

// ReturnResponsibility hands a previously-accepted request back to the mesh.
func (m *Manager) ReturnResponsibility(ctx context.Context, serviceName string, req ReturnResponsibilityRequest) (ReturnResponsibilityResponse, error) {
	url, ok := m.ResolveServiceURL(serviceName)
	if !ok {
		return ReturnResponsibilityResponse{}, fmt.Errorf("capability: service %q not configured or cached", serviceName)
	}
	client, err := m.clientFor(serviceName, url)
	if err != nil {
		return ReturnResponsibilityResponse{}, fmt.Errorf("capability: client for %s: %w", serviceName, err)
	}
	return client.ReturnResponsibility(ctx, req)
}

// RejectResponsibility declines a request that was never accepted.
func (m *Manager) RejectResponsibility(ctx context.Context, serviceName string, req RejectResponsibilityRequest) (RejectResponsibilityResponse, error) {
	url, ok := m.ResolveServiceURL(serviceName)
	if !ok {
		return RejectResponsibilityResponse{}, fmt.Errorf("capability: service %q not configured or cached", serviceName)
	}
	client, err := m.clientFor(serviceName, url)
	if err != nil {
		return RejectResponsibilityResponse{}, fmt.Errorf("capability: client for %s: %w", serviceName, err)
	}
	return client.RejectResponsibility(ctx, req)
}
