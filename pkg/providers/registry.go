package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aegismesh/aegis/pkg/audit"
)

// Update describes an optional partial update to an existing provider; a
// nil field leaves the corresponding column unchanged, matching spec
// §4.14's `update(id, name?, caps?, endpoint?, metadata?)`.
type Update struct {
	Name         *string
	Capabilities []string // nil leaves capabilities unchanged; non-nil replaces the whole set
	Endpoint     *string
	Metadata     map[string]string // nil leaves metadata unchanged
}

// Registry is the provider catalog contract, implemented by MemoryRegistry
// and PostgresRegistry.
type Registry interface {
	Register(ctx context.Context, id, name string, caps []string, endpoint string, metadata map[string]string) error
	Update(ctx context.Context, id string, upd Update) error
	UpdateStatus(ctx context.Context, id, status string) error
	Query(ctx context.Context, requiredCaps []string, status string) ([]Provider, error)
	List(ctx context.Context, limit, offset int) (ListResult, error)
}

// MemoryRegistry is an in-process provider catalog, suitable for tests and
// single-node deployments without a durable store.
type MemoryRegistry struct {
	mu       sync.RWMutex
	byID     map[string]*Provider
	order    []string
	log      audit.Log
	now      func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry. log may be nil.
func NewMemoryRegistry(log audit.Log) *MemoryRegistry {
	return &MemoryRegistry{byID: make(map[string]*Provider), log: log, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (r *MemoryRegistry) WithClock(now func() time.Time) *MemoryRegistry {
	r.now = now
	return r
}

func (r *MemoryRegistry) Register(ctx context.Context, id, name string, caps []string, endpoint string, metadata map[string]string) error {
	r.mu.Lock()
	if _, exists := r.byID[id]; exists {
		r.mu.Unlock()
		return ErrAlreadyExists
	}
	now := r.now()
	r.byID[id] = &Provider{
		ID: id, Name: name, Capabilities: append([]string(nil), caps...), Endpoint: endpoint,
		Status: "active", Metadata: copyMeta(metadata), CreatedAt: now, UpdatedAt: now,
	}
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.audit(ctx, audit.EventProviderRegistered, id, map[string]any{"name": name, "endpoint": endpoint})
	return nil
}

func (r *MemoryRegistry) Update(ctx context.Context, id string, upd Update) error {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Capabilities != nil {
		p.Capabilities = append([]string(nil), upd.Capabilities...)
	}
	if upd.Endpoint != nil {
		p.Endpoint = *upd.Endpoint
	}
	if upd.Metadata != nil {
		p.Metadata = copyMeta(upd.Metadata)
	}
	p.UpdatedAt = r.now()
	r.mu.Unlock()

	r.audit(ctx, audit.EventProviderUpdated, id, nil)
	return nil
}

func (r *MemoryRegistry) UpdateStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = r.now()
	r.mu.Unlock()

	r.audit(ctx, audit.EventProviderStatus, id, map[string]any{"status": status})
	return nil
}

func (r *MemoryRegistry) Query(_ context.Context, requiredCaps []string, status string) ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	for _, id := range r.order {
		p := r.byID[id]
		if !p.hasCapabilities(requiredCaps) {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (r *MemoryRegistry) List(_ context.Context, limit, offset int) (ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, *r.byID[id])
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return ListResult{Providers: []Provider{}, Total: total}, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return ListResult{Providers: all[offset:end], Total: total}, nil
}

func (r *MemoryRegistry) audit(ctx context.Context, eventType audit.EventType, providerID string, details map[string]any) {
	if r.log == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["provider_id"] = providerID
	_, _ = r.log.Insert(ctx, eventType, "", providerID, details)
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
