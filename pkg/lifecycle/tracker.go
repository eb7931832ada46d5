package lifecycle

import (
	"sync"
	"time"
)

type trackedService struct {
	strategy    HealthCheckStrategy
	health      HealthRecord
	maxFailures int
}

// HealthTracker holds the registered health-check strategy and last-known
// health record for every supervised service.
type HealthTracker struct {
	mu              sync.RWMutex
	services        map[string]*trackedService
	defaultMaxFails int
	now             func() time.Time
}

// NewHealthTracker builds a tracker with the given default consecutive-
// failure threshold (used when a service hasn't called SetMaxFailures).
func NewHealthTracker(defaultMaxFailures int) *HealthTracker {
	return &HealthTracker{services: make(map[string]*trackedService), defaultMaxFails: defaultMaxFailures, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (t *HealthTracker) WithClock(now func() time.Time) *HealthTracker {
	t.now = now
	return t
}

// RegisterService adds a service under tracking, healthy by default.
func (t *HealthTracker) RegisterService(name string, strategy HealthCheckStrategy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services[name] = &trackedService{
		strategy:    strategy,
		health:      HealthRecord{IsHealthy: true, LastCheck: t.now()},
		maxFailures: t.defaultMaxFails,
	}
}

// SetMaxFailures overrides the consecutive-failure threshold for a service.
func (t *HealthTracker) SetMaxFailures(name string, max int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if svc, ok := t.services[name]; ok {
		svc.maxFailures = max
	}
}

// GetStrategy returns the registered strategy for name, if any.
func (t *HealthTracker) GetStrategy(name string) (HealthCheckStrategy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	svc, ok := t.services[name]
	if !ok {
		return HealthCheckStrategy{}, false
	}
	return svc.strategy, true
}

// ListServices returns every tracked service name.
func (t *HealthTracker) ListServices() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.services))
	for name := range t.services {
		names = append(names, name)
	}
	return names
}

// UpdateHealth is idempotent: success resets consecutive_failures to 0;
// failure increments it and records lastError.
func (t *HealthTracker) UpdateHealth(name string, healthy bool, lastError string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	svc, ok := t.services[name]
	if !ok {
		return
	}
	svc.health.LastCheck = t.now()
	if healthy {
		svc.health.IsHealthy = true
		svc.health.ConsecutiveFailures = 0
		svc.health.LastError = ""
		return
	}
	svc.health.IsHealthy = false
	svc.health.ConsecutiveFailures++
	svc.health.LastError = lastError
}

// GetHealth returns the current health record for name, if tracked.
func (t *HealthTracker) GetHealth(name string) (HealthRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	svc, ok := t.services[name]
	if !ok {
		return HealthRecord{}, false
	}
	return svc.health, true
}

// ShouldRestart reports whether name's consecutive failures have reached
// its configured threshold.
func (t *HealthTracker) ShouldRestart(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	svc, ok := t.services[name]
	if !ok {
		return false
	}
	max := svc.maxFailures
	if max <= 0 {
		max = t.defaultMaxFails
	}
	return !svc.health.IsHealthy && svc.health.ConsecutiveFailures >= max
}
