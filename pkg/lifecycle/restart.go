package lifecycle

import (
	"math"
	"sync"
	"time"
)

// RestartPolicy implements the exponential backoff of spec §4.16:
// delay(n) = min(max, initial * base^n), guarded by should_allow_restart.
type RestartPolicy struct {
	Enabled     bool
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Base        float64
}

// NewRestartPolicy builds a policy with the teacher's usual backoff base
// (2.0) and a 1s/60s initial/max window; attemptsAllowed is max_attempts.
func NewRestartPolicy(enabled bool, attemptsAllowed int) RestartPolicy {
	return RestartPolicy{
		Enabled:     enabled,
		MaxAttempts: attemptsAllowed,
		Initial:     time.Second,
		Max:         60 * time.Second,
		Base:        2.0,
	}
}

// ShouldAllowRestart reports whether another restart attempt is permitted.
func (p RestartPolicy) ShouldAllowRestart(attempts int) bool {
	return p.Enabled && attempts < p.MaxAttempts
}

// BackoffDuration computes delay(attempts) = min(max, initial * base^attempts).
func (p RestartPolicy) BackoffDuration(attempts int) time.Duration {
	delay := float64(p.Initial) * math.Pow(p.Base, float64(attempts))
	if delay > float64(p.Max) {
		return p.Max
	}
	return time.Duration(delay)
}

// RestartAttemptTracker counts consecutive restart attempts per service.
type RestartAttemptTracker struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewRestartAttemptTracker builds an empty tracker.
func NewRestartAttemptTracker() *RestartAttemptTracker {
	return &RestartAttemptTracker{attempts: make(map[string]int)}
}

// Get returns the current attempt count for name.
func (t *RestartAttemptTracker) Get(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[name]
}

// Increment records one more restart attempt for name.
func (t *RestartAttemptTracker) Increment(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[name]++
}

// Reset clears name's attempt count, called when a service becomes healthy.
func (t *RestartAttemptTracker) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, name)
}
