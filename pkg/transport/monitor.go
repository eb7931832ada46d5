package transport

import (
	"context"
	"sync"
	"time"

	"github.com/aegismesh/aegis/pkg/audit"
)

// SecurityEventType categorizes an event recorded by the SecurityMonitor.
type SecurityEventType string

const (
	SecurityInvalidSignature   SecurityEventType = "InvalidSignature"
	SecurityRateLimitExceeded  SecurityEventType = "RateLimitExceeded"
	SecurityAuthFailure        SecurityEventType = "AuthFailure"
	SecurityReplayDetected     SecurityEventType = "ReplayDetected"
	SecurityConnectionAccepted SecurityEventType = "ConnectionAccepted"
	SecurityMessageRouted      SecurityEventType = "MessageRouted"
	SecurityIsolationBlocked   SecurityEventType = "IsolationBlocked"
)

// Severity ranks a SecurityEvent's urgency.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// SecurityEvent is one record fed to the SecurityMonitor.
type SecurityEvent struct {
	Type     SecurityEventType
	DeviceID string
	UserID   string
	Detail   string
	Severity Severity
}

// thresholdRule elevates an event type to Critical once it recurs Count
// times within Window.
type thresholdRule struct {
	Type   SecurityEventType
	Count  int
	Window time.Duration
}

// SecurityMonitor records transport security events and escalates severity
// via threshold rules. It is purely observational: it never mutates
// transport state, only records events and writes audit entries
// (spec §4.10).
type SecurityMonitor struct {
	mu      sync.Mutex
	log     audit.Log
	now     func() time.Time
	rules   []thresholdRule
	history map[SecurityEventType][]time.Time
}

// NewSecurityMonitor creates a monitor writing escalation-worthy events to
// log.
func NewSecurityMonitor(log audit.Log) *SecurityMonitor {
	return &SecurityMonitor{
		log: log,
		now: time.Now,
		rules: []thresholdRule{
			{Type: SecurityAuthFailure, Count: 5, Window: time.Minute},
			{Type: SecurityInvalidSignature, Count: 5, Window: time.Minute},
			{Type: SecurityReplayDetected, Count: 3, Window: time.Minute},
		},
		history: make(map[SecurityEventType][]time.Time),
	}
}

// WithClock overrides the time source for deterministic testing.
func (m *SecurityMonitor) WithClock(now func() time.Time) *SecurityMonitor {
	m.now = now
	return m
}

// RecordEvent records ev, escalating its severity to Critical if a
// threshold rule for its type has been crossed within its window, then
// emits a matching audit entry.
func (m *SecurityMonitor) RecordEvent(ctx context.Context, ev SecurityEvent) {
	now := m.now()

	m.mu.Lock()
	hist := append(m.history[ev.Type], now)
	cutoff := now.Add(-m.windowFor(ev.Type))
	pruned := hist[:0]
	for _, t := range hist {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	m.history[ev.Type] = pruned
	count := len(pruned)
	m.mu.Unlock()

	if m.crossedThreshold(ev.Type, count) {
		ev.Severity = SeverityCritical
	}

	if m.log == nil {
		return
	}
	_, _ = m.log.Insert(ctx, eventTypeForSecurity(ev.Type), ev.UserID, "", map[string]any{
		"device_id": ev.DeviceID,
		"detail":    ev.Detail,
		"severity":  ev.Severity,
	})
}

func (m *SecurityMonitor) windowFor(t SecurityEventType) time.Duration {
	for _, r := range m.rules {
		if r.Type == t {
			return r.Window
		}
	}
	return time.Minute
}

func (m *SecurityMonitor) crossedThreshold(t SecurityEventType, count int) bool {
	for _, r := range m.rules {
		if r.Type == t && count >= r.Count {
			return true
		}
	}
	return false
}

func eventTypeForSecurity(t SecurityEventType) audit.EventType {
	switch t {
	case SecurityAuthFailure:
		return audit.EventAuthFailed
	case SecurityRateLimitExceeded:
		return audit.EventRateLimitHit
	case SecurityIsolationBlocked:
		return audit.EventAccessDenied
	default:
		return audit.EventTransportError
	}
}
