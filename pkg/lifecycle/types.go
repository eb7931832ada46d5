// Package lifecycle implements the service registry, health tracker,
// restart policy, and resource accounting of spec §4.16: it owns the
// supervised view of every mesh service (status, health, resource usage)
// and decides when a service should be restarted.
package lifecycle

import "time"

// Status is the supervised lifecycle state of a service.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// StrategyKind selects which health-check mechanism applies to a service.
type StrategyKind string

const (
	StrategyHTTP    StrategyKind = "http"
	StrategyGRPC    StrategyKind = "grpc"
	StrategyProcess StrategyKind = "process"
)

// HealthCheckStrategy describes how to probe one service's health.
type HealthCheckStrategy struct {
	Kind StrategyKind
	// URL is the health endpoint for StrategyHTTP.
	URL string
	// Service is the gRPC service name for StrategyGRPC.
	Service string
}

// HTTPStrategy builds a StrategyHTTP for the given URL.
func HTTPStrategy(url string) HealthCheckStrategy {
	return HealthCheckStrategy{Kind: StrategyHTTP, URL: url}
}

// GRPCStrategy builds a StrategyGRPC for the given service name.
func GRPCStrategy(service string) HealthCheckStrategy {
	return HealthCheckStrategy{Kind: StrategyGRPC, Service: service}
}

// ProcessStrategy builds a StrategyProcess.
func ProcessStrategy() HealthCheckStrategy {
	return HealthCheckStrategy{Kind: StrategyProcess}
}

// HealthRecord is the tracked health state of one service.
type HealthRecord struct {
	IsHealthy           bool
	ConsecutiveFailures int
	LastCheck           time.Time
	LastError           string
}

// ResourceSample is one point of a service's resource-usage history.
type ResourceSample struct {
	PID         int
	MemoryBytes uint64
	CPUPercent  float64
	Timestamp   time.Time
}

// EnforcementLevel is the verdict an Enforcer returns for a resource limit.
type EnforcementLevel string

const (
	LevelOK       EnforcementLevel = "ok"
	LevelWarning  EnforcementLevel = "warning"
	LevelCritical EnforcementLevel = "critical"
)

// EnforcementResult pairs a verdict with the percentage of limit consumed.
type EnforcementResult struct {
	Level   EnforcementLevel
	Percent float64
}

const (
	warningThresholdPct  = 80.0
	criticalThresholdPct = 100.0
)

// Enforce compares usage against limit and returns the crossed threshold.
// limit <= 0 means unbounded: always Ok.
func Enforce(usage, limit float64) EnforcementResult {
	if limit <= 0 {
		return EnforcementResult{Level: LevelOK, Percent: 0}
	}
	pct := (usage / limit) * 100
	switch {
	case pct >= criticalThresholdPct:
		return EnforcementResult{Level: LevelCritical, Percent: pct}
	case pct >= warningThresholdPct:
		return EnforcementResult{Level: LevelWarning, Percent: pct}
	default:
		return EnforcementResult{Level: LevelOK, Percent: pct}
	}
}
