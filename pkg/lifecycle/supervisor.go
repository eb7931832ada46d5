package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// Supervisor owns one service's lifecycle: its health tracker, restart
// policy, and resource accounting, and runs the periodic health-check loop
// described in spec §4.16. Grounded on
// original_source/gladsheim/src/roskva/health.rs's Roskva type.
type Supervisor struct {
	monitor   *HealthMonitor
	tracker   *HealthTracker
	resources *ResourceTracker
	policy    RestartPolicy
	attempts  *RestartAttemptTracker

	pids map[string]int
}

// NewSupervisor builds a supervisor. defaultMaxFailures is the consecutive-
// failure threshold used unless a service calls SetMaxFailures.
func NewSupervisor(grpcChecker GRPCHealthChecker, defaultMaxFailures int, policy RestartPolicy) *Supervisor {
	return &Supervisor{
		monitor:   NewHealthMonitor(grpcChecker),
		tracker:   NewHealthTracker(defaultMaxFailures),
		resources: NewResourceTracker(DefaultHistoryCapacity),
		policy:    policy,
		attempts:  NewRestartAttemptTracker(),
		pids:      make(map[string]int),
	}
}

// HealthTracker exposes the underlying tracker for registration and queries.
func (s *Supervisor) HealthTracker() *HealthTracker { return s.tracker }

// ResourceTracker exposes the underlying resource tracker.
func (s *Supervisor) ResourceTracker() *ResourceTracker { return s.resources }

// RegisterService tracks name under strategy, with an optional pid used by
// StrategyProcess checks.
func (s *Supervisor) RegisterService(name string, strategy HealthCheckStrategy, pid int) {
	s.tracker.RegisterService(name, strategy)
	if pid > 0 {
		s.pids[name] = pid
	}
}

// CheckServiceHealth runs the configured strategy for name. A service with
// no registered strategy is assumed healthy, per spec §4.16.
func (s *Supervisor) CheckServiceHealth(ctx context.Context, name string) (bool, error) {
	strategy, ok := s.tracker.GetStrategy(name)
	if !ok {
		return true, nil
	}
	return s.monitor.CheckStrategy(ctx, strategy, s.pids[name])
}

// EvaluateRestart returns the backoff delay to wait before restarting name,
// or false if no restart should happen (healthy, or the policy/tracker
// disallow another attempt). The caller performs the actual restart and
// then calls Attempts().Increment(name).
func (s *Supervisor) EvaluateRestart(name string) (time.Duration, bool) {
	if !s.tracker.ShouldRestart(name) {
		return 0, false
	}
	attempts := s.attempts.Get(name)
	if !s.policy.ShouldAllowRestart(attempts) {
		return 0, false
	}
	serviceRestarts.WithLabelValues(name).Inc()
	return s.policy.BackoffDuration(attempts), true
}

// Attempts exposes the restart-attempt tracker.
func (s *Supervisor) Attempts() *RestartAttemptTracker { return s.attempts }

// RunHealthLoop runs one tick of the health-check loop immediately and
// thereafter on every interval tick, until ctx is cancelled. Matches
// Roskva::start_monitoring_loop's tick/shutdown select, using a context
// cancellation in place of a watch-channel shutdown signal.
func (s *Supervisor) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	healthCheckTicks.Inc()
	for _, name := range s.tracker.ListServices() {
		healthy, err := s.CheckServiceHealth(ctx, name)
		if err != nil {
			s.tracker.UpdateHealth(name, false, err.Error())
			slog.WarnContext(ctx, "lifecycle: health check failed", "service", name, "err", err)
			continue
		}
		s.tracker.UpdateHealth(name, healthy, "")
		if healthy {
			s.attempts.Reset(name)
		}
	}
}
