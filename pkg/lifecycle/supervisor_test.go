package lifecycle_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/lifecycle"
)

func TestCheckServiceHealthWithoutStrategyIsHealthy(t *testing.T) {
	sup := lifecycle.NewSupervisor(nil, 3, lifecycle.NewRestartPolicy(true, 5))
	healthy, err := sup.CheckServiceHealth(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.True(t, healthy)
}

func TestEvaluateRestartReturnsBackoffWhenShouldRestartAndPolicyAllows(t *testing.T) {
	sup := lifecycle.NewSupervisor(nil, 2, lifecycle.NewRestartPolicy(true, 5))
	sup.RegisterService("svc", lifecycle.HTTPStrategy("http://127.0.0.1:1/health"), 0)

	sup.HealthTracker().UpdateHealth("svc", false, "down")
	sup.HealthTracker().UpdateHealth("svc", false, "down")

	delay, ok := sup.EvaluateRestart("svc")
	require.True(t, ok)
	require.Equal(t, time.Second, delay)
}

func TestEvaluateRestartNoneWhenPolicyDisabled(t *testing.T) {
	sup := lifecycle.NewSupervisor(nil, 1, lifecycle.NewRestartPolicy(false, 5))
	sup.RegisterService("svc", lifecycle.HTTPStrategy("http://127.0.0.1:1/health"), 0)
	sup.HealthTracker().UpdateHealth("svc", false, "down")

	_, ok := sup.EvaluateRestart("svc")
	require.False(t, ok)
}

func TestRunHealthLoopUpdatesHealthAfterTick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sup := lifecycle.NewSupervisor(nil, 3, lifecycle.NewRestartPolicy(true, 5))
	sup.RegisterService("loop-test", lifecycle.HTTPStrategy(srv.URL), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.RunHealthLoop(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	h, ok := sup.HealthTracker().GetHealth("loop-test")
	require.True(t, ok)
	require.True(t, h.IsHealthy)
}

func TestRunHealthLoopMarksUnreachableServiceUnhealthy(t *testing.T) {
	sup := lifecycle.NewSupervisor(nil, 3, lifecycle.NewRestartPolicy(true, 5))
	sup.RegisterService("unreachable", lifecycle.HTTPStrategy("http://127.0.0.1:1/health"), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.RunHealthLoop(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	h, ok := sup.HealthTracker().GetHealth("unreachable")
	require.True(t, ok)
	require.False(t, h.IsHealthy)
	require.GreaterOrEqual(t, h.ConsecutiveFailures, 1)
}
