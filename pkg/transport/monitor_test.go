package transport_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/audit"
	"github.com/aegismesh/aegis/pkg/transport"
)

func TestSecurityMonitorRecordsAuditEntry(t *testing.T) {
	log := audit.NewMemoryLog()
	mon := transport.NewSecurityMonitor(log)

	mon.RecordEvent(context.Background(), transport.SecurityEvent{
		Type: transport.SecurityAuthFailure, DeviceID: "device-a", UserID: "user-1", Detail: "bad token", Severity: transport.SeverityMedium,
	})

	entries, err := log.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, audit.EventAuthFailed, entries[0].EventType)
}

func TestSecurityMonitorEscalatesAfterThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	log := audit.NewMemoryLog()
	mon := transport.NewSecurityMonitor(log).WithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		mon.RecordEvent(context.Background(), transport.SecurityEvent{
			Type: transport.SecurityAuthFailure, DeviceID: "device-a", UserID: "user-1", Severity: transport.SeverityMedium,
		})
	}

	entries, err := log.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 5)

	var last map[string]any
	require.NoError(t, json.Unmarshal(entries[4].Details, &last))
	require.Equal(t, string(transport.SeverityCritical), last["severity"])
}

func TestSecurityMonitorDoesNotEscalateAcrossWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	log := audit.NewMemoryLog()
	mon := transport.NewSecurityMonitor(log).WithClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		mon.RecordEvent(context.Background(), transport.SecurityEvent{Type: transport.SecurityAuthFailure, DeviceID: "device-a", Severity: transport.SeverityMedium})
	}
	now = now.Add(2 * time.Minute)
	mon.RecordEvent(context.Background(), transport.SecurityEvent{Type: transport.SecurityAuthFailure, DeviceID: "device-a", Severity: transport.SeverityMedium})

	entries, err := log.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)

	var last map[string]any
	require.NoError(t, json.Unmarshal(entries[len(entries)-1].Details, &last))
	require.Equal(t, string(transport.SeverityMedium), last["severity"])
}
