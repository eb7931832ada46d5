package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/audit"
)

func TestMemoryLogInsertAndQueryByUser(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()

	_, err := log.Insert(ctx, audit.EventDataStored, "user-1", "data-1", map[string]string{"purpose": "contact"})
	require.NoError(t, err)
	_, err = log.Insert(ctx, audit.EventDataStored, "user-2", "data-2", nil)
	require.NoError(t, err)

	entries, err := log.Query(ctx, audit.Filter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "data-1", entries[0].DataID)
	require.NotEmpty(t, entries[0].Details)
}

func TestMemoryLogQueryByDataAndRange(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	tick := now
	log := audit.NewMemoryLog().WithClock(func() time.Time {
		t := tick
		tick = tick.Add(time.Second)
		return t
	})

	_, err := log.Insert(ctx, audit.EventAccessGranted, "user-1", "data-1", nil)
	require.NoError(t, err)
	_, err = log.Insert(ctx, audit.EventAccessGranted, "user-1", "data-1", nil)
	require.NoError(t, err)
	_, err = log.Insert(ctx, audit.EventAccessDenied, "user-1", "data-9", nil)
	require.NoError(t, err)

	byData, err := log.Query(ctx, audit.Filter{DataID: "data-1"})
	require.NoError(t, err)
	require.Len(t, byData, 2)

	byRange, err := log.Query(ctx, audit.Filter{Start: now.Add(500 * time.Millisecond), End: now.Add(5 * time.Second)})
	require.NoError(t, err)
	require.Len(t, byRange, 2)
}

func TestMemoryLogCountByType(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()

	_, err := log.Insert(ctx, audit.EventAuthFailed, "user-1", "", nil)
	require.NoError(t, err)
	_, err = log.Insert(ctx, audit.EventAuthFailed, "user-2", "", nil)
	require.NoError(t, err)
	_, err = log.Insert(ctx, audit.EventAuthSucceeded, "user-1", "", nil)
	require.NoError(t, err)

	n, err := log.CountByType(ctx, audit.EventAuthFailed)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestMemoryLogEntriesAreOrdered(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()

	first, err := log.Insert(ctx, audit.EventDataStored, "u", "d1", nil)
	require.NoError(t, err)
	second, err := log.Insert(ctx, audit.EventDataStored, "u", "d2", nil)
	require.NoError(t, err)

	entries, err := log.Query(ctx, audit.Filter{UserID: "u"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, first.ID, entries[0].ID)
	require.Equal(t, second.ID, entries[1].ID)
}

func TestMemoryLogQueryRespectsLimit(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()

	for i := 0; i < 5; i++ {
		_, err := log.Insert(ctx, audit.EventDataStored, "u", "d", nil)
		require.NoError(t, err)
	}

	entries, err := log.Query(ctx, audit.Filter{UserID: "u", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
