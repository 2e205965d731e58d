// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestPGStore connects to the database named by ATTENDSYNC_TEST_PG_URL and
// truncates the attendance tables. Tests are skipped when the variable is
// unset so the suite stays runnable without Postgres.
func openTestPGStore(t *testing.T) *PGStore {
	t.Helper()
	dsn := os.Getenv("ATTENDSYNC_TEST_PG_URL")
	if dsn == "" {
		t.Skip("ATTENDSYNC_TEST_PG_URL not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := NewPGStore(ctx, pool, nil)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `TRUNCATE attendance.attendance_events, attendance.sync_watermarks, attendance.devices`)
	require.NoError(t, err)
	return store
}

func pgSampleEvent(employeeID string, ts time.Time) AttendanceEvent {
	return AttendanceEvent{
		UniqueKey:  EventKey("10.0.0.1", employeeID, ts),
		DeviceIP:   "10.0.0.1",
		EmployeeID: employeeID,
		CompanyID:  "acme",
		Timestamp:  ts,
		State:      StateCheckIn,
		Date:       ts.Format("2006-01-02"),
		SyncedAt:   time.Now().UTC(),
	}
}

func TestPGStore_InsertAndDuplicate(t *testing.T) {
	store := openTestPGStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertEvent(ctx, pgSampleEvent("emp-1", ts)))
	require.ErrorIs(t, store.InsertEvent(ctx, pgSampleEvent("emp-1", ts)), ErrDuplicateKey)

	err := store.InsertEvents(ctx, []AttendanceEvent{
		pgSampleEvent("emp-2", ts),
		pgSampleEvent("emp-1", ts),
	})
	require.ErrorIs(t, err, ErrDuplicateKey)

	// The failed batch rolled back as a whole.
	existing, err := store.ExistingKeys(ctx, []uuid.UUID{
		pgSampleEvent("emp-1", ts).UniqueKey,
		pgSampleEvent("emp-2", ts).UniqueKey,
	})
	require.NoError(t, err)
	assert.True(t, existing[pgSampleEvent("emp-1", ts).UniqueKey])
	assert.False(t, existing[pgSampleEvent("emp-2", ts).UniqueKey])
}

func TestPGStore_EventsOrderedAndScoped(t *testing.T) {
	store := openTestPGStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertEvents(ctx, []AttendanceEvent{
		pgSampleEvent("emp-1", base.Add(time.Hour)),
		pgSampleEvent("emp-1", base),
	}))

	events, err := store.GetEvents(ctx, EventFilter{CompanyID: "acme", EmployeeID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.Before(events[1].Timestamp))

	none, err := store.GetEvents(ctx, EventFilter{CompanyID: "globex"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPGStore_WatermarkMonotonic(t *testing.T) {
	store := openTestPGStore(t)
	ctx := context.Background()

	newer := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	require.NoError(t, store.AdvanceWatermark(ctx, "10.0.0.1", newer))
	require.NoError(t, store.AdvanceWatermark(ctx, "10.0.0.1", older))

	wm, ok, err := store.GetWatermark(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(newer), "stale advance must not regress the watermark")
}

func TestPGStore_DeviceRegistry(t *testing.T) {
	store := openTestPGStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertDevice(ctx, Device{
		IP: "10.0.0.1", Port: 4370, CompanyID: "acme", ReportedWorkTime: "08:30",
	}))
	require.NoError(t, store.UpsertDevice(ctx, Device{IP: "10.0.0.1", Port: 4370, CompanyID: "acme"}))

	device, err := store.GetDevice(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, "08:30", device.ReportedWorkTime, "empty refresh keeps the reported work time")
}
