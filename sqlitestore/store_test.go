// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendkit/go-attendsync/attendsync"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleEvent(employeeID string, ts time.Time) attendsync.AttendanceEvent {
	return attendsync.AttendanceEvent{
		UniqueKey:  attendsync.EventKey("10.0.0.1", employeeID, ts),
		DeviceIP:   "10.0.0.1",
		EmployeeID: employeeID,
		CompanyID:  "acme",
		Timestamp:  ts,
		State:      attendsync.StateCheckIn,
		Date:       ts.Format("2006-01-02"),
		SyncedAt:   time.Now().UTC(),
	}
}

func TestInsertEvents_AndQueryOrdered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	// Inserted out of order; reads must come back timestamp ascending.
	events := []attendsync.AttendanceEvent{
		sampleEvent("emp-1", base.Add(2*time.Hour)),
		sampleEvent("emp-1", base),
		sampleEvent("emp-1", base.Add(time.Hour)),
	}
	require.NoError(t, store.InsertEvents(ctx, events))

	got, err := store.GetEvents(ctx, attendsync.EventFilter{CompanyID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
	assert.Equal(t, base.UnixMilli(), got[0].Timestamp.UnixMilli())
	assert.Equal(t, "2026-03-09", got[0].Date)
	assert.Equal(t, attendsync.StateCheckIn, got[0].State)
}

func TestInsertEvents_DuplicateKeySurfaced(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertEvent(ctx, sampleEvent("emp-1", ts)))

	err := store.InsertEvent(ctx, sampleEvent("emp-1", ts))
	require.ErrorIs(t, err, attendsync.ErrDuplicateKey)

	// A batch touching the stored key fails as a whole with the sentinel.
	err = store.InsertEvents(ctx, []attendsync.AttendanceEvent{
		sampleEvent("emp-2", ts),
		sampleEvent("emp-1", ts),
	})
	require.ErrorIs(t, err, attendsync.ErrDuplicateKey)
}

func TestExistingKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	stored := sampleEvent("emp-1", ts)
	require.NoError(t, store.InsertEvent(ctx, stored))
	missing := uuid.New()

	existing, err := store.ExistingKeys(ctx, []uuid.UUID{stored.UniqueKey, missing})
	require.NoError(t, err)
	assert.True(t, existing[stored.UniqueKey])
	assert.False(t, existing[missing])

	empty, err := store.ExistingKeys(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetEvents_Filters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	ev1 := sampleEvent("emp-1", base)
	ev2 := sampleEvent("emp-2", base.Add(time.Hour))
	other := sampleEvent("emp-3", base)
	other.CompanyID = "globex"
	other.UniqueKey = uuid.New()
	require.NoError(t, store.InsertEvents(ctx, []attendsync.AttendanceEvent{ev1, ev2, other}))

	_, err := store.GetEvents(ctx, attendsync.EventFilter{})
	require.Error(t, err, "company scoping is mandatory")

	got, err := store.GetEvents(ctx, attendsync.EventFilter{CompanyID: "acme", EmployeeID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "emp-1", got[0].EmployeeID)

	got, err = store.GetEvents(ctx, attendsync.EventFilter{CompanyID: "acme", From: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "emp-2", got[0].EmployeeID)
}

func TestWatermark_MonotonicUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetWatermark(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	newer := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	require.NoError(t, store.AdvanceWatermark(ctx, "10.0.0.1", older))
	require.NoError(t, store.AdvanceWatermark(ctx, "10.0.0.1", newer))
	// A stale advance must not move the watermark back.
	require.NoError(t, store.AdvanceWatermark(ctx, "10.0.0.1", older))

	wm, ok, err := store.GetWatermark(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer.UnixMilli(), wm.UnixMilli())

	all, err := store.AllWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, newer.UnixMilli(), all["10.0.0.1"].UnixMilli())
}

func TestWatermark_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attend.db")
	ctx := context.Background()
	wm := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	store, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.AdvanceWatermark(ctx, "10.0.0.1", wm))
	require.NoError(t, store.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.GetWatermark(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok, "watermark must survive a process restart")
	assert.Equal(t, wm.UnixMilli(), got.UnixMilli())
}

func TestDeviceRegistry_UpsertPreservesWorkTime(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertDevice(ctx, attendsync.Device{
		IP: "10.0.0.1", Port: 4370, CompanyID: "acme", Name: "Lobby", ReportedWorkTime: "08:30",
	}))

	// A refresh without a reported work time keeps the known one.
	require.NoError(t, store.UpsertDevice(ctx, attendsync.Device{
		IP: "10.0.0.1", Port: 4371, CompanyID: "acme", Name: "Lobby",
	}))

	device, err := store.GetDevice(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, 4371, device.Port)
	assert.Equal(t, "08:30", device.ReportedWorkTime)

	missing, err := store.GetDevice(ctx, "10.9.9.9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeviceRegistry_ListByCompany(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertDevice(ctx, attendsync.Device{IP: "10.0.0.2", CompanyID: "acme"}))
	require.NoError(t, store.UpsertDevice(ctx, attendsync.Device{IP: "10.0.0.1", CompanyID: "acme"}))
	require.NoError(t, store.UpsertDevice(ctx, attendsync.Device{IP: "10.0.0.3", CompanyID: "globex"}))

	devices, err := store.ListDevices(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "10.0.0.1", devices[0].IP)
	assert.Equal(t, "10.0.0.2", devices[1].IP)
}

func TestStore_ImplementsFullStore(t *testing.T) {
	var _ attendsync.Store = (*Store)(nil)
}

func TestStore_WorksWithIngestionPipeline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	pipeline := attendsync.NewIngestionPipeline(store, nil)

	window := attendsync.Window{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	punches := []attendsync.RawPunch{
		{EmployeeID: "emp-1", Timestamp: window.From.Add(9 * time.Hour), ModeCode: 0},
		{EmployeeID: "emp-1", Timestamp: window.From.Add(17 * time.Hour), ModeCode: 1},
	}

	first, err := pipeline.Ingest(ctx, punches, window, "10.0.0.1", "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Stored)

	second, err := pipeline.Ingest(ctx, punches, window, "10.0.0.1", "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Stored)
	assert.Equal(t, 2, second.Duplicates)
}
