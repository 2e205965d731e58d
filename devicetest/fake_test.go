// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package devicetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendkit/go-attendsync/attendsync"
)

func TestFactory_DialUnknownIPIsUnreachable(t *testing.T) {
	f := NewFactory(attendsync.FamilyPrimary)
	_, err := f.Dial(context.Background(), attendsync.DialSpec{IP: "10.9.9.9", Port: 4370})
	require.ErrorIs(t, err, attendsync.ErrNetworkUnreachable)
}

func TestFactory_ShapeRejection(t *testing.T) {
	f := NewFactory(attendsync.FamilyPrimary)
	device := f.Add("10.0.0.1", NewDevice())
	device.AcceptShapes = []attendsync.DialShape{attendsync.ShapeOptions}

	_, err := f.Dial(context.Background(), attendsync.DialSpec{IP: "10.0.0.1", Shape: attendsync.ShapeHostPort})
	require.ErrorIs(t, err, attendsync.ErrBadDialShape)

	client, err := f.Dial(context.Background(), attendsync.DialSpec{IP: "10.0.0.1", Shape: attendsync.ShapeOptions})
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, 2, device.DialCount())
}

func TestClient_SupportsScriptedCapabilities(t *testing.T) {
	f := NewFactory(attendsync.FamilyPrimary)
	device := f.Add("10.0.0.1", NewDevice())
	device.SupportedCaps = []attendsync.Capability{attendsync.CapGetInfo}

	client, err := f.Dial(context.Background(), attendsync.DialSpec{IP: "10.0.0.1"})
	require.NoError(t, err)

	prober, ok := client.(attendsync.CapabilityProber)
	require.True(t, ok)
	assert.True(t, prober.Supports(attendsync.CapGetInfo))
	assert.False(t, prober.Supports(attendsync.CapGetAttendance))
}

func TestClient_FetchDelayHonorsContext(t *testing.T) {
	f := NewFactory(attendsync.FamilyPrimary)
	device := f.Add("10.0.0.1", NewDevice())
	device.FetchDelay = time.Second
	device.SetPunches([]attendsync.RawPunch{{EmployeeID: "emp-1", Timestamp: time.Now()}})

	client, err := f.Dial(context.Background(), attendsync.DialSpec{IP: "10.0.0.1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.GetAttendance(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, device.FetchCount())
}

func TestClient_PanicScripting(t *testing.T) {
	f := NewFactory(attendsync.FamilyPrimary)
	device := f.Add("10.0.0.1", NewDevice())
	device.PanicOnInfo = true

	client, err := f.Dial(context.Background(), attendsync.DialSpec{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = client.GetInfo(context.Background()) })
}

func TestDevice_PunchScripting(t *testing.T) {
	f := NewFactory(attendsync.FamilyPrimary)
	device := f.Add("10.0.0.1", NewDevice())
	ts := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	device.SetPunches([]attendsync.RawPunch{{EmployeeID: "emp-1", Timestamp: ts, ModeCode: 0}})
	device.AddPunch(attendsync.RawPunch{EmployeeID: "emp-1", Timestamp: ts.Add(8 * time.Hour), ModeCode: 1})

	client, err := f.Dial(context.Background(), attendsync.DialSpec{IP: "10.0.0.1"})
	require.NoError(t, err)

	punches, err := client.GetAttendance(context.Background())
	require.NoError(t, err)
	require.Len(t, punches, 2)
	assert.Equal(t, "emp-1", punches[0].EmployeeID)
}
