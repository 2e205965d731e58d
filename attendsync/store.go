// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateKey is returned by event stores when an insert hits the unique
// key constraint. Callers treat it as "already stored", never as a failure.
var ErrDuplicateKey = errors.New("event unique key already stored")

// EventStore is durable, append-only punch storage. No update or delete is
// exposed; corrections are an out-of-band operator action.
type EventStore interface {
	// InsertEvents appends a batch. Returns ErrDuplicateKey if any event in
	// the batch collides on unique key (the batch is rolled back; callers
	// fall back to InsertEvent to sort duplicates from errors).
	InsertEvents(ctx context.Context, events []AttendanceEvent) error

	// InsertEvent appends a single event, returning ErrDuplicateKey on a
	// unique key collision.
	InsertEvent(ctx context.Context, event AttendanceEvent) error

	// ExistingKeys reports which of the given unique keys are already stored.
	ExistingKeys(ctx context.Context, keys []uuid.UUID) (map[uuid.UUID]bool, error)

	// GetEvents returns events matching the filter ordered by timestamp
	// ascending. Filter.CompanyID is required.
	GetEvents(ctx context.Context, filter EventFilter) ([]AttendanceEvent, error)
}

// WatermarkStore persists per-device sync watermarks durably so incremental
// syncs survive process restarts.
type WatermarkStore interface {
	// GetWatermark returns the last fully synced timestamp for a device, with
	// ok=false when the device has never completed a sync.
	GetWatermark(ctx context.Context, deviceIP string) (time.Time, bool, error)

	// AdvanceWatermark moves a device watermark forward. Monotonic: a value
	// earlier than the stored one leaves the stored one untouched.
	AdvanceWatermark(ctx context.Context, deviceIP string, ts time.Time) error

	// AllWatermarks returns every stored watermark keyed by device IP.
	AllWatermarks(ctx context.Context) (map[string]time.Time, error)
}

// DeviceRegistry persists the device fleet: which IP belongs to which
// company, and the last device-reported metadata captured on connect.
type DeviceRegistry interface {
	UpsertDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, ip string) (*Device, error)
	ListDevices(ctx context.Context, companyID string) ([]Device, error)
}

// Store is the full persistence surface the engine needs from one backend.
type Store interface {
	EventStore
	WatermarkStore
	DeviceRegistry
}
