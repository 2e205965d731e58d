// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// eventKeyNamespace is the UUIDv5 namespace for attendance event unique keys.
// Changing it would re-key every stored event, so it is fixed forever.
var eventKeyNamespace = uuid.MustParse("3f1c7a52-9d44-4b0a-8c1e-5a0e6f2d9b11")

// EventKey derives the deterministic unique key for a punch. The same
// (deviceIP, employeeID, millisecond timestamp) always hashes to the same key,
// which is what makes repeated syncs of overlapping windows idempotent.
func EventKey(deviceIP, employeeID string, ts time.Time) uuid.UUID {
	data := fmt.Sprintf("%s|%s|%d", deviceIP, employeeID, ts.UnixMilli())
	return uuid.NewSHA1(eventKeyNamespace, []byte(data))
}

// AttendanceEvent is a single normalized punch. Immutable once stored; the
// unique key enforces at-most-once storage across repeated sync attempts.
type AttendanceEvent struct {
	UniqueKey  uuid.UUID       `json:"unique_key"`
	DeviceIP   string          `json:"device_ip"`
	EmployeeID string          `json:"employee_id"` // raw device user id
	CompanyID  string          `json:"company_id"`
	Timestamp  time.Time       `json:"timestamp"`
	State      StateCode       `json:"state"`
	Date       string          `json:"date"` // YYYY-MM-DD, derived from Timestamp
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	SyncedAt   time.Time       `json:"synced_at"`
}

// RawPunch is a record as returned by a device client, before normalization.
type RawPunch struct {
	EmployeeID string          `json:"employee_id"`
	Timestamp  time.Time       `json:"timestamp"`
	ModeCode   int             `json:"mode_code"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// DeviceUser is a user record stored on the terminal itself.
type DeviceUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	CardNo string `json:"card_no,omitempty"`
}

// DeviceInfo is the terminal self-description, when the firmware exposes it.
type DeviceInfo struct {
	SerialNumber string `json:"serial_number"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	// WorkTime is the device-configured start of the working day ("HH:MM"),
	// used as the lateness cutoff when no custom cutoff is configured.
	WorkTime    string `json:"work_time,omitempty"`
	UserCount   int    `json:"user_count"`
	RecordCount int    `json:"record_count"`
}

// Device is a registered terminal: the binding between an IP and the company
// whose punches it records. Reported fields are refreshed on connect so the
// read path never has to touch a live device.
type Device struct {
	IP               string    `json:"ip"`
	Port             int       `json:"port"`
	CompanyID        string    `json:"company_id"`
	Name             string    `json:"name,omitempty"`
	ReportedWorkTime string    `json:"reported_work_time,omitempty"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// EventFilter scopes a read query. CompanyID is required; everything else is
// optional. From/To bound the event timestamp (inclusive).
type EventFilter struct {
	CompanyID  string
	DeviceIP   string
	EmployeeID string
	From       time.Time
	To         time.Time
}

// Window is a half-open-ended sync time range [From, To].
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Duration returns the window span.
func (w Window) Duration() time.Duration { return w.To.Sub(w.From) }

// IngestResult reports what happened to a batch of raw punches. Per-record
// problems are counted here, never surfaced as call errors.
type IngestResult struct {
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

func (r *IngestResult) add(other IngestResult) {
	r.Stored += other.Stored
	r.Duplicates += other.Duplicates
	r.Errors += other.Errors
}

// SyncResult is the structured outcome of one sync run. Success with
// Synced == 0 and a non-nil FailedWindow means a window degraded to partial
// success (for example a fetch timeout) and will be retried later.
type SyncResult struct {
	RunID        uuid.UUID `json:"run_id"`
	DeviceIP     string    `json:"device_ip"`
	Success      bool      `json:"success"`
	Synced       int       `json:"synced"`
	Duplicates   int       `json:"duplicates"`
	Errors       int       `json:"errors"`
	Batches      int       `json:"batches"`
	FailedWindow *Window   `json:"failed_window,omitempty"`
	Message      string    `json:"message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// SyncStatus is the control-surface snapshot of the coordinator.
type SyncStatus struct {
	Watermarks    map[string]time.Time `json:"watermarks"`
	Running       []string             `json:"running"`
	NextScheduled *time.Time           `json:"next_scheduled,omitempty"`
}

// CutoffPolicy controls how the lateness boundary is resolved.
// Resolution order: custom (if enabled) > device-reported work time > 09:00.
type CutoffPolicy struct {
	UseCustomCutoff bool   `json:"use_custom_cutoff"`
	CutoffTime      string `json:"cutoff_time,omitempty"` // "HH:MM"
}

// RateResult is the attendance-rate summary for one employee over a range.
type RateResult struct {
	EmployeeID       string  `json:"employee_id"`
	PresentDays      int     `json:"present_days"`
	TotalWorkingDays int     `json:"total_working_days"`
	Rate             float64 `json:"rate"` // percent, one decimal
}

// LatenessResult is the lateness evaluation of one employee on one date.
type LatenessResult struct {
	EmployeeID   string       `json:"employee_id"`
	Date         string       `json:"date"`
	Present      bool         `json:"present"`
	IsLate       bool         `json:"is_late"`
	LateMinutes  int          `json:"late_minutes"`
	Cutoff       string       `json:"cutoff"`
	CutoffSource CutoffSource `json:"cutoff_source"`
}
