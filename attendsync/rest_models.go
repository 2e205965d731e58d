// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import "time"

// HTTP request/response models for the sync control surface and read API.

// TriggerSyncRequest asks for one sync run on a device.
type TriggerSyncRequest struct {
	DeviceIP string `json:"device_ip"`
	// Mode is "incremental" (default), "forced_days" or "forced_range".
	Mode string `json:"mode,omitempty"`
	Days int    `json:"days,omitempty"`
	// From/To are RFC 3339 timestamps, required for forced_range.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// EventsResponse carries a read-API event page.
type EventsResponse struct {
	Events []AttendanceEvent `json:"events"`
	Count  int               `json:"count"`
}

// LastSyncResponse reports the durable watermark for one device.
type LastSyncResponse struct {
	DeviceIP string     `json:"device_ip"`
	LastSync *time.Time `json:"last_sync"`
}

// ErrorResponse is the standardized HTTP error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
