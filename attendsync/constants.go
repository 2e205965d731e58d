// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

// StateCode classifies a punch event by what the employee was doing.
type StateCode string

const (
	StateCheckIn  StateCode = "check_in"
	StateCheckOut StateCode = "check_out"
	StateBreakOut StateCode = "break_out"
	StateBreakIn  StateCode = "break_in"
	StateOTIn     StateCode = "ot_in"
	StateOTOut    StateCode = "ot_out"
	StateUnknown  StateCode = "unknown"
)

// vendorModeCodes maps the terminal's punch mode byte to a state code.
// Codes observed across firmware revisions are stable; anything else is
// recorded verbatim as unknown rather than dropped.
var vendorModeCodes = map[int]StateCode{
	0: StateCheckIn,
	1: StateCheckOut,
	2: StateBreakOut,
	3: StateBreakIn,
	4: StateOTIn,
	5: StateOTOut,
}

// StateFromModeCode converts a vendor punch mode code to a StateCode.
func StateFromModeCode(code int) StateCode {
	if st, ok := vendorModeCodes[code]; ok {
		return st
	}
	return StateUnknown
}

// Connection status constants
type ConnStatus string

const (
	StatusUnknown    ConnStatus = "unknown"
	StatusConnecting ConnStatus = "connecting"
	StatusConnected  ConnStatus = "connected"
	StatusFailed     ConnStatus = "failed"
)

// Client family constants identify which fallback tier produced a connection.
type ClientFamily string

const (
	// FamilyPrimary is the full-featured vendor client.
	FamilyPrimary ClientFamily = "primary"
	// FamilySecondary is the legacy vendor client. It connects to firmware the
	// primary client rejects but crashes on large payloads, so data retrieval
	// is disabled on connections it produces.
	FamilySecondary ClientFamily = "secondary"
	// FamilyProbe is a bare TCP reachability check with no protocol on top.
	FamilyProbe ClientFamily = "probe"
)

// Cutoff source constants report where a resolved cutoff time came from.
type CutoffSource string

const (
	CutoffSourceCustom  CutoffSource = "custom"
	CutoffSourceDevice  CutoffSource = "device"
	CutoffSourceDefault CutoffSource = "default"
)

// DefaultCutoff is the fallback lateness boundary when neither a custom
// cutoff nor a device-reported work time is available.
const DefaultCutoff = "09:00"
