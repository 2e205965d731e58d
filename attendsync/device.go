// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"fmt"
	"time"
)

// Capability names one device operation confirmed callable on a connection.
type Capability string

const (
	CapGetInfo       Capability = "get_info"
	CapGetUsers      Capability = "get_users"
	CapGetAttendance Capability = "get_attendance"
)

// CapabilitySet is the set of operations confirmed callable on a connection.
// It is computed once when the connection is established and never changes
// afterwards; callers consult it instead of re-probing at call sites.
type CapabilitySet map[Capability]bool

// Has reports whether the capability was confirmed at connect time.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Clone returns an independent copy so snapshots cannot mutate the original.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c, ok := range s {
		out[c] = ok
	}
	return out
}

func (s CapabilitySet) String() string {
	names := make([]string, 0, len(s))
	for c, ok := range s {
		if ok {
			names = append(names, string(c))
		}
	}
	return fmt.Sprintf("%v", names)
}

// DeviceClient is the capability-probed face of a vendor terminal client.
// Implementations bind a concrete SDK; any of the methods may be unsupported
// on a given firmware/library pairing, in which case they must return an
// error wrapping ErrCapabilityMissing (panicking bindings are tolerated too:
// the manager probes every method under recover).
type DeviceClient interface {
	GetInfo(ctx context.Context) (*DeviceInfo, error)
	GetUsers(ctx context.Context) ([]DeviceUser, error)
	// GetAttendance returns the full punch log. Firmware-side range filters
	// are not trusted; callers filter locally.
	GetAttendance(ctx context.Context) ([]RawPunch, error)
	Close() error
}

// CapabilityProber is an optional DeviceClient upgrade. Bindings that can
// answer support questions without touching the device implement it so the
// connect-time probe avoids live calls.
type CapabilityProber interface {
	Supports(op Capability) bool
}

// DialShape selects the client construction shape. The vendor bindings are
// inconsistent about which constructor signature works on which firmware, and
// the wrong one can fail synchronously, so the manager walks these in order.
type DialShape int

const (
	// ShapeHostPort constructs the client from bare host and port.
	ShapeHostPort DialShape = iota
	// ShapeOptions constructs the client from an options object.
	ShapeOptions
	// ShapeOptionsTimeout constructs the client from options plus an explicit
	// protocol timeout.
	ShapeOptionsTimeout
)

func (s DialShape) String() string {
	switch s {
	case ShapeHostPort:
		return "host_port"
	case ShapeOptions:
		return "options"
	case ShapeOptionsTimeout:
		return "options_timeout"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// dialShapeOrder is the constructor fallback order tried against a family.
var dialShapeOrder = []DialShape{ShapeHostPort, ShapeOptions, ShapeOptionsTimeout}

// DialSpec describes one construction attempt.
type DialSpec struct {
	IP      string
	Port    int
	Shape   DialShape
	Timeout time.Duration
}

// ClientFactory produces device clients for one vendor client family.
// Dial must return ErrBadDialShape when it cannot build a client from the
// given shape, and should classify transport failures as
// ErrNetworkUnreachable or ErrProtocolRejected (wrapped) where it can.
type ClientFactory interface {
	Family() ClientFamily
	Dial(ctx context.Context, spec DialSpec) (DeviceClient, error)
}
