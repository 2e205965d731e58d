// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"errors"
	"fmt"
)

// Error taxonomy for the sync engine. Device and sync failures are always
// converted into one of these at the ConnectionManager / IngestionPipeline
// boundary; vendor client panics never cross it.
var (
	// ErrNetworkUnreachable means the device did not answer at the socket
	// level. Retryable by reconnecting later.
	ErrNetworkUnreachable = errors.New("device unreachable")

	// ErrProtocolRejected means the device accepted a TCP connection but no
	// client family could complete the protocol handshake.
	ErrProtocolRejected = errors.New("device rejected protocol handshake")

	// ErrProtocolTimeout means the device is reachable but did not respond in
	// time. The affected window degrades to partial success and is retried by
	// a later incremental sync.
	ErrProtocolTimeout = errors.New("device operation timed out")

	// ErrCapabilityMissing means the operation is not supported on this
	// connection. Permanent for the lifetime of the connection, never retried.
	ErrCapabilityMissing = errors.New("operation not supported on this connection")

	// ErrSyncAlreadyRunning is returned when a sync is triggered for a device
	// that already has one in flight. Triggers are rejected, not queued.
	ErrSyncAlreadyRunning = errors.New("sync already running for device")

	// ErrBadDialShape is returned by a client factory that cannot construct a
	// client from the given dial spec shape. The manager moves on to the next
	// shape in its fallback order.
	ErrBadDialShape = errors.New("unsupported dial spec shape")

	// ErrDeviceNotRegistered is returned when a sync is triggered for an IP
	// with no device registry entry (and therefore no company binding).
	ErrDeviceNotRegistered = errors.New("device not registered")

	// ErrNotConnected is returned when an operation requires an open
	// connection and none exists for the IP.
	ErrNotConnected = errors.New("no open connection for device")

	// ErrInvalidSyncRequest marks caller mistakes in a sync trigger (bad IP,
	// bad mode parameters). Everything else failing a trigger is internal.
	ErrInvalidSyncRequest = errors.New("invalid sync request")
)

// DeviceError wraps a taxonomy error with the device it concerns.
type DeviceError struct {
	IP  string
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.IP, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func newDeviceError(ip, op string, err error) *DeviceError {
	return &DeviceError{IP: ip, Op: op, Err: err}
}

// IsRetryable reports whether a later sync attempt may succeed without
// operator intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, ErrProtocolTimeout)
}
