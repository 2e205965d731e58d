// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicetest provides a scriptable in-memory device client family.
// Tests and the example server's demo mode use it in place of a vendor SDK
// binding: every failure mode of a real terminal (shape-picky constructors,
// timeouts, panics, missing capabilities) can be scripted per device.
package devicetest

import (
	"context"
	"sync"
	"time"

	"github.com/attendkit/go-attendsync/attendsync"
)

// Device is one scripted terminal.
type Device struct {
	mu sync.Mutex

	Info  attendsync.DeviceInfo
	Users []attendsync.DeviceUser

	punches []attendsync.RawPunch

	// Scripted behavior.
	DialErr        error                    // returned by every dial attempt
	AcceptShapes   []attendsync.DialShape   // nil means every shape is accepted
	FetchDelay     time.Duration            // applied before GetAttendance returns
	FetchErr       error                    // returned by GetAttendance
	PanicOnInfo    bool                     // GetInfo panics (vendor binding behavior)
	PanicOnFetch   bool                     // GetAttendance panics
	SupportedCaps  []attendsync.Capability  // nil means all three operations
	dialCount      int
	fetchCount     int
}

// NewDevice creates a scripted device with every operation supported.
func NewDevice() *Device {
	return &Device{}
}

// SetPunches replaces the device punch log.
func (d *Device) SetPunches(punches []attendsync.RawPunch) {
	d.mu.Lock()
	d.punches = append([]attendsync.RawPunch(nil), punches...)
	d.mu.Unlock()
}

// AddPunch appends one punch to the device log.
func (d *Device) AddPunch(p attendsync.RawPunch) {
	d.mu.Lock()
	d.punches = append(d.punches, p)
	d.mu.Unlock()
}

// DialCount reports how many dial attempts hit this device.
func (d *Device) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

// FetchCount reports how many attendance fetches completed or failed.
func (d *Device) FetchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetchCount
}

func (d *Device) acceptsShape(shape attendsync.DialShape) bool {
	if d.AcceptShapes == nil {
		return true
	}
	for _, s := range d.AcceptShapes {
		if s == shape {
			return true
		}
	}
	return false
}

// client is the DeviceClient handle produced by a successful dial.
type client struct {
	device *Device
}

var _ attendsync.DeviceClient = (*client)(nil)
var _ attendsync.CapabilityProber = (*client)(nil)

func (c *client) Supports(op attendsync.Capability) bool {
	if c.device.SupportedCaps == nil {
		return true
	}
	for _, s := range c.device.SupportedCaps {
		if s == op {
			return true
		}
	}
	return false
}

func (c *client) GetInfo(ctx context.Context) (*attendsync.DeviceInfo, error) {
	if c.device.PanicOnInfo {
		panic("vendor client: getInfo threw")
	}
	info := c.device.Info
	return &info, nil
}

func (c *client) GetUsers(ctx context.Context) ([]attendsync.DeviceUser, error) {
	return append([]attendsync.DeviceUser(nil), c.device.Users...), nil
}

func (c *client) GetAttendance(ctx context.Context) ([]attendsync.RawPunch, error) {
	c.device.mu.Lock()
	c.device.fetchCount++
	delay := c.device.FetchDelay
	fetchErr := c.device.FetchErr
	panicOnFetch := c.device.PanicOnFetch
	punches := append([]attendsync.RawPunch(nil), c.device.punches...)
	c.device.mu.Unlock()

	if panicOnFetch {
		panic("vendor client: getAttendance threw")
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return punches, nil
}

func (c *client) Close() error { return nil }

// Factory is a ClientFactory over a fleet of scripted devices keyed by IP.
type Factory struct {
	mu      sync.Mutex
	family  attendsync.ClientFamily
	devices map[string]*Device
}

var _ attendsync.ClientFactory = (*Factory)(nil)

// NewFactory creates a factory for the given family.
func NewFactory(family attendsync.ClientFamily) *Factory {
	return &Factory{
		family:  family,
		devices: make(map[string]*Device),
	}
}

// Add registers a scripted device under an IP and returns it for scripting.
func (f *Factory) Add(ip string, device *Device) *Device {
	f.mu.Lock()
	f.devices[ip] = device
	f.mu.Unlock()
	return device
}

// Family implements ClientFactory.
func (f *Factory) Family() attendsync.ClientFamily { return f.family }

// Dial implements ClientFactory. Unknown IPs behave like offline devices.
func (f *Factory) Dial(ctx context.Context, spec attendsync.DialSpec) (attendsync.DeviceClient, error) {
	f.mu.Lock()
	device, ok := f.devices[spec.IP]
	f.mu.Unlock()
	if !ok {
		return nil, attendsync.ErrNetworkUnreachable
	}

	device.mu.Lock()
	device.dialCount++
	dialErr := device.DialErr
	device.mu.Unlock()

	if !device.acceptsShape(spec.Shape) {
		return nil, attendsync.ErrBadDialShape
	}
	if dialErr != nil {
		return nil, dialErr
	}
	return &client{device: device}, nil
}
