// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ManagerConfig holds timeouts and lifecycle settings for the connection
// manager.
type ManagerConfig struct {
	// ConnectTimeout bounds a primary-family connect attempt.
	ConnectTimeout time.Duration
	// SecondaryTimeout bounds a secondary-family connect attempt. Kept short
	// because the secondary family is only a degraded fallback.
	SecondaryTimeout time.Duration
	// ProbeTimeout bounds the bare TCP reachability probe.
	ProbeTimeout time.Duration
	// IdleTTL is how long an unused connection survives before the reaper
	// disconnects it.
	IdleTTL time.Duration
	// ReapInterval is how often the reaper scans for idle connections.
	ReapInterval time.Duration
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:   20 * time.Second,
		SecondaryTimeout: 8 * time.Second,
		ProbeTimeout:     5 * time.Second,
		IdleTTL:          30 * time.Minute,
		ReapInterval:     5 * time.Minute,
	}
}

// Connection is a capability-tagged handle to one device. The capability set
// is computed once right after the socket opens and is immutable afterwards;
// every operation consults it instead of re-probing the client.
type Connection struct {
	IP           string
	Port         int
	Family       ClientFamily
	Capabilities CapabilitySet
	ConnectedAt  time.Time

	mu        sync.Mutex
	status    ConnStatus
	lastError string
	lastUsed  time.Time
	client    DeviceClient
}

// ConnectionSnapshot is the read-only view of a connection for status APIs.
type ConnectionSnapshot struct {
	IP           string        `json:"ip"`
	Port         int           `json:"port"`
	Status       ConnStatus    `json:"status"`
	Family       ClientFamily  `json:"family"`
	Capabilities []Capability  `json:"capabilities"`
	LastError    string        `json:"last_error,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastUsedAt   time.Time     `json:"last_used_at"`
	IdleFor      time.Duration `json:"idle_for"`
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// Status returns the current connection status.
func (c *Connection) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) snapshot() ConnectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps := make([]Capability, 0, len(c.Capabilities))
	for name, ok := range c.Capabilities {
		if ok {
			caps = append(caps, name)
		}
	}
	return ConnectionSnapshot{
		IP:           c.IP,
		Port:         c.Port,
		Status:       c.status,
		Family:       c.Family,
		Capabilities: caps,
		LastError:    c.lastError,
		ConnectedAt:  c.ConnectedAt,
		LastUsedAt:   c.lastUsed,
		IdleFor:      time.Since(c.lastUsed),
	}
}

// Info fetches the device self-description, if the connection supports it.
func (c *Connection) Info(ctx context.Context) (*DeviceInfo, error) {
	if !c.Capabilities.Has(CapGetInfo) {
		return nil, newDeviceError(c.IP, "get_info", ErrCapabilityMissing)
	}
	c.touch()
	var info *DeviceInfo
	err := callSafely(c.IP, "get_info", func() error {
		var callErr error
		info, callErr = c.client.GetInfo(ctx)
		return callErr
	})
	return info, err
}

// Users fetches the user directory stored on the terminal.
func (c *Connection) Users(ctx context.Context) ([]DeviceUser, error) {
	if !c.Capabilities.Has(CapGetUsers) {
		return nil, newDeviceError(c.IP, "get_users", ErrCapabilityMissing)
	}
	c.touch()
	var users []DeviceUser
	err := callSafely(c.IP, "get_users", func() error {
		var callErr error
		users, callErr = c.client.GetUsers(ctx)
		return callErr
	})
	return users, err
}

// Attendance fetches the full punch log from the terminal.
func (c *Connection) Attendance(ctx context.Context) ([]RawPunch, error) {
	if !c.Capabilities.Has(CapGetAttendance) {
		return nil, newDeviceError(c.IP, "get_attendance", ErrCapabilityMissing)
	}
	c.touch()
	var punches []RawPunch
	err := callSafely(c.IP, "get_attendance", func() error {
		var callErr error
		punches, callErr = c.client.GetAttendance(ctx)
		return callErr
	})
	return punches, err
}

// callSafely runs a vendor client call, converting panics into errors. The
// vendor bindings have a documented history of throwing from callback
// contexts; none of that may crash the host process.
func callSafely(ip, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newDeviceError(ip, op, fmt.Errorf("client panic: %v", r))
		}
	}()
	if callErr := fn(); callErr != nil {
		return newDeviceError(ip, op, callErr)
	}
	return nil
}

// ConnectionManager owns the per-device connection registry: fallback dialing,
// one-time capability probing, and idle reaping. At most one open connection
// exists per device IP.
type ConnectionManager struct {
	cfg       ManagerConfig
	primary   ClientFactory
	secondary ClientFactory // optional
	registry  DeviceRegistry
	logger    *slog.Logger

	// dialTCP is swappable for tests; defaults to net.DialTimeout.
	dialTCP func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu      sync.Mutex
	conns   map[string]*Connection
	pending map[string]*connectAttempt

	reaperStop chan struct{}
	reaperDone chan struct{}
	stopOnce   sync.Once
}

// NewConnectionManager creates the manager. primary is required; secondary may
// be nil when no legacy fallback client is available. registry may be nil when
// device metadata persistence is not wanted (tests).
func NewConnectionManager(cfg ManagerConfig, primary, secondary ClientFactory, registry DeviceRegistry, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConnectionManager{
		cfg:        cfg,
		primary:    primary,
		secondary:  secondary,
		registry:   registry,
		logger:     logger,
		dialTCP:    net.DialTimeout,
		conns:      make(map[string]*Connection),
		pending:    make(map[string]*connectAttempt),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// connectAttempt is the rendezvous point for concurrent Connect calls on the
// same IP: the first caller dials, the rest wait on done and share its outcome.
type connectAttempt struct {
	done chan struct{}
	conn *Connection
	err  error
}

// Connect returns a usable, capability-tagged connection to the device,
// reusing an existing one when possible. Concurrent calls for the same IP
// collapse onto a single dial attempt, so at most one connection per device
// ever opens. On failure the registry keeps a failed entry for diagnostics
// and the returned error is ErrNetworkUnreachable or ErrProtocolRejected
// (wrapped in a DeviceError).
func (m *ConnectionManager) Connect(ctx context.Context, ip string, port int) (*Connection, error) {
	m.mu.Lock()
	if existing, ok := m.conns[ip]; ok && existing.Status() == StatusConnected {
		m.mu.Unlock()
		existing.touch()
		return existing, nil
	}
	if attempt, ok := m.pending[ip]; ok {
		m.mu.Unlock()
		select {
		case <-attempt.done:
			if attempt.err != nil {
				return nil, attempt.err
			}
			attempt.conn.touch()
			return attempt.conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	m.pending[ip] = attempt
	placeholder := &Connection{IP: ip, Port: port, status: StatusConnecting, lastUsed: time.Now()}
	m.conns[ip] = placeholder
	m.mu.Unlock()

	conn, err := m.establish(ctx, ip, port)

	m.mu.Lock()
	delete(m.pending, ip)
	if err != nil {
		placeholder.mu.Lock()
		placeholder.status = StatusFailed
		placeholder.lastError = err.Error()
		if errors.Is(err, ErrProtocolRejected) {
			// The bare reachability probe did succeed; tag the diagnostic
			// entry so status readers can tell "socket answered" from "dead".
			placeholder.Family = FamilyProbe
			placeholder.Capabilities = CapabilitySet{}
		}
		placeholder.mu.Unlock()
	} else {
		m.conns[ip] = conn
	}
	attempt.conn, attempt.err = conn, err
	close(attempt.done)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	m.recordDeviceMetadata(ctx, conn)
	return conn, nil
}

// establish walks the fallback tiers: primary family across dial shapes,
// secondary family with a shorter timeout, then a bare reachability probe to
// tell "offline" apart from "online but protocol rejected".
func (m *ConnectionManager) establish(ctx context.Context, ip string, port int) (*Connection, error) {
	var lastErr error

	for _, shape := range dialShapeOrder {
		spec := DialSpec{IP: ip, Port: port, Shape: shape, Timeout: m.cfg.ConnectTimeout}
		client, err := m.dialFamily(ctx, m.primary, spec)
		if err != nil {
			if isBadShape(err) {
				continue
			}
			lastErr = err
			break
		}
		m.logger.Info("Device connected", "ip", ip, "family", FamilyPrimary, "shape", shape.String())
		return m.finishConnect(ctx, ip, port, FamilyPrimary, client), nil
	}

	if m.secondary != nil {
		spec := DialSpec{IP: ip, Port: port, Shape: ShapeHostPort, Timeout: m.cfg.SecondaryTimeout}
		client, err := m.dialFamily(ctx, m.secondary, spec)
		if err == nil {
			m.logger.Warn("Device connected via secondary family, data retrieval disabled", "ip", ip)
			conn := m.finishConnect(ctx, ip, port, FamilySecondary, client)
			// The secondary family crashes on large payloads; strip every
			// data-retrieval capability regardless of what probing found.
			caps := conn.Capabilities.Clone()
			caps[CapGetUsers] = false
			caps[CapGetAttendance] = false
			conn.Capabilities = caps
			return conn, nil
		}
		if lastErr == nil {
			lastErr = err
		}
	}

	if m.reachable(ip, port) {
		m.logger.Warn("Device reachable but rejected all client families", "ip", ip, "last_error", lastErr)
		return nil, newDeviceError(ip, "connect", fmt.Errorf("%w: %v", ErrProtocolRejected, lastErr))
	}
	return nil, newDeviceError(ip, "connect", ErrNetworkUnreachable)
}

// dialFamily runs one construction attempt with panic containment. The vendor
// clients may throw synchronously depending on argument shape; that converts
// to ErrBadDialShape so the next shape gets tried.
func (m *ConnectionManager) dialFamily(ctx context.Context, factory ClientFactory, spec DialSpec) (client DeviceClient, err error) {
	defer func() {
		if r := recover(); r != nil {
			client = nil
			err = fmt.Errorf("%w: constructor panic: %v", ErrBadDialShape, r)
		}
	}()
	dialCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()
	return factory.Dial(dialCtx, spec)
}

func isBadShape(err error) bool {
	return errors.Is(err, ErrBadDialShape)
}

// finishConnect probes capabilities once and builds the connection handle.
func (m *ConnectionManager) finishConnect(ctx context.Context, ip string, port int, family ClientFamily, client DeviceClient) *Connection {
	now := time.Now()
	conn := &Connection{
		IP:           ip,
		Port:         port,
		Family:       family,
		Capabilities: probeCapabilities(ctx, ip, client),
		ConnectedAt:  now,
		status:       StatusConnected,
		lastUsed:     now,
		client:       client,
	}
	m.logger.Debug("Capability probe complete", "ip", ip, "capabilities", conn.Capabilities.String())
	return conn
}

// probeCapabilities checks each operation exactly once at connect time. Any
// error or panic from the client is a capability omission, not a failure.
// Bindings that know their own support set implement CapabilityProber and
// skip the live probe calls entirely.
func probeCapabilities(ctx context.Context, ip string, client DeviceClient) CapabilitySet {
	caps := make(CapabilitySet, 3)

	if prober, ok := client.(CapabilityProber); ok {
		for _, op := range []Capability{CapGetInfo, CapGetUsers, CapGetAttendance} {
			supported := false
			_ = callSafely(ip, "probe_"+string(op), func() error {
				supported = prober.Supports(op)
				return nil
			})
			caps[op] = supported
		}
		return caps
	}

	caps[CapGetInfo] = callSafely(ip, "probe_get_info", func() error {
		_, err := client.GetInfo(ctx)
		return err
	}) == nil

	caps[CapGetUsers] = callSafely(ip, "probe_get_users", func() error {
		_, err := client.GetUsers(ctx)
		return err
	}) == nil

	// Probing getAttendance with a real call would pull the whole punch log,
	// so support is inferred from getUsers working on the same transport.
	caps[CapGetAttendance] = caps[CapGetUsers]

	return caps
}

// reachable does a raw TCP dial with no protocol on top, purely to separate
// "device offline" from "device online but protocol rejected".
func (m *ConnectionManager) reachable(ip string, port int) bool {
	conn, err := m.dialTCP("tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)), m.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// recordDeviceMetadata refreshes the device registry with device-reported
// fields so reads never need the live connection.
func (m *ConnectionManager) recordDeviceMetadata(ctx context.Context, conn *Connection) {
	if m.registry == nil {
		return
	}
	existing, err := m.registry.GetDevice(ctx, conn.IP)
	if err != nil || existing == nil {
		// Unregistered devices are connectable but carry no company binding;
		// the coordinator rejects syncs for them separately.
		return
	}
	existing.Port = conn.Port
	existing.LastSeenAt = time.Now().UTC()
	if info, infoErr := conn.Info(ctx); infoErr == nil && info != nil && info.WorkTime != "" {
		existing.ReportedWorkTime = info.WorkTime
	}
	if err := m.registry.UpsertDevice(ctx, *existing); err != nil {
		m.logger.Warn("Failed to refresh device registry entry", "ip", conn.IP, "error", err)
	}
}

// Get returns the open connection for an IP, or ErrNotConnected.
func (m *ConnectionManager) Get(ip string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[ip]
	if !ok || conn.Status() != StatusConnected {
		return nil, newDeviceError(ip, "get", ErrNotConnected)
	}
	return conn, nil
}

// Disconnect closes and drops the connection for an IP. Unknown IPs are a
// no-op.
func (m *ConnectionManager) Disconnect(ip string) {
	m.mu.Lock()
	conn, ok := m.conns[ip]
	if ok {
		delete(m.conns, ip)
	}
	m.mu.Unlock()
	if ok {
		m.closeConnection(conn)
	}
}

func (m *ConnectionManager) closeConnection(conn *Connection) {
	conn.mu.Lock()
	client := conn.client
	conn.client = nil
	conn.status = StatusUnknown
	conn.mu.Unlock()
	if client == nil {
		return
	}
	if err := callSafely(conn.IP, "close", client.Close); err != nil {
		m.logger.Debug("Device client close failed", "ip", conn.IP, "error", err)
	}
}

// Status returns the snapshot for one IP; status "unknown" when never dialed.
func (m *ConnectionManager) Status(ip string) ConnectionSnapshot {
	m.mu.Lock()
	conn, ok := m.conns[ip]
	m.mu.Unlock()
	if !ok {
		return ConnectionSnapshot{IP: ip, Status: StatusUnknown}
	}
	return conn.snapshot()
}

// ListConnections returns snapshots of every tracked connection.
func (m *ConnectionManager) ListConnections() []ConnectionSnapshot {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]ConnectionSnapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	return out
}

// Close stops the reaper and disconnects everything.
func (m *ConnectionManager) Close() {
	m.stopOnce.Do(func() {
		close(m.reaperStop)
		<-m.reaperDone
	})
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()
	for _, c := range conns {
		m.closeConnection(c)
	}
}

func (m *ConnectionManager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reaperStop:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle disconnects any connection unused for IdleTTL or longer. Failed
// placeholder entries age out the same way so the registry map stays bounded.
func (m *ConnectionManager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTTL)
	m.mu.Lock()
	var idle []*Connection
	for ip, c := range m.conns {
		c.mu.Lock()
		unused := c.lastUsed.Before(cutoff)
		c.mu.Unlock()
		if unused {
			idle = append(idle, c)
			delete(m.conns, ip)
		}
	}
	m.mu.Unlock()

	for _, c := range idle {
		m.logger.Info("Reaping idle device connection", "ip", c.IP)
		m.closeConnection(c)
	}
}
