// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

// SyncModeKind selects how the sync window is derived.
type SyncModeKind string

const (
	ModeIncremental SyncModeKind = "incremental"
	ModeForcedDays  SyncModeKind = "forced_days"
	ModeForcedRange SyncModeKind = "forced_range"
)

// SyncMode describes what a triggered sync should cover.
type SyncMode struct {
	Kind SyncModeKind `json:"kind"`
	Days int          `json:"days,omitempty"`
	From time.Time    `json:"from,omitempty"`
	To   time.Time    `json:"to,omitempty"`
}

// Incremental resumes from the device watermark (with safety overlap).
func Incremental() SyncMode { return SyncMode{Kind: ModeIncremental} }

// ForcedDays re-syncs the last n days regardless of watermark.
func ForcedDays(n int) SyncMode { return SyncMode{Kind: ModeForcedDays, Days: n} }

// ForcedRange re-syncs an explicit range regardless of watermark.
func ForcedRange(from, to time.Time) SyncMode {
	return SyncMode{Kind: ModeForcedRange, From: from, To: to}
}

// CoordinatorConfig holds sync windowing, batching and protection settings.
type CoordinatorConfig struct {
	// Overlap is subtracted from the watermark on incremental syncs so clock
	// skew between device and server cannot lose punches at the boundary.
	Overlap time.Duration
	// DefaultLookback is the incremental window for a device that has never
	// synced.
	DefaultLookback time.Duration
	// SplitThreshold is the range length above which a sync is split into
	// sequential batches.
	SplitThreshold time.Duration
	// BatchSpan is the length of each batch after splitting.
	BatchSpan time.Duration
	// FetchTimeout bounds one attendance fetch from the device.
	FetchTimeout time.Duration
	// ScheduleInterval is the cadence of the optional scheduled mode.
	ScheduleInterval time.Duration

	// BreakerThreshold is the consecutive fetch failures after which a device
	// breaker opens; BreakerOpenFor is how long it stays open.
	BreakerThreshold uint32
	BreakerOpenFor   time.Duration

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultCoordinatorConfig returns production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Overlap:          24 * time.Hour,
		DefaultLookback:  7 * 24 * time.Hour,
		SplitThreshold:   60 * 24 * time.Hour,
		BatchSpan:        7 * 24 * time.Hour,
		FetchTimeout:     45 * time.Second,
		ScheduleInterval: 6 * time.Hour,
		BreakerThreshold: 3,
		BreakerOpenFor:   2 * time.Minute,
	}
}

// SyncCoordinator decides what gets synced and drives it: window derivation,
// range batching, per-device serialization, watermark advancement, and the
// optional fixed-interval schedule. Progress is idempotent and resumable; a
// watermark only moves past a window once that window stored successfully.
type SyncCoordinator struct {
	cfg        CoordinatorConfig
	manager    *ConnectionManager
	pipeline   *IngestionPipeline
	watermarks WatermarkStore
	registry   DeviceRegistry
	logger     *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	running       map[string]bool
	breakers      map[string]*gobreaker.CircuitBreaker[[]RawPunch]
	nextScheduled *time.Time
}

// NewSyncCoordinator wires the coordinator to its collaborators.
func NewSyncCoordinator(cfg CoordinatorConfig, manager *ConnectionManager, pipeline *IngestionPipeline, watermarks WatermarkStore, registry DeviceRegistry, logger *slog.Logger) *SyncCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncCoordinator{
		cfg:        cfg,
		manager:    manager,
		pipeline:   pipeline,
		watermarks: watermarks,
		registry:   registry,
		logger:     logger,
		now:        time.Now,
		running:    make(map[string]bool),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[[]RawPunch]),
	}
}

// TriggerSync runs one sync for a device. Exactly one sync may run per device
// at a time; a concurrent trigger returns ErrSyncAlreadyRunning instead of
// queueing. Malformed input (bad IP, inverted range) is returned as an error;
// device-side failures come back inside the structured result.
func (c *SyncCoordinator) TriggerSync(ctx context.Context, deviceIP string, mode SyncMode) (*SyncResult, error) {
	if _, err := netip.ParseAddr(deviceIP); err != nil {
		return nil, fmt.Errorf("%w: invalid device ip %q: %v", ErrInvalidSyncRequest, deviceIP, err)
	}
	device, err := c.registry.GetDevice(ctx, deviceIP)
	if err != nil {
		return nil, fmt.Errorf("device lookup failed: %w", err)
	}
	if device == nil {
		return nil, newDeviceError(deviceIP, "trigger", ErrDeviceNotRegistered)
	}

	window, err := c.resolveWindow(ctx, deviceIP, mode)
	if err != nil {
		return nil, err
	}

	if !c.acquireLane(deviceIP) {
		return nil, newDeviceError(deviceIP, "trigger", ErrSyncAlreadyRunning)
	}
	defer c.releaseLane(deviceIP)

	return c.runSync(ctx, device, window), nil
}

// resolveWindow derives the sync window for the mode.
func (c *SyncCoordinator) resolveWindow(ctx context.Context, deviceIP string, mode SyncMode) (Window, error) {
	now := c.now()
	switch mode.Kind {
	case ModeIncremental, "":
		watermark, ok, err := c.watermarks.GetWatermark(ctx, deviceIP)
		if err != nil {
			return Window{}, fmt.Errorf("watermark lookup failed: %w", err)
		}
		from := now.Add(-c.cfg.DefaultLookback)
		if ok {
			from = watermark.Add(-c.cfg.Overlap)
		}
		return Window{From: from, To: now}, nil
	case ModeForcedDays:
		if mode.Days <= 0 {
			return Window{}, fmt.Errorf("%w: forced_days requires days > 0, got %d", ErrInvalidSyncRequest, mode.Days)
		}
		return Window{From: now.Add(-time.Duration(mode.Days) * 24 * time.Hour), To: now}, nil
	case ModeForcedRange:
		if mode.From.IsZero() || mode.To.IsZero() || !mode.From.Before(mode.To) {
			return Window{}, fmt.Errorf("%w: forced_range requires from < to", ErrInvalidSyncRequest)
		}
		return Window{From: mode.From, To: mode.To}, nil
	default:
		return Window{}, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidSyncRequest, mode.Kind)
	}
}

// splitWindows cuts a long range into sequential batches so a failure only
// loses the in-flight batch. The union of the batches covers the range
// exactly with no gaps.
func (c *SyncCoordinator) splitWindows(w Window) []Window {
	if w.Duration() <= c.cfg.SplitThreshold {
		return []Window{w}
	}
	var out []Window
	for from := w.From; from.Before(w.To); from = from.Add(c.cfg.BatchSpan) {
		to := from.Add(c.cfg.BatchSpan)
		if to.After(w.To) {
			to = w.To
		}
		out = append(out, Window{From: from, To: to})
	}
	return out
}

// runSync connects and drives the batch loop. The returned result is always
// structured: device-side failures set Success/Message instead of erroring.
func (c *SyncCoordinator) runSync(ctx context.Context, device *Device, window Window) *SyncResult {
	result := &SyncResult{
		RunID:     uuid.New(),
		DeviceIP:  device.IP,
		Success:   true,
		StartedAt: c.now(),
	}
	defer func() { result.FinishedAt = c.now() }()

	totalStart := c.stageStart()
	defer func() {
		c.observeStage(ctx, MetricsStageTotal, device.IP, totalStart, result.Synced, !result.Success)
	}()

	connectStart := c.stageStart()
	conn, err := c.manager.Connect(ctx, device.IP, device.Port)
	c.observeStage(ctx, MetricsStageConnect, device.IP, connectStart, 0, err != nil)
	if err != nil {
		result.Success = false
		result.Message = err.Error()
		return result
	}

	windows := c.splitWindows(window)
	c.logger.Info("Sync started",
		"device_ip", device.IP,
		"run_id", result.RunID,
		"from", window.From,
		"to", window.To,
		"batches", len(windows))

	for i := range windows {
		batch := windows[i]

		// Cancellation granularity is per-batch: an abort between batches
		// keeps everything already stored and watermarked.
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Success = false
			result.FailedWindow = &batch
			result.Message = ctxErr.Error()
			return result
		}

		fetchStart := c.stageStart()
		punches, fetchErr := c.fetchPunches(ctx, conn)
		c.observeStage(ctx, MetricsStageFetch, device.IP, fetchStart, len(punches), fetchErr != nil)
		if fetchErr != nil {
			// A timeout (or an open breaker standing in for repeated ones)
			// degrades this window to partial success: synced stays put and
			// the watermark is not advanced, so a later incremental sync
			// retries exactly this window plus overlap.
			result.FailedWindow = &batch
			result.Message = fetchErr.Error()
			if !isDegradable(fetchErr) {
				result.Success = false
			}
			return result
		}

		ingestStart := c.stageStart()
		ingested, ingestErr := c.pipeline.Ingest(ctx, punches, batch, device.IP, device.CompanyID)
		c.observeStage(ctx, MetricsStageIngest, device.IP, ingestStart, ingested.Stored, ingestErr != nil)
		result.Synced += ingested.Stored
		result.Duplicates += ingested.Duplicates
		result.Errors += ingested.Errors
		if ingestErr != nil {
			result.Success = false
			result.FailedWindow = &batch
			result.Message = ingestErr.Error()
			return result
		}

		if err := c.watermarks.AdvanceWatermark(ctx, device.IP, batch.To); err != nil {
			result.Success = false
			result.FailedWindow = &batch
			result.Message = err.Error()
			return result
		}
		result.Batches++
	}

	c.logger.Info("Sync finished",
		"device_ip", device.IP,
		"run_id", result.RunID,
		"synced", result.Synced,
		"duplicates", result.Duplicates,
		"errors", result.Errors,
		"batches", result.Batches)
	return result
}

// fetchPunches pulls the full punch log through the device breaker, bounded
// by the fetch timeout.
func (c *SyncCoordinator) fetchPunches(ctx context.Context, conn *Connection) ([]RawPunch, error) {
	breaker := c.breakerFor(conn.IP)
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	punches, err := breaker.Execute(func() ([]RawPunch, error) {
		return conn.Attendance(fetchCtx)
	})
	if err == nil {
		return punches, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, newDeviceError(conn.IP, "fetch", ErrProtocolTimeout)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, newDeviceError(conn.IP, "fetch", fmt.Errorf("%w: %v", ErrProtocolTimeout, err))
	}
	return nil, err
}

// isDegradable reports whether a fetch failure degrades the window to partial
// success rather than failing the run.
func isDegradable(err error) bool {
	return errors.Is(err, ErrProtocolTimeout)
}

func (c *SyncCoordinator) breakerFor(ip string) *gobreaker.CircuitBreaker[[]RawPunch] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[ip]; ok {
		return br
	}
	threshold := c.cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 3
	}
	br := gobreaker.NewCircuitBreaker[[]RawPunch](gobreaker.Settings{
		Name:    "device-fetch-" + ip,
		Timeout: c.cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Device breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[ip] = br
	return br
}

func (c *SyncCoordinator) acquireLane(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[ip] {
		return false
	}
	c.running[ip] = true
	return true
}

func (c *SyncCoordinator) releaseLane(ip string) {
	c.mu.Lock()
	delete(c.running, ip)
	c.mu.Unlock()
}

// GetSyncStatus returns the control-surface snapshot: durable watermarks,
// in-flight lanes and the next scheduled run.
func (c *SyncCoordinator) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	watermarks, err := c.watermarks.AllWatermarks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load watermarks: %w", err)
	}

	c.mu.Lock()
	running := make([]string, 0, len(c.running))
	for ip := range c.running {
		running = append(running, ip)
	}
	var next *time.Time
	if c.nextScheduled != nil {
		t := *c.nextScheduled
		next = &t
	}
	c.mu.Unlock()
	sort.Strings(running)

	return &SyncStatus{
		Watermarks:    watermarks,
		Running:       running,
		NextScheduled: next,
	}, nil
}

// StartScheduler runs incremental syncs for every connected device on a fixed
// interval until ctx is cancelled. Manual triggers bypass the schedule; a
// device already syncing is skipped, not queued.
func (c *SyncCoordinator) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.ScheduleInterval
	}
	go c.scheduleLoop(ctx, interval)
}

func (c *SyncCoordinator) scheduleLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.setNextScheduled(c.now().Add(interval))

	for {
		select {
		case <-ctx.Done():
			c.setNextScheduled(time.Time{})
			return
		case <-ticker.C:
			c.setNextScheduled(c.now().Add(interval))
			c.runScheduledPass(ctx)
		}
	}
}

func (c *SyncCoordinator) runScheduledPass(ctx context.Context) {
	for _, snap := range c.manager.ListConnections() {
		if snap.Status != StatusConnected {
			continue
		}
		ip := snap.IP
		go func() {
			result, err := c.TriggerSync(ctx, ip, Incremental())
			switch {
			case errors.Is(err, ErrSyncAlreadyRunning):
				// Manual trigger in flight; the next pass catches up.
			case err != nil:
				c.logger.Warn("Scheduled sync rejected", "device_ip", ip, "error", err)
			case !result.Success:
				c.logger.Warn("Scheduled sync failed", "device_ip", ip, "message", result.Message)
			}
		}()
	}
}

func (c *SyncCoordinator) setNextScheduled(t time.Time) {
	c.mu.Lock()
	if t.IsZero() {
		c.nextScheduled = nil
	} else {
		c.nextScheduled = &t
	}
	c.mu.Unlock()
}
