// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"time"
)

const (
	MetricsOpSync = "sync"

	MetricsStageConnect = "connect"
	MetricsStageFetch   = "fetch"
	MetricsStageIngest  = "ingest"
	MetricsStageTotal   = "total"
)

// StageTiming is one timed stage of a sync run.
type StageTiming struct {
	Operation string
	Stage     string
	DeviceIP  string
	Duration  time.Duration
	Count     int
	Error     bool
}

// StageMetricsRecorder receives stage timings. Implementations typically feed
// a metrics backend; the engine never blocks on them.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a function to StageMetricsRecorder.
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (c *SyncCoordinator) stageStart() time.Time {
	if c.cfg.StageMetrics == nil && !c.cfg.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}

func (c *SyncCoordinator) observeStage(ctx context.Context, stage, deviceIP string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: MetricsOpSync,
		Stage:     stage,
		DeviceIP:  deviceIP,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}
	if c.cfg.StageMetrics != nil {
		c.cfg.StageMetrics.ObserveStage(ctx, timing)
	}
	if c.cfg.LogStageTimings {
		c.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"device_ip", timing.DeviceIP,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
