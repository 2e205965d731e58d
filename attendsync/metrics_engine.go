// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// MetricsEngine derives presence, lateness and attendance-rate statistics
// from stored events. It reads only from the store, never from a live device
// connection, so queries can never block on device I/O.
type MetricsEngine struct {
	events   EventStore
	registry DeviceRegistry
	policy   CutoffPolicy
	location *time.Location
	logger   *slog.Logger
}

// NewMetricsEngine creates the engine. registry may be nil; device-reported
// cutoffs are then skipped in cutoff resolution. loc defaults to time.Local
// and anchors date boundaries for day queries.
func NewMetricsEngine(events EventStore, registry DeviceRegistry, policy CutoffPolicy, loc *time.Location, logger *slog.Logger) *MetricsEngine {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsEngine{
		events:   events,
		registry: registry,
		policy:   policy,
		location: loc,
		logger:   logger,
	}
}

// WorkingDays counts the calendar days in [from, to] excluding Saturday and
// Sunday. Zero when the range is empty or inverted.
func WorkingDays(from, to time.Time) int {
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	last := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, to.Location())
	count := 0
	for !day.After(last) {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			count++
		}
		day = day.AddDate(0, 0, 1)
	}
	return count
}

// AttendanceRate computes presence over working days in [from, to] for one
// employee. A day counts as present when it has at least one stored event.
// Rate is a percentage rounded to one decimal; 0 when the range has no
// working days (never NaN), and 0 for employees with no events at all.
func (m *MetricsEngine) AttendanceRate(ctx context.Context, companyID, employeeID string, from, to time.Time) (*RateResult, error) {
	if companyID == "" || employeeID == "" {
		return nil, fmt.Errorf("attendance rate requires company and employee ids")
	}
	if from.After(to) {
		return nil, fmt.Errorf("invalid range: from after to")
	}

	total := WorkingDays(from, to)
	result := &RateResult{EmployeeID: employeeID, TotalWorkingDays: total}
	if total == 0 {
		return result, nil
	}

	dayStart := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, m.location)
	// The store's To bound is inclusive; back off a nanosecond so an event
	// stamped exactly at the following midnight stays out of the range.
	dayEnd := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, m.location).AddDate(0, 0, 1).Add(-time.Nanosecond)
	events, err := m.events.GetEvents(ctx, EventFilter{
		CompanyID:  companyID,
		EmployeeID: employeeID,
		From:       dayStart,
		To:         dayEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load events for rate: %w", err)
	}

	presentDates := make(map[string]bool)
	for _, ev := range events {
		if isWorkingDate(ev.Timestamp) {
			presentDates[ev.Date] = true
		}
	}
	result.PresentDays = len(presentDates)
	result.Rate = roundRate(result.PresentDays, total)
	return result, nil
}

// Lateness evaluates one employee on one date ("YYYY-MM-DD"). Only the
// earliest event of the day is judged against the cutoff; later conflicting
// check-ins are ignored. An event at exactly the cutoff is not late.
func (m *MetricsEngine) Lateness(ctx context.Context, companyID, employeeID, date string) (*LatenessResult, error) {
	if companyID == "" || employeeID == "" {
		return nil, fmt.Errorf("lateness requires company and employee ids")
	}
	day, err := time.ParseInLocation("2006-01-02", date, m.location)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}

	events, err := m.events.GetEvents(ctx, EventFilter{
		CompanyID:  companyID,
		EmployeeID: employeeID,
		From:       day,
		To:         day.AddDate(0, 0, 1).Add(-time.Nanosecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load events for lateness: %w", err)
	}

	result := &LatenessResult{EmployeeID: employeeID, Date: date}
	var earliest *AttendanceEvent
	for i := range events {
		if events[i].Date != date {
			continue
		}
		earliest = &events[i]
		break // events arrive ordered by timestamp ascending
	}
	if earliest == nil {
		cutoff, source := m.resolveCutoff(ctx, "")
		result.Cutoff = cutoff
		result.CutoffSource = source
		return result, nil
	}

	cutoff, source := m.resolveCutoff(ctx, earliest.DeviceIP)
	result.Present = true
	result.Cutoff = cutoff
	result.CutoffSource = source

	cutoffAt := cutoffOnDate(earliest.Timestamp, cutoff)
	if earliest.Timestamp.After(cutoffAt) {
		result.IsLate = true
		result.LateMinutes = int(earliest.Timestamp.Sub(cutoffAt).Minutes())
	}
	return result, nil
}

// resolveCutoff picks the lateness boundary: custom cutoff when enabled, then
// the device-reported work time, then the default.
func (m *MetricsEngine) resolveCutoff(ctx context.Context, deviceIP string) (string, CutoffSource) {
	if m.policy.UseCustomCutoff && validCutoff(m.policy.CutoffTime) {
		return m.policy.CutoffTime, CutoffSourceCustom
	}
	if m.registry != nil && deviceIP != "" {
		device, err := m.registry.GetDevice(ctx, deviceIP)
		if err != nil {
			m.logger.Warn("Device lookup failed during cutoff resolution", "device_ip", deviceIP, "error", err)
		} else if device != nil && validCutoff(device.ReportedWorkTime) {
			return device.ReportedWorkTime, CutoffSourceDevice
		}
	}
	return DefaultCutoff, CutoffSourceDefault
}

func validCutoff(s string) bool {
	if s == "" {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}

// cutoffOnDate places an "HH:MM" cutoff on the event's own date and location.
func cutoffOnDate(eventTS time.Time, cutoff string) time.Time {
	parsed, err := time.Parse("15:04", cutoff)
	if err != nil {
		parsed, _ = time.Parse("15:04", DefaultCutoff)
	}
	return time.Date(eventTS.Year(), eventTS.Month(), eventTS.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, eventTS.Location())
}

func isWorkingDate(ts time.Time) bool {
	wd := ts.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// roundRate returns present/total as a percentage with one decimal.
func roundRate(present, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(present)/float64(total)*1000) / 10
}
