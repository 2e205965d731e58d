// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// defaultIngestBatchSize bounds memory per persisted batch.
const defaultIngestBatchSize = 100

// IngestionPipeline turns raw device payloads into deduplicated stored
// events: local range filtering, normalization, unique-key dedup, bounded
// batch persistence.
type IngestionPipeline struct {
	store     EventStore
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewIngestionPipeline creates a pipeline writing to the given store.
func NewIngestionPipeline(store EventStore, logger *slog.Logger) *IngestionPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestionPipeline{
		store:     store,
		logger:    logger,
		batchSize: defaultIngestBatchSize,
		now:       time.Now,
	}
}

// Ingest filters punches to the window, normalizes and persists them in
// bounded batches. It always returns counts; per-record problems (malformed
// punches, duplicates) are counted, never returned as errors. Only a storage
// failure aborts the call.
func (p *IngestionPipeline) Ingest(ctx context.Context, punches []RawPunch, window Window, deviceIP, companyID string) (IngestResult, error) {
	var result IngestResult
	if companyID == "" {
		return result, fmt.Errorf("ingest requires company id")
	}

	events := make([]AttendanceEvent, 0, len(punches))
	for _, punch := range punches {
		if punch.EmployeeID == "" || punch.Timestamp.IsZero() {
			result.Errors++
			continue
		}
		if !inWindow(punch.Timestamp, window) {
			continue
		}
		events = append(events, p.normalize(punch, deviceIP, companyID))
	}

	for start := 0; start < len(events); start += p.batchSize {
		end := start + p.batchSize
		if end > len(events) {
			end = len(events)
		}
		batchResult, err := p.persistBatch(ctx, events[start:end])
		result.add(batchResult)
		if err != nil {
			return result, err
		}
	}

	p.logger.Debug("Ingest complete",
		"device_ip", deviceIP,
		"fetched", len(punches),
		"stored", result.Stored,
		"duplicates", result.Duplicates,
		"errors", result.Errors)
	return result, nil
}

// inWindow bounds the punch timestamp inclusively. Firmware-side range
// filters are not trusted, so this is the only filter that counts.
func inWindow(ts time.Time, w Window) bool {
	return !ts.Before(w.From) && !ts.After(w.To)
}

// normalize maps a raw punch to an immutable attendance event.
func (p *IngestionPipeline) normalize(punch RawPunch, deviceIP, companyID string) AttendanceEvent {
	return AttendanceEvent{
		UniqueKey:  EventKey(deviceIP, punch.EmployeeID, punch.Timestamp),
		DeviceIP:   deviceIP,
		EmployeeID: punch.EmployeeID,
		CompanyID:  companyID,
		Timestamp:  punch.Timestamp,
		State:      StateFromModeCode(punch.ModeCode),
		Date:       punch.Timestamp.Format("2006-01-02"),
		RawPayload: punch.Raw,
		SyncedAt:   p.now().UTC(),
	}
}

// persistBatch stores one bounded batch with check-then-insert semantics:
// events whose unique key already exists are counted as duplicates and
// skipped (stored events are immutable, so no upsert). The fast path inserts
// the remainder in one call; if a concurrent writer wins a key race the slow
// path re-inserts row by row, classifying collisions as duplicates.
func (p *IngestionPipeline) persistBatch(ctx context.Context, events []AttendanceEvent) (IngestResult, error) {
	var result IngestResult
	if len(events) == 0 {
		return result, nil
	}

	keys := make([]uuid.UUID, len(events))
	for i, ev := range events {
		keys[i] = ev.UniqueKey
	}
	existing, err := p.store.ExistingKeys(ctx, keys)
	if err != nil {
		return result, fmt.Errorf("dedup check failed: %w", err)
	}

	fresh := make([]AttendanceEvent, 0, len(events))
	seen := make(map[uuid.UUID]bool, len(events))
	for _, ev := range events {
		if existing[ev.UniqueKey] || seen[ev.UniqueKey] {
			result.Duplicates++
			continue
		}
		seen[ev.UniqueKey] = true
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		return result, nil
	}

	err = p.store.InsertEvents(ctx, fresh)
	if err == nil {
		result.Stored += len(fresh)
		return result, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return result, fmt.Errorf("batch insert failed: %w", err)
	}

	// Slow path: another sync lane stored part of this batch between the
	// existence check and the insert.
	for _, ev := range fresh {
		switch insErr := p.store.InsertEvent(ctx, ev); {
		case insErr == nil:
			result.Stored++
		case errors.Is(insErr, ErrDuplicateKey):
			result.Duplicates++
		default:
			return result, fmt.Errorf("row insert failed: %w", insErr)
		}
	}
	return result, nil
}
