// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore implements the attendsync store interfaces on SQLite
// for single-box edge deployments where no Postgres runs next to the
// terminals. Schema and semantics mirror the Postgres store.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/attendkit/go-attendsync/attendsync"
)

// Store is the SQLite-backed attendsync.Store implementation.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	// writeMu serializes writes to avoid SQLite locking issues under
	// concurrent sync lanes.
	writeMu sync.Mutex
}

// Open opens (or creates) the database file and initializes the schema.
// Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		// Every pool connection to :memory: opens its own database; pin the
		// pool to one connection so schema and data stay visible.
		db.SetMaxOpenConns(1)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection and initializes the schema. The connection
// lifecycle stays with the caller when using New directly.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.initializeSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for advanced callers.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initializeSchema() error {
	// WAL keeps readers unblocked during sync writes; the busy timeout rides
	// out short lock contention instead of failing.
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS attendance_events (
			unique_key  TEXT PRIMARY KEY,
			device_ip   TEXT NOT NULL,
			employee_id TEXT NOT NULL,
			company_id  TEXT NOT NULL,
			ts          INTEGER NOT NULL, -- unix millis
			state       TEXT NOT NULL,
			event_date  TEXT NOT NULL,    -- YYYY-MM-DD
			raw_payload TEXT,
			synced_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ae_device_employee_date_idx
			ON attendance_events(device_ip, employee_id, event_date)`,
		`CREATE INDEX IF NOT EXISTS ae_company_date_idx
			ON attendance_events(company_id, event_date)`,
		`CREATE TABLE IF NOT EXISTS sync_watermarks (
			device_ip      TEXT PRIMARY KEY,
			last_synced_at INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			ip                 TEXT PRIMARY KEY,
			port               INTEGER NOT NULL DEFAULT 4370,
			company_id         TEXT NOT NULL,
			name               TEXT NOT NULL DEFAULT '',
			reported_work_time TEXT NOT NULL DEFAULT '',
			last_seen_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS devices_company_idx ON devices(company_id)`,
	}
	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("sqlite migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Debug("SQLite attendance schema initialized", "migrations", len(migrations))
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

const insertEventSQL = `
	INSERT INTO attendance_events
		(unique_key, device_ip, employee_id, company_id, ts, state, event_date, raw_payload, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func eventArgs(ev attendsync.AttendanceEvent) []any {
	var raw any
	if len(ev.RawPayload) > 0 {
		raw = string(ev.RawPayload)
	}
	return []any{
		ev.UniqueKey.String(),
		ev.DeviceIP,
		ev.EmployeeID,
		ev.CompanyID,
		ev.Timestamp.UnixMilli(),
		string(ev.State),
		ev.Date,
		raw,
		ev.SyncedAt.UnixMilli(),
	}
}

// InsertEvents appends a batch in one transaction, surfacing
// attendsync.ErrDuplicateKey on any unique key collision.
func (s *Store) InsertEvents(ctx context.Context, events []attendsync.AttendanceEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, insertEventSQL, eventArgs(ev)...); err != nil {
			if isUniqueViolation(err) {
				return attendsync.ErrDuplicateKey
			}
			return fmt.Errorf("failed to insert event batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// InsertEvent appends one event, mapping collisions to ErrDuplicateKey.
func (s *Store) InsertEvent(ctx context.Context, ev attendsync.AttendanceEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, insertEventSQL, eventArgs(ev)...); err != nil {
		if isUniqueViolation(err) {
			return attendsync.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ExistingKeys reports which unique keys are already stored.
func (s *Store) ExistingKeys(ctx context.Context, keys []uuid.UUID) (map[uuid.UUID]bool, error) {
	existing := make(map[uuid.UUID]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k.String()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT unique_key FROM attendance_events WHERE unique_key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan existing key: %w", err)
		}
		key, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			return nil, fmt.Errorf("corrupt unique key %q: %w", raw, parseErr)
		}
		existing[key] = true
	}
	return existing, rows.Err()
}

// GetEvents returns events matching the filter ordered by timestamp
// ascending.
func (s *Store) GetEvents(ctx context.Context, filter attendsync.EventFilter) ([]attendsync.AttendanceEvent, error) {
	if filter.CompanyID == "" {
		return nil, fmt.Errorf("event filter requires company_id")
	}

	clauses := []string{"company_id = ?"}
	args := []any{filter.CompanyID}
	if filter.DeviceIP != "" {
		clauses = append(clauses, "device_ip = ?")
		args = append(args, filter.DeviceIP)
	}
	if filter.EmployeeID != "" {
		clauses = append(clauses, "employee_id = ?")
		args = append(args, filter.EmployeeID)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, filter.To.UnixMilli())
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT unique_key, device_ip, employee_id, company_id, ts, state, event_date, raw_payload, synced_at
		FROM attendance_events
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY ts ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []attendsync.AttendanceEvent
	for rows.Next() {
		var (
			rawKey, state string
			tsMillis      int64
			syncedMillis  int64
			rawPayload    sql.NullString
			ev            attendsync.AttendanceEvent
		)
		if err := rows.Scan(&rawKey, &ev.DeviceIP, &ev.EmployeeID, &ev.CompanyID,
			&tsMillis, &state, &ev.Date, &rawPayload, &syncedMillis); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		key, parseErr := uuid.Parse(rawKey)
		if parseErr != nil {
			return nil, fmt.Errorf("corrupt unique key %q: %w", rawKey, parseErr)
		}
		ev.UniqueKey = key
		ev.Timestamp = time.UnixMilli(tsMillis)
		ev.SyncedAt = time.UnixMilli(syncedMillis)
		ev.State = attendsync.StateCode(state)
		if rawPayload.Valid {
			ev.RawPayload = []byte(rawPayload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetWatermark returns the last fully synced timestamp for a device.
func (s *Store) GetWatermark(ctx context.Context, deviceIP string) (time.Time, bool, error) {
	var millis int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_watermarks WHERE device_ip = ?`, deviceIP).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return time.UnixMilli(millis), true, nil
}

// AdvanceWatermark moves a device watermark forward, never backward.
func (s *Store) AdvanceWatermark(ctx context.Context, deviceIP string, ts time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (device_ip, last_synced_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (device_ip) DO UPDATE SET
			last_synced_at = MAX(sync_watermarks.last_synced_at, excluded.last_synced_at),
			updated_at = excluded.updated_at`,
		deviceIP, ts.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// AllWatermarks returns every stored watermark keyed by device IP.
func (s *Store) AllWatermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_ip, last_synced_at FROM sync_watermarks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var ip string
		var millis int64
		if err := rows.Scan(&ip, &millis); err != nil {
			return nil, fmt.Errorf("failed to scan watermark row: %w", err)
		}
		out[ip] = time.UnixMilli(millis)
	}
	return out, rows.Err()
}

// UpsertDevice creates or refreshes a device registry entry.
func (s *Store) UpsertDevice(ctx context.Context, d attendsync.Device) error {
	if d.IP == "" || d.CompanyID == "" {
		return fmt.Errorf("device requires ip and company_id")
	}
	lastSeen := d.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (ip, port, company_id, name, reported_work_time, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ip) DO UPDATE SET
			port = excluded.port,
			company_id = excluded.company_id,
			name = excluded.name,
			reported_work_time = CASE WHEN excluded.reported_work_time <> ''
				THEN excluded.reported_work_time
				ELSE devices.reported_work_time END,
			last_seen_at = excluded.last_seen_at`,
		d.IP, d.Port, d.CompanyID, d.Name, d.ReportedWorkTime, lastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// GetDevice returns a registry entry, or nil when the IP is unknown.
func (s *Store) GetDevice(ctx context.Context, ip string) (*attendsync.Device, error) {
	var d attendsync.Device
	var lastSeenMillis int64
	err := s.db.QueryRowContext(ctx, `
		SELECT ip, port, company_id, name, reported_work_time, last_seen_at
		FROM devices WHERE ip = ?`, ip).
		Scan(&d.IP, &d.Port, &d.CompanyID, &d.Name, &d.ReportedWorkTime, &lastSeenMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device: %w", err)
	}
	d.LastSeenAt = time.UnixMilli(lastSeenMillis)
	return &d, nil
}

// ListDevices returns the registered fleet for a company.
func (s *Store) ListDevices(ctx context.Context, companyID string) ([]attendsync.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, port, company_id, name, reported_work_time, last_seen_at
		FROM devices WHERE company_id = ? ORDER BY ip`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []attendsync.Device
	for rows.Next() {
		var d attendsync.Device
		var lastSeenMillis int64
		if err := rows.Scan(&d.IP, &d.Port, &d.CompanyID, &d.Name, &d.ReportedWorkTime, &lastSeenMillis); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		d.LastSeenAt = time.UnixMilli(lastSeenMillis)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
