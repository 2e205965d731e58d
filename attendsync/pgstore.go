// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store implementation. All engine tables live
// in a dedicated "attendance" schema so the host database stays untouched.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates the store and runs schema migrations. The pool lifecycle
// stays with the caller.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{pool: pool, logger: logger}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize attendance schema: %w", err)
	}
	return s, nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// initializeSchemaInTx creates the engine tables if they don't exist.
func (s *PGStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS attendance`,

		// Append-only punch log. unique_key is the deterministic UUIDv5 of
		// (device_ip, employee_id, timestamp millis) and is the at-most-once
		// storage guarantee.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS attendance.attendance_events (
			unique_key  UUID        PRIMARY KEY,
			device_ip   TEXT        NOT NULL,
			employee_id TEXT        NOT NULL,
			company_id  TEXT        NOT NULL,
			ts          TIMESTAMPTZ NOT NULL,
			state       TEXT        NOT NULL,
			event_date  DATE        NOT NULL,
			raw_payload JSON,
			synced_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Read-path critical indexes: queries are always company-scoped and
		// frequently date-ranged or per-employee.
		`CREATE INDEX IF NOT EXISTS ae_device_employee_date_idx
			ON attendance.attendance_events(device_ip, employee_id, event_date)`,
		`CREATE INDEX IF NOT EXISTS ae_company_date_idx
			ON attendance.attendance_events(company_id, event_date)`,

		// Durable per-device sync watermarks (monotonic, advanced only after
		// a window stores successfully).
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS attendance.sync_watermarks (
			device_ip      TEXT        PRIMARY KEY,
			last_synced_at TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Device fleet registry: company binding plus the last
		// device-reported metadata captured on connect.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS attendance.devices (
			ip                 TEXT        PRIMARY KEY,
			port               INT         NOT NULL DEFAULT 4370,
			company_id         TEXT        NOT NULL,
			name               TEXT        NOT NULL DEFAULT '',
			reported_work_time TEXT        NOT NULL DEFAULT '',
			last_seen_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS devices_company_idx ON attendance.devices(company_id)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running attendance migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("attendance migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Attendance schema initialized", "migrations", len(migrations))
	return nil
}

const insertEventSQL = `
	INSERT INTO attendance.attendance_events
		(unique_key, device_ip, employee_id, company_id, ts, state, event_date, raw_payload, synced_at)
	VALUES
		(@unique_key, @device_ip, @employee_id, @company_id, @ts, @state, @event_date, @raw_payload, @synced_at)`

func insertEventArgs(ev AttendanceEvent) pgx.NamedArgs {
	return pgx.NamedArgs{
		"unique_key":  ev.UniqueKey,
		"device_ip":   ev.DeviceIP,
		"employee_id": ev.EmployeeID,
		"company_id":  ev.CompanyID,
		"ts":          ev.Timestamp,
		"state":       string(ev.State),
		"event_date":  ev.Date,
		"raw_payload": nullableJSON(ev.RawPayload),
		"synced_at":   ev.SyncedAt,
	}
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// InsertEvents appends a batch inside one transaction. A unique key collision
// rolls the batch back and surfaces ErrDuplicateKey so the pipeline can fall
// back to per-row inserts. Transient transaction failures (serialization,
// deadlock) are retried a few times before giving up.
func (s *PGStore) InsertEvents(ctx context.Context, events []AttendanceEvent) error {
	if len(events) == 0 {
		return nil
	}

	const maxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, ev := range events {
				batch.Queue(insertEventSQL, insertEventArgs(ev))
			}
			return tx.SendBatch(ctx, batch).Close()
		})
		if err == nil {
			return nil
		}
		if isPGUniqueViolation(err) {
			return ErrDuplicateKey
		}
		if !isRetryablePGTxError(err) || attempt == maxAttempts {
			break
		}
		s.logger.Warn("Retrying event batch after transient tx failure",
			"attempt", attempt, "error", err)
		if sleepErr := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("failed to insert event batch: %w", err)
}

// InsertEvent appends one event, mapping unique violations to ErrDuplicateKey.
func (s *PGStore) InsertEvent(ctx context.Context, ev AttendanceEvent) error {
	if _, err := s.pool.Exec(ctx, insertEventSQL, insertEventArgs(ev)); err != nil {
		if isPGUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ExistingKeys reports which unique keys are already stored.
func (s *PGStore) ExistingKeys(ctx context.Context, keys []uuid.UUID) (map[uuid.UUID]bool, error) {
	existing := make(map[uuid.UUID]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT unique_key FROM attendance.attendance_events WHERE unique_key = ANY(@keys)`,
		pgx.NamedArgs{"keys": keys})
	if err != nil {
		return nil, fmt.Errorf("failed to query existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key uuid.UUID
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan existing key: %w", err)
		}
		existing[key] = true
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("existing keys query failed: %w", rows.Err())
	}
	return existing, nil
}

// GetEvents returns events matching the filter ordered by timestamp ascending.
func (s *PGStore) GetEvents(ctx context.Context, filter EventFilter) ([]AttendanceEvent, error) {
	if filter.CompanyID == "" {
		return nil, fmt.Errorf("event filter requires company_id")
	}

	clauses := []string{"company_id = @company_id"}
	args := pgx.NamedArgs{"company_id": filter.CompanyID}
	if filter.DeviceIP != "" {
		clauses = append(clauses, "device_ip = @device_ip")
		args["device_ip"] = filter.DeviceIP
	}
	if filter.EmployeeID != "" {
		clauses = append(clauses, "employee_id = @employee_id")
		args["employee_id"] = filter.EmployeeID
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "ts >= @from_ts")
		args["from_ts"] = filter.From
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "ts <= @to_ts")
		args["to_ts"] = filter.To
	}

	query := `
		SELECT unique_key, device_ip, employee_id, company_id, ts, state, event_date, raw_payload, synced_at
		FROM attendance.attendance_events
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY ts ASC`

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []AttendanceEvent
	for rows.Next() {
		var ev AttendanceEvent
		var state string
		var eventDate time.Time
		if err := rows.Scan(&ev.UniqueKey, &ev.DeviceIP, &ev.EmployeeID, &ev.CompanyID,
			&ev.Timestamp, &state, &eventDate, &ev.RawPayload, &ev.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.State = StateCode(state)
		ev.Date = eventDate.Format("2006-01-02")
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("events query failed: %w", rows.Err())
	}
	return events, nil
}

// GetWatermark returns the last fully synced timestamp for a device.
func (s *PGStore) GetWatermark(ctx context.Context, deviceIP string) (time.Time, bool, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_synced_at FROM attendance.sync_watermarks WHERE device_ip = $1`,
		deviceIP).Scan(&ts)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return ts, true, nil
}

// AdvanceWatermark moves a device watermark forward, never backward. The
// GREATEST guard makes concurrent or replayed advances harmless.
func (s *PGStore) AdvanceWatermark(ctx context.Context, deviceIP string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance.sync_watermarks (device_ip, last_synced_at, updated_at)
		VALUES (@device_ip, @ts, now())
		ON CONFLICT (device_ip) DO UPDATE SET
			last_synced_at = GREATEST(attendance.sync_watermarks.last_synced_at, EXCLUDED.last_synced_at),
			updated_at = now()`,
		pgx.NamedArgs{"device_ip": deviceIP, "ts": ts})
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// AllWatermarks returns every stored watermark keyed by device IP.
func (s *PGStore) AllWatermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT device_ip, last_synced_at FROM attendance.sync_watermarks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var ip string
		var ts time.Time
		if err := rows.Scan(&ip, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan watermark row: %w", err)
		}
		out[ip] = ts
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("watermarks query failed: %w", rows.Err())
	}
	return out, nil
}

// UpsertDevice creates or refreshes a device registry entry.
func (s *PGStore) UpsertDevice(ctx context.Context, d Device) error {
	if d.IP == "" || d.CompanyID == "" {
		return fmt.Errorf("device requires ip and company_id")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance.devices (ip, port, company_id, name, reported_work_time, last_seen_at)
		VALUES (@ip, @port, @company_id, @name, @reported_work_time, @last_seen_at)
		ON CONFLICT (ip) DO UPDATE SET
			port = EXCLUDED.port,
			company_id = EXCLUDED.company_id,
			name = EXCLUDED.name,
			reported_work_time = CASE WHEN EXCLUDED.reported_work_time <> ''
				THEN EXCLUDED.reported_work_time
				ELSE attendance.devices.reported_work_time END,
			last_seen_at = EXCLUDED.last_seen_at`,
		pgx.NamedArgs{
			"ip":                 d.IP,
			"port":               d.Port,
			"company_id":         d.CompanyID,
			"name":               d.Name,
			"reported_work_time": d.ReportedWorkTime,
			"last_seen_at":       nonZeroTime(d.LastSeenAt),
		})
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func nonZeroTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// GetDevice returns a registry entry, or nil when the IP is unknown.
func (s *PGStore) GetDevice(ctx context.Context, ip string) (*Device, error) {
	var d Device
	err := s.pool.QueryRow(ctx, `
		SELECT ip, port, company_id, name, reported_work_time, last_seen_at
		FROM attendance.devices WHERE ip = $1`, ip).
		Scan(&d.IP, &d.Port, &d.CompanyID, &d.Name, &d.ReportedWorkTime, &d.LastSeenAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device: %w", err)
	}
	return &d, nil
}

// ListDevices returns the registered fleet for a company.
func (s *PGStore) ListDevices(ctx context.Context, companyID string) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ip, port, company_id, name, reported_work_time, last_seen_at
		FROM attendance.devices WHERE company_id = $1 ORDER BY ip`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.IP, &d.Port, &d.CompanyID, &d.Name, &d.ReportedWorkTime, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("devices query failed: %w", rows.Err())
	}
	return devices, nil
}
