// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package attendsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// HTTPHandlers exposes the sync control surface and the attendance read API
// as plain net/http handlers; route wiring stays with the embedding server.
type HTTPHandlers struct {
	coordinator   *SyncCoordinator
	store         Store
	metrics       *MetricsEngine
	authenticator OperatorAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(coordinator *SyncCoordinator, store Store, metrics *MetricsEngine, authenticator OperatorAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		coordinator:   coordinator,
		store:         store,
		metrics:       metrics,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleTriggerSync starts a sync run for one device. Always answers with a
// structured body: 400 for malformed input, 404 for unregistered devices,
// 409 when a sync is already in flight, 200 with the SyncResult otherwise
// (partial failures included).
func (h *HTTPHandlers) HandleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	if _, err := h.authenticator.GetOperator(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req TriggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse trigger request")
		return
	}
	mode, err := parseSyncMode(req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.coordinator.TriggerSync(r.Context(), req.DeviceIP, mode)
	switch {
	case errors.Is(err, ErrSyncAlreadyRunning):
		h.writeError(w, http.StatusConflict, "sync_already_running", err.Error())
		return
	case errors.Is(err, ErrDeviceNotRegistered):
		h.writeError(w, http.StatusNotFound, "device_not_registered", err.Error())
		return
	case errors.Is(err, ErrInvalidSyncRequest):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		h.logger.Error("Sync trigger failed", "device_ip", req.DeviceIP, "error", err)
		h.writeError(w, http.StatusInternalServerError, "sync_failed", "Failed to run sync")
		return
	}

	h.writeJSON(w, result)
}

// parseSyncMode converts the wire request into a SyncMode.
func parseSyncMode(req TriggerSyncRequest) (SyncMode, error) {
	switch req.Mode {
	case "", string(ModeIncremental):
		return Incremental(), nil
	case string(ModeForcedDays):
		return ForcedDays(req.Days), nil
	case string(ModeForcedRange):
		from, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			return SyncMode{}, errors.New("forced_range requires RFC3339 from")
		}
		to, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			return SyncMode{}, errors.New("forced_range requires RFC3339 to")
		}
		return ForcedRange(from, to), nil
	default:
		return SyncMode{}, errors.New("unknown sync mode " + req.Mode)
	}
}

// HandleSyncStatus reports watermarks, running lanes and the next scheduled
// run.
func (h *HTTPHandlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	if _, err := h.authenticator.GetOperator(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	status, err := h.coordinator.GetSyncStatus(r.Context())
	if err != nil {
		h.logger.Error("Failed to load sync status", "error", err)
		h.writeError(w, http.StatusInternalServerError, "status_failed", "Failed to load sync status")
		return
	}
	h.writeJSON(w, status)
}

// HandleLastSync reports the durable watermark for one device
// (?device_ip=...). The body carries null when the device never synced.
func (h *HTTPHandlers) HandleLastSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	if _, err := h.authenticator.GetOperator(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	deviceIP := r.URL.Query().Get("device_ip")
	if deviceIP == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "device_ip is required")
		return
	}

	ts, ok, err := h.store.GetWatermark(r.Context(), deviceIP)
	if err != nil {
		h.logger.Error("Failed to read watermark", "device_ip", deviceIP, "error", err)
		h.writeError(w, http.StatusInternalServerError, "watermark_failed", "Failed to read watermark")
		return
	}
	resp := LastSyncResponse{DeviceIP: deviceIP}
	if ok {
		resp.LastSync = &ts
	}
	h.writeJSON(w, resp)
}

// HandleGetEvents returns stored events for the operator's company, filtered
// by optional device_ip, employee_id and RFC3339 from/to bounds, ordered by
// timestamp ascending.
func (h *HTTPHandlers) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	operator, err := h.authenticator.GetOperator(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	filter := EventFilter{
		CompanyID:  operator.CompanyID,
		DeviceIP:   r.URL.Query().Get("device_ip"),
		EmployeeID: r.URL.Query().Get("employee_id"),
	}
	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		from, parseErr := time.Parse(time.RFC3339, fromStr)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
			return
		}
		filter.From = from
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		to, parseErr := time.Parse(time.RFC3339, toStr)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339")
			return
		}
		filter.To = to
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "from must not be after to")
		return
	}

	events, err := h.store.GetEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to query events", "error", err)
		h.writeError(w, http.StatusInternalServerError, "events_failed", "Failed to query events")
		return
	}
	h.writeJSON(w, EventsResponse{Events: events, Count: len(events)})
}

// HandleAttendanceRate returns the attendance-rate summary for one employee
// (?employee_id=&from=YYYY-MM-DD&to=YYYY-MM-DD).
func (h *HTTPHandlers) HandleAttendanceRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	operator, err := h.authenticator.GetOperator(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	employeeID := r.URL.Query().Get("employee_id")
	from, errFrom := time.Parse("2006-01-02", r.URL.Query().Get("from"))
	to, errTo := time.Parse("2006-01-02", r.URL.Query().Get("to"))
	if employeeID == "" || errFrom != nil || errTo != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "employee_id, from and to (YYYY-MM-DD) are required")
		return
	}
	if from.After(to) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "from must not be after to")
		return
	}

	rate, err := h.metrics.AttendanceRate(r.Context(), operator.CompanyID, employeeID, from, to)
	if err != nil {
		h.logger.Error("Failed to compute attendance rate", "employee_id", employeeID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "rate_failed", "Failed to compute attendance rate")
		return
	}
	h.writeJSON(w, rate)
}

// HandleLateness evaluates one employee on one date
// (?employee_id=&date=YYYY-MM-DD).
func (h *HTTPHandlers) HandleLateness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	operator, err := h.authenticator.GetOperator(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	employeeID := r.URL.Query().Get("employee_id")
	date := r.URL.Query().Get("date")
	if employeeID == "" || date == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "employee_id and date are required")
		return
	}

	lateness, err := h.metrics.Lateness(r.Context(), operator.CompanyID, employeeID, date)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.writeJSON(w, lateness)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response.
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
