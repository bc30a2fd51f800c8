package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/incident"
	"watchtower/services/agent/internal/store"
)

func (h *Handler) reportError(w http.ResponseWriter, r *http.Request) {
	report := incident.Report{}
	if err := decodeBody(r, &report); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(report.Error.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "Invalid error format",
			"message": "Error object must contain a message property",
		})
		return
	}

	opened, err := h.incidents.Report(r.Context(), report)
	if err != nil {
		if errors.Is(err, incident.ErrInvalidReport) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid error format", "message": err.Error()})
			return
		}
		h.logger.Error("error report failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create incident"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"incident_id": opened.IncidentID,
		"created":     true,
		"severity":    opened.Severity,
		"category":    opened.Category,
		"status":      opened.Status,
		"timestamp":   opened.DetectedAt,
	})
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	filter := store.IncidentFilter{Limit: queryInt(r, "limit", 50)}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := store.ParseIncidentStatus(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status"})
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		filter.Category = store.Category(strings.ToLower(raw))
	}

	incidents, err := h.store.ListIncidents(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch incidents"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
		"timestamp": h.now(),
	})
}

func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "incidentID")
	found, err := h.store.GetIncident(r.Context(), incidentID)
	if err != nil {
		writeLookupError(w, err)
		return
	}

	response := map[string]any{
		"incident":  found,
		"timestamp": h.now(),
	}
	if found.ContextString("screenshot_path") != "" {
		if link := h.screenshotLinks.link(found.ContextString("check_id")); link != "" {
			response["screenshot_url"] = link
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) fixIncident(w http.ResponseWriter, r *http.Request) {
	if h.fixer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "fix engine unavailable"})
		return
	}

	incidentID := chi.URLParam(r, "incidentID")
	if _, err := h.store.GetIncident(r.Context(), incidentID); err != nil {
		writeLookupError(w, err)
		return
	}

	err := h.runInBackground(r.Context(), "fix "+incidentID, func(ctx context.Context) error {
		_, err := h.fixer.ProcessIncident(ctx, incidentID)
		return err
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent is shutting down"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"incident_id": incidentID,
		"message":     "Fix attempt started",
	})
}

func (h *Handler) triggerTestError(w http.ResponseWriter, r *http.Request) {
	request := incident.TestRequest{}
	if err := decodeBody(r, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	opened, err := h.incidents.CreateTestIncident(r.Context(), request)
	if err != nil {
		h.logger.Error("test incident failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Failed to create test error",
			"message": err.Error(),
		})
		return
	}

	h.audit(r.Context(), audit.Succeeded("manual-trigger", "manual", "test_error_created",
		"Created test incident "+opened.IncidentID, map[string]any{
			"error_type": opened.ErrorType,
			"severity":   opened.Severity,
		}))

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"incident_id": opened.IncidentID,
		"incident":    opened,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
