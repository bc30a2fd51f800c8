package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"watchtower/services/agent/internal/artifacts"
	"watchtower/services/agent/internal/notify"
	"watchtower/services/agent/internal/settings"
	"watchtower/services/agent/internal/store"
)

const (
	statsWindow         = time.Hour
	statsCheckLimit     = 100
	statsIncidentLimit  = 20
	recentIncidentLimit = 5
	recentMessageLimit  = 100
)

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	connected := h.store.Health(r.Context()) == nil
	status, database, code := "healthy", "connected", http.StatusOK
	if !connected {
		status, database, code = "degraded", "disconnected", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": h.now(),
		"uptime":    h.now().Sub(h.startedAt).Seconds(),
		"database":  database,
	})
}

func (h *Handler) healthDB(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "error",
			"timestamp": h.now(),
			"database":  "disconnected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": h.now(),
		"database":  "connected",
	})
}

func (h *Handler) publicStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshot, err := h.settings.Snapshot(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve status"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_enabled":      !snapshot.KillSwitch,
		"monitoring_active":  snapshot.MonitoringEnabled && !snapshot.KillSwitch,
		"auto_fix_enabled":   snapshot.AutoFixEnabled,
		"database_connected": h.store.Health(ctx) == nil,
		"uptime_seconds":     int64(h.now().Sub(h.startedAt).Seconds()),
		"timestamp":          h.now(),
		"version":            Version,
	})
}

func (h *Handler) agentStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := collectStats(r.Context(), h.store, h.settings, h.now())
	if err != nil {
		h.logger.Error("status aggregation failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Failed to get status",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// StatsFunc feeds the websocket hub the same aggregate the status endpoint serves.
func StatsFunc(st store.Store, liveSettings *settings.Settings) notify.StatsFunc {
	return func(ctx context.Context) (map[string]any, error) {
		return collectStats(ctx, st, liveSettings, time.Now().UTC())
	}
}

func collectStats(ctx context.Context, st store.Store, liveSettings *settings.Settings, now time.Time) (map[string]any, error) {
	since := now.Add(-statsWindow)
	checks, err := st.ListChecks(ctx, store.CheckFilter{Since: since, Limit: statsCheckLimit})
	if err != nil {
		return nil, err
	}
	incidents, err := st.ListIncidents(ctx, store.IncidentFilter{Since: since, Limit: statsIncidentLimit})
	if err != nil {
		return nil, err
	}
	snapshot, err := liveSettings.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	byType := map[string]int{"health": 0, "browser": 0, "security": 0}
	byStatus := map[store.CheckStatus]int{}
	for _, check := range checks {
		switch check.CheckType {
		case store.CheckHealth:
			byType["health"]++
		case store.CheckBrowser:
			byType["browser"]++
		case store.CheckSecurity:
			byType["security"]++
		}
		byStatus[check.Status]++
	}

	recent := make([]map[string]any, 0, recentIncidentLimit)
	for index, item := range incidents {
		if index == recentIncidentLimit {
			break
		}
		recent = append(recent, map[string]any{
			"incident_id":   item.IncidentID,
			"severity":      item.Severity,
			"category":      item.Category,
			"application":   item.Application,
			"error_message": previewMessage(item.ErrorMessage),
			"detected_at":   item.DetectedAt,
		})
	}

	return map[string]any{
		"status":             "operational",
		"timestamp":          now,
		"monitoring_enabled": snapshot.MonitoringEnabled,
		"auto_fix_enabled":   snapshot.AutoFixEnabled,
		"kill_switch":        snapshot.KillSwitch,
		"last_hour_stats": map[string]any{
			"total_checks":    len(checks),
			"checks_by_type":  byType,
			"total_incidents": len(incidents),
			"errors":          byStatus[store.CheckError],
			"warnings":        byStatus[store.CheckWarning],
			"healthy":         byStatus[store.CheckHealthy],
		},
		"recent_incidents": recent,
	}, nil
}

func previewMessage(message string) string {
	runes := []rune(message)
	if len(runes) <= recentMessageLimit {
		return message
	}
	return string(runes[:recentMessageLimit]) + "..."
}

func (h *Handler) listActions(w http.ResponseWriter, r *http.Request) {
	filter := store.ActionFilter{
		IncidentID: r.URL.Query().Get("incident_id"),
		Limit:      queryInt(r, "limit", 100),
	}
	actions, err := h.store.ListActions(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch actions"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "count": len(actions)})
}

func (h *Handler) listSecurityEvents(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if hours := queryInt(r, "hours", 0); hours > 0 {
		since = h.now().Add(-time.Duration(hours) * time.Hour)
	}
	events, err := h.store.ListSecurityEvents(r.Context(), since, queryInt(r, "limit", 100))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch security events"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (h *Handler) getScreenshot(w http.ResponseWriter, r *http.Request) {
	checkID := chi.URLParam(r, "checkID")
	if err := h.screenshotLinks.verify(r.URL.Query().Get("token"), checkID); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	content, contentType, err := h.screenshots.LoadObject(r.Context(), artifacts.ScreenshotKey(checkID))
	if err != nil {
		switch {
		case errors.Is(err, artifacts.ErrNotConfigured):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "screenshot store unavailable"})
		case errors.Is(err, artifacts.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "screenshot not found"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unable to load screenshot"})
		}
		return
	}

	if contentType == "" {
		contentType = artifacts.ScreenshotContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
