package api

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/monitor"
	"watchtower/services/agent/internal/notify"
)

type checkOutcome struct {
	Success bool                 `json:"success"`
	Result  *monitor.CycleReport `json:"result,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func runMonitor(ctx context.Context, m monitor.Monitor) checkOutcome {
	if m == nil {
		return checkOutcome{Error: "monitor not configured"}
	}
	report, err := m.Run(ctx)
	if err != nil {
		return checkOutcome{Error: err.Error()}
	}
	return checkOutcome{Success: true, Result: &report}
}

// triggerAll runs every monitor concurrently and reports each outcome; one failing monitor does not fail the others.
func (h *Handler) triggerAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var health, browser, security checkOutcome

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { health = runMonitor(groupCtx, h.health); return nil })
	group.Go(func() error { browser = runMonitor(groupCtx, h.browser); return nil })
	group.Go(func() error { security = runMonitor(groupCtx, h.security); return nil })
	_ = group.Wait()

	checks := map[string]checkOutcome{
		"health":   health,
		"browser":  browser,
		"security": security,
	}
	allSucceeded := health.Success && browser.Success && security.Success

	h.audit(ctx, audit.Outcome(allSucceeded, "manual-trigger", "manual", "manual_trigger_all",
		"Manual trigger of all monitoring checks", map[string]any{
			"health":   health.Success,
			"browser":  browser.Success,
			"security": security.Success,
		}, nil))

	if h.store != nil && h.settings != nil {
		if stats, err := collectStats(ctx, h.store, h.settings, h.now()); err == nil {
			if err := h.publisher.Publish(ctx, notify.NewEvent(notify.EventStatsUpdate, "", stats)); err != nil {
				h.logger.Warn("stats update publish failed", "err", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "All monitoring checks triggered successfully",
		"results": map[string]any{
			"timestamp": h.now(),
			"checks":    checks,
		},
	})
}

func (h *Handler) triggerHealth(w http.ResponseWriter, r *http.Request) {
	outcome := runMonitor(r.Context(), h.health)
	if !outcome.Success {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Health checks failed",
			"message": outcome.Error,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Health checks completed",
		"result":  outcome.Result,
	})
}

func (h *Handler) triggerBrowser(w http.ResponseWriter, r *http.Request) {
	h.triggerInBackground(w, r, h.browser, "Browser monitoring triggered")
}

func (h *Handler) triggerSecurity(w http.ResponseWriter, r *http.Request) {
	h.triggerInBackground(w, r, h.security, "Security checks triggered")
}

func (h *Handler) triggerInBackground(w http.ResponseWriter, r *http.Request, m monitor.Monitor, message string) {
	if m == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "monitor not configured"})
		return
	}

	err := h.runInBackground(r.Context(), "manual "+m.Name(), func(ctx context.Context) error {
		_, err := m.Run(ctx)
		return err
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent is shutting down"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": message,
	})
}
