package monitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/incident"
	"watchtower/services/agent/internal/store"
)

const defaultHealthTimeout = 5 * time.Second

// HealthMonitor issues one GET per configured target and opens a CRITICAL
// infrastructure incident for every target that does not answer as expected.
type HealthMonitor struct {
	targets []config.HealthTarget
	deps    Deps
	client  *http.Client
	now     func() time.Time
}

func NewHealthMonitor(targets []config.HealthTarget, deps Deps) *HealthMonitor {
	return &HealthMonitor{
		targets: targets,
		deps:    deps.normalized(),
		client:  &http.Client{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *HealthMonitor) Name() string { return "health" }

func (m *HealthMonitor) Run(ctx context.Context) (CycleReport, error) {
	report := newReport(m.Name(), m.now())
	for _, target := range m.targets {
		err := isolate(ctx, m.deps, audit.AgentMonitor, target.Name, func(ctx context.Context) error {
			check, incidentID, err := m.checkTarget(ctx, target)
			report.addCheck(check)
			if incidentID != "" {
				report.IncidentIDs = append(report.IncidentIDs, incidentID)
			}
			return err
		})
		if err != nil {
			report.Failures++
		}
	}
	finishCycle(ctx, m.deps, audit.AgentMonitor, "health_check_completed", &report, m.now())
	return report, nil
}

// probe performs the request. Non-2xx answers are results, not errors.
func (m *HealthMonitor) probe(ctx context.Context, target config.HealthTarget) (int, error) {
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target.URL, nil)
	if err != nil {
		return 0, err
	}
	request.Header.Set("User-Agent", userAgent)

	response, err := m.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
	return response.StatusCode, nil
}

func (m *HealthMonitor) checkTarget(ctx context.Context, target config.HealthTarget) (store.CheckResult, string, error) {
	expected := target.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}

	started := m.now()
	statusCode, probeErr := m.probe(ctx, target)
	elapsed := m.now().Sub(started)

	check := store.CheckResult{
		CheckID:        store.NewCheckID("health", target.Name, started),
		CheckType:      store.CheckHealth,
		Target:         target.Name,
		Application:    target.Application,
		Status:         store.CheckHealthy,
		ResponseTimeMs: elapsed.Milliseconds(),
		StatusCode:     statusCode,
		CheckedAt:      started,
	}

	var failure string
	switch {
	case probeErr != nil:
		failure = probeErr.Error()
	case statusCode != expected:
		failure = fmt.Sprintf("expected status %d, got %d", expected, statusCode)
	}
	if failure == "" {
		recordCheck(ctx, m.deps, check)
		return check, "", nil
	}

	check.Status = store.CheckError
	check.ErrorsFound = 1
	check.ErrorDetails = map[string]any{"error": failure, "url": target.URL, "expected_status": expected}
	recordCheck(ctx, m.deps, check)

	created, err := m.deps.Incidents.Open(ctx, incident.Draft{
		Title:        "Health check failed: " + target.Name,
		ErrorMessage: fmt.Sprintf("Health check failed for %s (%s): %s", target.Name, target.URL, failure),
		ErrorType:    "health_check_failure",
		Severity:     store.SeverityCritical,
		Category:     store.CategoryInfrastructure,
		Application:  target.Application,
		Endpoint:     target.URL,
		Context: map[string]any{
			"target":           target.Name,
			"url":              target.URL,
			"status_code":      statusCode,
			"expected_status":  expected,
			"response_time_ms": check.ResponseTimeMs,
			"check_id":         check.CheckID,
			"error":            failure,
		},
		Source: "health_monitor",
	})
	if err != nil {
		return check, "", fmt.Errorf("open health incident: %w", err)
	}
	return check, created.IncidentID, nil
}
