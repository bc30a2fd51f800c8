// Package monitor runs the health, browser and security probe cycles.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/incident"
	"watchtower/services/agent/internal/logging"
	"watchtower/services/agent/internal/metrics"
	"watchtower/services/agent/internal/notify"
	"watchtower/services/agent/internal/store"
)

const userAgent = "Autonomous-Monitoring-Agent/1.0"

type Monitor interface {
	Name() string
	Run(ctx context.Context) (CycleReport, error)
}

// IncidentOpener is the incident.Service capability monitors need.
type IncidentOpener interface {
	Open(ctx context.Context, draft incident.Draft) (store.Incident, error)
}

// CycleReport summarizes one monitor cycle.
type CycleReport struct {
	Monitor     string                `json:"monitor"`
	Checked     int                   `json:"checked"`
	Healthy     int                   `json:"healthy"`
	Unhealthy   int                   `json:"unhealthy"`
	Failures    int                   `json:"failures"`
	IncidentIDs []string              `json:"incident_ids"`
	Checks      []store.CheckResult   `json:"checks,omitempty"`
	Events      []store.SecurityEvent `json:"events,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
}

func newReport(name string, now time.Time) CycleReport {
	return CycleReport{Monitor: name, IncidentIDs: make([]string, 0), StartedAt: now}
}

func (r *CycleReport) addCheck(check store.CheckResult) {
	r.Checked++
	r.Checks = append(r.Checks, check)
	if check.Status == store.CheckHealthy {
		r.Healthy++
	} else {
		r.Unhealthy++
	}
}

// Deps are the collaborators shared by every monitor.
type Deps struct {
	Checks    store.CheckStore
	Incidents IncidentOpener
	Recorder  *audit.Recorder
	Publisher notify.Publisher
	Logger    *slog.Logger
}

func (d Deps) normalized() Deps {
	if d.Publisher == nil {
		d.Publisher = notify.NewNoopPublisher()
	}
	d.Logger = logging.OrDefault(d.Logger)
	return d
}

// isolate runs one target check, converting errors and panics into a failed
// agent action so the rest of the cycle continues.
func isolate(ctx context.Context, deps Deps, agentID, target string, check func(context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic checking %s: %v", target, recovered)
			deps.Logger.Error("monitor check panicked", "agent", agentID, "target", target, "panic", recovered, "stack", string(debug.Stack()))
		}
		if err != nil {
			deps.Logger.Warn("monitor check failed", "agent", agentID, "target", target, "err", err)
			deps.Recorder.Record(ctx, audit.Failed(agentID, "monitoring", "check_failed",
				"Check failed for "+target, map[string]any{"target": target}, err))
		}
	}()
	return check(ctx)
}

// recordCheck persists a check result. Persistence failures are logged and never block the caller.
func recordCheck(ctx context.Context, deps Deps, check store.CheckResult) {
	metrics.ObserveCheck(string(check.CheckType), string(check.Status))
	if err := deps.Checks.RecordCheck(ctx, check); err != nil {
		deps.Logger.Error("record check failed", "check_id", check.CheckID, "target", check.Target, "err", err)
	}

	event := notify.NewEvent(notify.EventCheckResult, "", map[string]any{
		"check_id":   check.CheckID,
		"check_type": check.CheckType,
		"target":     check.Target,
		"status":     check.Status,
	})
	if err := deps.Publisher.Publish(ctx, event); err != nil {
		deps.Logger.Warn("publish check_result failed", "check_id", check.CheckID, "err", err)
	}
}

func finishCycle(ctx context.Context, deps Deps, agentID, actionType string, report *CycleReport, now time.Time) {
	report.FinishedAt = now
	deps.Recorder.Record(ctx, audit.Outcome(report.Failures == 0, agentID, "monitoring", actionType,
		fmt.Sprintf("%s cycle checked %d targets, %d unhealthy", report.Monitor, report.Checked, report.Unhealthy),
		map[string]any{
			"checked":      report.Checked,
			"healthy":      report.Healthy,
			"unhealthy":    report.Unhealthy,
			"failures":     report.Failures,
			"incident_ids": report.IncidentIDs,
			"duration_ms":  report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		}, nil))
}
