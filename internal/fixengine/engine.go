// Package fixengine drives an incident from detection through an automated fix attempt.
package fixengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/knowledge"
	"watchtower/services/agent/internal/llm"
	"watchtower/services/agent/internal/logging"
	"watchtower/services/agent/internal/metrics"
	"watchtower/services/agent/internal/notify"
	"watchtower/services/agent/internal/store"
)

const (
	agentType             = "autonomous_fix"
	defaultSettleDelay    = 5 * time.Second
	reasonAutoFixDisabled = "Auto-fix disabled"
	reasonKillSwitch      = "Kill switch engaged"
	reasonVerification    = "Verification failed"
)

type Advisor interface {
	GenerateFix(ctx context.Context, incident store.Incident) (llm.FixPlan, error)
}

// Flags exposes the live switches that gate automated fixing.
type Flags interface {
	AutoFixEnabled(ctx context.Context) (bool, error)
	KillSwitchEngaged(ctx context.Context) (bool, error)
}

type KnowledgeRecorder interface {
	RecordFix(ctx context.Context, incident store.Incident, fix knowledge.Fix) (store.KnowledgeEntry, error)
}

type FixResult struct {
	StepsExecuted   int          `json:"steps_executed"`
	StepsSuccessful int          `json:"steps_successful"`
	Results         []StepResult `json:"results"`
}

func (r FixResult) failed() bool {
	return r.StepsSuccessful < r.StepsExecuted
}

func (r FixResult) snapshots() []Snapshot {
	out := make([]Snapshot, 0)
	for _, result := range r.Results {
		if result.Snapshot != nil {
			out = append(out, *result.Snapshot)
		}
	}
	return out
}

type Outcome struct {
	IncidentID           string               `json:"incident_id"`
	Status               store.IncidentStatus `json:"status"`
	Success              bool                 `json:"success"`
	RequiresManualReview bool                 `json:"requires_manual_review,omitempty"`
	RequiresApproval     bool                 `json:"requires_approval,omitempty"`
	Reason               string               `json:"reason,omitempty"`
	Plan                 *llm.FixPlan         `json:"fix_plan,omitempty"`
	Result               *FixResult           `json:"fix_result,omitempty"`
	Verification         *Verification        `json:"verification,omitempty"`
}

type Engine struct {
	incidents store.IncidentStore
	flags     Flags
	advisor   Advisor
	executor  Executor
	verifier  Verifier
	knowledge KnowledgeRecorder
	recorder  *audit.Recorder
	publisher notify.Publisher
	logger    *slog.Logger
	settle    time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

type Options struct {
	Incidents store.IncidentStore
	Flags     Flags
	Advisor   Advisor
	Executor  Executor
	Verifier  Verifier
	Knowledge KnowledgeRecorder
	Recorder  *audit.Recorder
	Publisher notify.Publisher
	Logger    *slog.Logger
	// SettleDelay is the wait between applying steps and verifying. Zero means 5s.
	SettleDelay time.Duration
}

func New(options Options) *Engine {
	settle := options.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	publisher := options.Publisher
	if publisher == nil {
		publisher = notify.NewNoopPublisher()
	}
	return &Engine{
		incidents: options.Incidents,
		flags:     options.Flags,
		advisor:   options.Advisor,
		executor:  options.Executor,
		verifier:  options.Verifier,
		knowledge: options.Knowledge,
		recorder:  options.Recorder,
		publisher: publisher,
		logger:    logging.OrDefault(options.Logger),
		settle:    settle,
		sleep:     sleepContext,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ProcessIncident runs one fix attempt. It is safe to replay: an incident that has
// already left the detected state is reported as-is without side effects.
func (e *Engine) ProcessIncident(ctx context.Context, incidentID string) (Outcome, error) {
	incident, err := e.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load incident %s: %w", incidentID, err)
	}

	if reason, err := e.gateReason(ctx); err != nil {
		return Outcome{}, err
	} else if reason != "" {
		e.logger.Info("auto-fix skipped", "incident_id", incidentID, "reason", reason)
		return Outcome{
			IncidentID:           incidentID,
			Status:               incident.Status,
			RequiresManualReview: true,
			Reason:               reason,
		}, nil
	}

	if incident.Status != store.StatusDetected {
		return Outcome{
			IncidentID: incidentID,
			Status:     incident.Status,
			Success:    incident.Status == store.StatusResolved,
			Reason:     "Incident already " + string(incident.Status),
		}, nil
	}

	started := e.now()
	outcome, err := e.attempt(ctx, incident)
	if err != nil {
		e.record(ctx, audit.Failed(audit.AgentFixEngine, agentType, "fix_attempt_failed",
			"Fix attempt failed: "+err.Error(), map[string]any{"incident_id": incidentID}, err), incidentID)
		metrics.ObserveFix(e.now().Sub(started), metrics.OutcomeError)
		return Outcome{}, err
	}

	metrics.ObserveFix(e.now().Sub(started), string(outcome.Status))
	e.publish(ctx, notify.EventFixComplete, incidentID, map[string]any{
		"status":  outcome.Status,
		"success": outcome.Success,
		"reason":  outcome.Reason,
	})
	return outcome, nil
}

func (e *Engine) gateReason(ctx context.Context) (string, error) {
	enabled, err := e.flags.AutoFixEnabled(ctx)
	if err != nil {
		return "", fmt.Errorf("read auto-fix flag: %w", err)
	}
	if !enabled {
		return reasonAutoFixDisabled, nil
	}
	engaged, err := e.flags.KillSwitchEngaged(ctx)
	if err != nil {
		return "", fmt.Errorf("read kill switch: %w", err)
	}
	if engaged {
		return reasonKillSwitch, nil
	}
	return "", nil
}

func (e *Engine) attempt(ctx context.Context, incident store.Incident) (Outcome, error) {
	incidentID := incident.IncidentID
	e.record(ctx, audit.Pending(audit.AgentFixEngine, agentType, "fix_attempt_started",
		"Starting autonomous fix for "+incidentID, map[string]any{"incident_id": incidentID}), incidentID)
	e.publish(ctx, notify.EventFixAttempt, incidentID, map[string]any{"severity": incident.Severity})

	plan, err := e.advisor.GenerateFix(ctx, incident)
	if err != nil {
		return Outcome{}, fmt.Errorf("generate fix: %w", err)
	}
	e.logger.Info("fix plan generated", "incident_id", incidentID, "confidence", plan.Confidence, "steps", len(plan.Steps))

	if plan.RequiresApproval || plan.Confidence == llm.ConfidenceLow || incident.Severity == store.SeverityCritical {
		return e.requestApproval(ctx, incident, plan)
	}

	result := e.applyFix(ctx, plan)
	if result.failed() {
		last := result.Results[len(result.Results)-1]
		return e.rollback(ctx, incident, plan, result, nil, "Step failed: "+last.Error)
	}

	if err := e.sleep(ctx, e.settle); err != nil {
		e.restore(ctx, incidentID, result)
		return Outcome{}, err
	}
	verification, err := e.verifier.Verify(ctx, incident)
	if err != nil {
		e.restore(ctx, incidentID, result)
		return Outcome{}, fmt.Errorf("verify fix: %w", err)
	}

	if !verification.Success {
		return e.rollback(ctx, incident, plan, result, &verification, reasonVerification)
	}
	return e.resolve(ctx, incident, plan, result, verification)
}

// applyFix runs steps in order and stops at the first failure.
func (e *Engine) applyFix(ctx context.Context, plan llm.FixPlan) FixResult {
	result := FixResult{Results: make([]StepResult, 0, len(plan.Steps))}
	for _, step := range plan.Steps {
		stepResult, err := e.executor.Execute(ctx, step)
		if err != nil {
			stepResult.Success = false
			stepResult.Error = err.Error()
		}
		result.Results = append(result.Results, stepResult)
		result.StepsExecuted++
		if err != nil {
			e.logger.Warn("fix step failed", "step", step.Action, "err", err)
			break
		}
		result.StepsSuccessful++
	}
	return result
}

func (e *Engine) requestApproval(ctx context.Context, incident store.Incident, plan llm.FixPlan) (Outcome, error) {
	resolution, err := json.Marshal(map[string]any{
		"fix_plan":          plan,
		"requires_approval": true,
		"awaiting_human":    true,
	})
	if err != nil {
		return Outcome{}, err
	}
	if _, err := e.incidents.TransitionIncident(ctx, incident.IncidentID, store.StatusDetected, store.StatusPendingApproval, resolution, nil); err != nil {
		return Outcome{}, fmt.Errorf("request approval: %w", err)
	}

	e.record(ctx, audit.Succeeded(audit.AgentFixEngine, agentType, "approval_requested",
		"Human approval requested for "+incident.IncidentID,
		map[string]any{"confidence": plan.Confidence, "severity": incident.Severity}), incident.IncidentID)

	return Outcome{
		IncidentID:       incident.IncidentID,
		Status:           store.StatusPendingApproval,
		RequiresApproval: true,
		Plan:             &plan,
	}, nil
}

func (e *Engine) resolve(ctx context.Context, incident store.Incident, plan llm.FixPlan, result FixResult, verification Verification) (Outcome, error) {
	resolvedAt := e.now()
	resolution, err := json.Marshal(map[string]any{
		"fix_plan":     plan,
		"fix_result":   result,
		"verification": verification,
		"resolved_by":  audit.AgentFixEngine,
		"resolved_at":  resolvedAt.Format(time.RFC3339),
	})
	if err != nil {
		return Outcome{}, err
	}
	if _, err := e.incidents.TransitionIncident(ctx, incident.IncidentID, store.StatusDetected, store.StatusResolved, resolution, &resolvedAt); err != nil {
		e.restore(ctx, incident.IncidentID, result)
		return Outcome{}, fmt.Errorf("mark resolved: %w", err)
	}

	e.record(ctx, audit.Succeeded(audit.AgentFixEngine, agentType, "incident_resolved",
		"Successfully resolved "+incident.IncidentID,
		map[string]any{"confidence": plan.Confidence, "verification": verification.Method}), incident.IncidentID)

	if e.knowledge != nil {
		steps, _ := json.Marshal(plan.Steps)
		if _, err := e.knowledge.RecordFix(ctx, incident, knowledge.Fix{
			Solution:   plan.Solution,
			Steps:      steps,
			Confidence: string(plan.Confidence),
		}); err != nil {
			return Outcome{}, err
		}
	}

	return Outcome{
		IncidentID:   incident.IncidentID,
		Status:       store.StatusResolved,
		Success:      true,
		Plan:         &plan,
		Result:       &result,
		Verification: &verification,
	}, nil
}

// restore puts snapshotted files back, newest snapshot first so a file patched
// twice ends at its pre-fix content. Failures are logged and returned, never raised.
func (e *Engine) restore(ctx context.Context, incidentID string, result FixResult) []map[string]string {
	ctx = context.WithoutCancel(ctx)
	failures := make([]map[string]string, 0)
	snapshots := result.snapshots()
	for i := len(snapshots) - 1; i >= 0; i-- {
		snapshot := snapshots[i]
		if err := e.executor.Restore(ctx, snapshot); err != nil {
			e.logger.Error("rollback failed", "incident_id", incidentID, "file", snapshot.File, "err", err)
			failures = append(failures, map[string]string{"file": snapshot.File, "error": err.Error()})
			continue
		}
		e.logger.Info("restored file", "incident_id", incidentID, "file", snapshot.File)
	}
	return failures
}

// rollback restores file snapshots only; config writes and deployments are not undone.
func (e *Engine) rollback(ctx context.Context, incident store.Incident, plan llm.FixPlan, result FixResult, verification *Verification, reason string) (Outcome, error) {
	restoreFailures := e.restore(ctx, incident.IncidentID, result)

	resolution, err := json.Marshal(map[string]any{
		"fix_attempted":    true,
		"fix_rolled_back":  true,
		"reason":           reason,
		"restore_failures": restoreFailures,
	})
	if err != nil {
		return Outcome{}, err
	}
	if _, err := e.incidents.TransitionIncident(ctx, incident.IncidentID, store.StatusDetected, store.StatusFixFailed, resolution, nil); err != nil {
		return Outcome{}, fmt.Errorf("mark fix failed: %w", err)
	}

	e.record(ctx, audit.Succeeded(audit.AgentFixEngine, agentType, "fix_rolled_back",
		"Fix rolled back for "+incident.IncidentID,
		map[string]any{"reason": reason, "fix_plan": plan, "restore_failures": len(restoreFailures)}), incident.IncidentID)

	return Outcome{
		IncidentID:   incident.IncidentID,
		Status:       store.StatusFixFailed,
		Reason:       reason,
		Plan:         &plan,
		Result:       &result,
		Verification: verification,
	}, nil
}

func (e *Engine) record(ctx context.Context, action store.AgentAction, incidentID string) {
	action.IncidentID = incidentID
	e.recorder.Record(ctx, action)
}

func (e *Engine) publish(ctx context.Context, eventType notify.EventType, incidentID string, data map[string]any) {
	if err := e.publisher.Publish(ctx, notify.NewEvent(eventType, incidentID, data)); err != nil {
		e.logger.Warn("publish fix event failed", "incident_id", incidentID, "event", eventType, "err", err)
	}
}
