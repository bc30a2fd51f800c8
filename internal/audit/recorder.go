// Package audit writes Agent Actions, the append-only record of everything the agent does.
package audit

import (
	"context"
	"log/slog"

	"watchtower/services/agent/internal/logging"
	"watchtower/services/agent/internal/store"
)

// Well-known agent identities.
const (
	AgentMonitor   = "monitoring-agent"
	AgentSecurity  = "security-monitor"
	AgentFixEngine = "auto-fix-engine"
	AgentScheduler = "scheduler"
	AgentAPI       = "api"
	AgentKnowledge = "knowledge-base"
)

// Recorder persists actions and swallows persistence errors; auditing never fails the caller.
type Recorder struct {
	actions store.ActionStore
	logger  *slog.Logger
}

func NewRecorder(actions store.ActionStore, logger *slog.Logger) *Recorder {
	return &Recorder{actions: actions, logger: logging.OrDefault(logger)}
}

func (r *Recorder) Record(ctx context.Context, action store.AgentAction) {
	if r == nil || r.actions == nil {
		return
	}
	if err := r.actions.LogAction(ctx, action); err != nil {
		r.logger.Warn("record agent action failed",
			"action_type", action.ActionType,
			"incident_id", action.IncidentID,
			"err", err,
		)
	}
}

// Pending builds an action whose outcome is not yet known.
func Pending(agentID, agentType, actionType, description string, data map[string]any) store.AgentAction {
	return store.AgentAction{
		AgentID:     agentID,
		AgentType:   agentType,
		ActionType:  actionType,
		Description: description,
		ActionData:  data,
	}
}

func Succeeded(agentID, agentType, actionType, description string, data map[string]any) store.AgentAction {
	action := Pending(agentID, agentType, actionType, description, data)
	action.Success = store.BoolPtr(true)
	return action
}

func Failed(agentID, agentType, actionType, description string, data map[string]any, err error) store.AgentAction {
	action := Pending(agentID, agentType, actionType, description, data)
	action.Success = store.BoolPtr(false)
	if err != nil {
		action.ErrorMessage = err.Error()
	}
	return action
}

// Outcome picks Succeeded or Failed from ok.
func Outcome(ok bool, agentID, agentType, actionType, description string, data map[string]any, err error) store.AgentAction {
	if ok {
		return Succeeded(agentID, agentType, actionType, description, data)
	}
	return Failed(agentID, agentType, actionType, description, data, err)
}
