package audit

import (
	"context"
	"errors"
	"testing"

	"watchtower/services/agent/internal/store"
)

type failingActions struct {
	store.ActionStore
	calls int
}

func (f *failingActions) LogAction(context.Context, store.AgentAction) error {
	f.calls++
	return errors.New("database unavailable")
}

func TestRecordSwallowsPersistenceErrors(t *testing.T) {
	actions := &failingActions{}
	recorder := NewRecorder(actions, nil)

	recorder.Record(context.Background(), Succeeded(AgentMonitor, "health", "health_check", "ok", nil))

	if actions.calls != 1 {
		t.Fatalf("expected one write attempt, got %d", actions.calls)
	}
}

func TestOutcomeTriState(t *testing.T) {
	pending := Pending(AgentFixEngine, "autonomous_fix", "fix_attempt_started", "start", nil)
	if pending.Success != nil {
		t.Fatalf("expected pending action to have nil success")
	}

	failed := Outcome(false, AgentFixEngine, "autonomous_fix", "fix_attempt_failed", "fail", nil, errors.New("boom"))
	if failed.Success == nil || *failed.Success {
		t.Fatalf("expected failed outcome, got %+v", failed.Success)
	}
	if failed.ErrorMessage != "boom" {
		t.Fatalf("expected error message boom, got %q", failed.ErrorMessage)
	}

	memory := store.NewMemory()
	NewRecorder(memory, nil).Record(context.Background(), failed)
	stored, err := memory.ListActions(context.Background(), store.ActionFilter{})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(stored) != 1 || stored[0].ActionType != "fix_attempt_failed" {
		t.Fatalf("expected stored failed action, got %+v", stored)
	}
}
