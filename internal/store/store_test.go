package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestNewIncidentIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^INC-[0-9A-Z]+-[0-9A-Z]{4}$`)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := NewIncidentID(now)
	if !pattern.MatchString(first) {
		t.Fatalf("expected INC id format, got %q", first)
	}

	later := NewIncidentID(now.Add(time.Hour))
	if strings.Split(first, "-")[1] >= strings.Split(later, "-")[1] {
		t.Fatalf("expected time component to sort, got %q then %q", first, later)
	}
}

func TestIDSuffixesVaryWithinOneMillisecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		seen[NewIncidentID(now)] = struct{}{}
	}
	if len(seen) < 45 {
		t.Fatalf("expected random suffixes to separate same-millisecond ids, got %d distinct of 50", len(seen))
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	if got := SanitizeErrorMessage("   "); got != "Unknown error" {
		t.Fatalf("expected placeholder for empty message, got %q", got)
	}

	long := strings.Repeat("x", 6000)
	got := SanitizeErrorMessage(long)
	if !strings.HasSuffix(got, "... [truncated]") {
		t.Fatalf("expected truncation marker, got suffix %q", got[len(got)-20:])
	}
	if len(got) != 5000+len("... [truncated]") {
		t.Fatalf("expected capped length, got %d", len(got))
	}

	exact := strings.Repeat("y", 5000)
	if SanitizeErrorMessage(exact) != exact {
		t.Fatal("expected message at the cap to be kept intact")
	}
}

func TestIncidentStatusTransitions(t *testing.T) {
	cases := []struct {
		from IncidentStatus
		to   IncidentStatus
		want bool
	}{
		{StatusDetected, StatusPendingApproval, true},
		{StatusDetected, StatusResolved, true},
		{StatusDetected, StatusFixFailed, true},
		{StatusDetected, StatusDetected, false},
		{StatusResolved, StatusDetected, false},
		{StatusFixFailed, StatusResolved, false},
		{StatusPendingApproval, StatusResolved, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestSQLiteStoreContract(t *testing.T) {
	db, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(db.Close)

	runStoreContract(t, db)
}

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

	created, err := s.CreateIncident(ctx, Incident{
		IncidentID:   "INC-TEST-0001",
		Title:        "boom",
		ErrorMessage: "boom",
		ErrorType:    "TypeError",
		Severity:     SeverityHigh,
		Category:     CategoryFrontend,
		Application:  "web",
		Context:      map[string]any{"page_url": "https://example.test"},
		DetectedAt:   base,
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if created.Status != StatusDetected {
		t.Fatalf("expected detected status, got %s", created.Status)
	}

	if _, err := s.CreateIncident(ctx, Incident{IncidentID: "INC-TEST-0001", Title: "dup", ErrorMessage: "dup", Severity: SeverityLow, Category: CategoryUnknown}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for duplicate incident id, got %v", err)
	}

	loaded, err := s.GetIncident(ctx, "INC-TEST-0001")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if loaded.ContextString("page_url") != "https://example.test" {
		t.Fatalf("expected context to round-trip, got %#v", loaded.Context)
	}

	if _, err := s.GetIncident(ctx, "INC-MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.CreateIncident(ctx, Incident{
		IncidentID:   "INC-TEST-0002",
		Title:        "boom",
		ErrorMessage: "boom",
		Severity:     SeverityHigh,
		Category:     CategoryFrontend,
		DetectedAt:   base.Add(30 * time.Second),
	}); err != nil {
		t.Fatalf("create second incident: %v", err)
	}

	recurrences, err := s.CountRecurrences(ctx, "boom", base, "INC-TEST-0001")
	if err != nil {
		t.Fatalf("count recurrences: %v", err)
	}
	if recurrences != 1 {
		t.Fatalf("expected 1 recurrence, got %d", recurrences)
	}

	resolution, _ := json.Marshal(map[string]any{"resolved_by": "auto-fix-engine"})
	resolvedAt := time.Now().UTC()
	resolved, err := s.TransitionIncident(ctx, "INC-TEST-0001", StatusDetected, StatusResolved, resolution, &resolvedAt)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("expected resolved incident with timestamp, got %+v", resolved)
	}

	if _, err := s.TransitionIncident(ctx, "INC-TEST-0001", StatusDetected, StatusFixFailed, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected replayed transition to be rejected, got %v", err)
	}
	if _, err := s.TransitionIncident(ctx, "INC-TEST-0001", StatusResolved, StatusDetected, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected backwards transition to be rejected, got %v", err)
	}
	if _, err := s.TransitionIncident(ctx, "INC-MISSING", StatusDetected, StatusResolved, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown incident, got %v", err)
	}

	listed, err := s.ListIncidents(ctx, IncidentFilter{Status: StatusResolved})
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(listed) != 1 || listed[0].IncidentID != "INC-TEST-0001" {
		t.Fatalf("expected only the resolved incident, got %+v", listed)
	}

	for i := 0; i < 3; i++ {
		if err := s.RecordCheck(ctx, CheckResult{
			CheckID:   NewCheckID("health", "backend", time.Now()),
			CheckType: CheckHealth,
			Target:    "backend",
			Status:    CheckHealthy,
			CheckedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("record check: %v", err)
		}
	}
	count, err := s.CountChecks(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("count checks: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 checks, got %d", count)
	}

	first, err := s.UpsertFixKnowledge(ctx, KnowledgeEntry{ErrorPattern: "boom", Category: "frontend", Solution: "a", SourceType: "auto_fix"})
	if err != nil {
		t.Fatalf("upsert knowledge: %v", err)
	}
	second, err := s.UpsertFixKnowledge(ctx, KnowledgeEntry{ErrorPattern: "boom", Category: "frontend", Solution: "b", SourceType: "auto_fix"})
	if err != nil {
		t.Fatalf("upsert knowledge again: %v", err)
	}
	if first.SuccessCount != 1 || second.SuccessCount != 2 || second.Solution != "b" {
		t.Fatalf("expected success counter increment, got %d then %d (%q)", first.SuccessCount, second.SuccessCount, second.Solution)
	}

	if _, err := s.UpsertDocument(ctx, KnowledgeEntry{SourceURL: "https://docs.test/a", Title: "A", Solution: "v1", Category: "docs"}); err != nil {
		t.Fatalf("upsert document: %v", err)
	}
	doc, err := s.UpsertDocument(ctx, KnowledgeEntry{SourceURL: "https://docs.test/a", Title: "A", Solution: "v2", Category: "docs"})
	if err != nil {
		t.Fatalf("upsert document again: %v", err)
	}
	if doc.Solution != "v2" {
		t.Fatalf("expected document to be replaced, got %q", doc.Solution)
	}
	entries, err := s.ListKnowledge(ctx, 10)
	if err != nil {
		t.Fatalf("list knowledge: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 knowledge entries, got %d", len(entries))
	}

	if err := s.LogAction(ctx, AgentAction{AgentID: "auto-fix-engine", AgentType: "autonomous_fix", ActionType: "incident_resolved", IncidentID: "INC-TEST-0001", Description: "done", Success: BoolPtr(true)}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	if err := s.LogAction(ctx, AgentAction{AgentID: "health-monitor", AgentType: "monitoring", ActionType: "health_check_passed", Description: "ok"}); err != nil {
		t.Fatalf("log pending action: %v", err)
	}
	actions, err := s.ListActions(ctx, ActionFilter{IncidentID: "INC-TEST-0001"})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 || actions[0].Success == nil || !*actions[0].Success {
		t.Fatalf("expected one successful action, got %+v", actions)
	}

	if _, err := s.GetConfig(ctx, "agent_auto_fix_enabled"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected missing config key, got %v", err)
	}
	if err := s.SetConfig(ctx, "agent_auto_fix_enabled", json.RawMessage(`{"enabled":true}`)); err != nil {
		t.Fatalf("set config: %v", err)
	}
	value, err := s.GetConfig(ctx, "agent_auto_fix_enabled")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if !strings.Contains(string(value), "true") {
		t.Fatalf("expected stored config value, got %s", value)
	}
}
