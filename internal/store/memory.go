package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Memory keeps every table in process memory. It backs tests and STORE_DRIVER=memory.
type Memory struct {
	mu        sync.RWMutex
	nextID    int64
	incidents []Incident
	checks    []CheckResult
	events    []SecurityEvent
	actions   []AgentAction
	knowledge []KnowledgeEntry
	config    map[string]ConfigEntry
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		config: make(map[string]ConfigEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Health(_ context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) CreateIncident(_ context.Context, incident Incident) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.incidents {
		if existing.IncidentID == incident.IncidentID {
			return Incident{}, ErrConflict
		}
	}

	incident.ID = m.id()
	if incident.Status == "" {
		incident.Status = StatusDetected
	}
	if incident.DetectedAt.IsZero() {
		incident.DetectedAt = m.now()
	}
	incident.Context = cloneMap(incident.Context)
	m.incidents = append(m.incidents, incident)
	return incident, nil
}

func (m *Memory) GetIncident(_ context.Context, incidentID string) (Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, incident := range m.incidents {
		if incident.IncidentID == incidentID {
			return incident, nil
		}
	}
	return Incident{}, ErrNotFound
}

func (m *Memory) ListIncidents(_ context.Context, filter IncidentFilter) ([]Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Incident, 0)
	for _, incident := range m.incidents {
		if filter.Status != "" && incident.Status != filter.Status {
			continue
		}
		if filter.Category != "" && incident.Category != filter.Category {
			continue
		}
		if filter.ErrorType != "" && incident.ErrorType != filter.ErrorType {
			continue
		}
		if !filter.Since.IsZero() && incident.DetectedAt.Before(filter.Since) {
			continue
		}
		out = append(out, incident)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	limit := clampLimit(filter.Limit, 50, 1000)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TransitionIncident(
	_ context.Context,
	incidentID string,
	from, to IncidentStatus,
	resolution json.RawMessage,
	resolvedAt *time.Time,
) (Incident, error) {
	if !from.CanTransitionTo(to) {
		return Incident{}, ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for index, incident := range m.incidents {
		if incident.IncidentID != incidentID {
			continue
		}
		if incident.Status != from {
			return Incident{}, ErrInvalidTransition
		}
		incident.Status = to
		incident.Resolution = normalizeResolution(resolution)
		if resolvedAt != nil {
			at := resolvedAt.UTC()
			incident.ResolvedAt = &at
		}
		m.incidents[index] = incident
		return incident, nil
	}
	return Incident{}, ErrNotFound
}

func (m *Memory) CountRecurrences(_ context.Context, errorMessage string, after time.Time, excludeIncidentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, incident := range m.incidents {
		if incident.ErrorMessage != errorMessage || incident.IncidentID == excludeIncidentID {
			continue
		}
		if incident.DetectedAt.After(after) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) RecordCheck(_ context.Context, check CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if check.CheckedAt.IsZero() {
		check.CheckedAt = m.now()
	}
	check.ErrorDetails = cloneMap(check.ErrorDetails)
	m.checks = append(m.checks, check)
	return nil
}

func (m *Memory) ListChecks(_ context.Context, filter CheckFilter) ([]CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CheckResult, 0)
	for i := len(m.checks) - 1; i >= 0; i-- {
		check := m.checks[i]
		if filter.Type != "" && check.CheckType != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && check.CheckedAt.Before(filter.Since) {
			continue
		}
		out = append(out, check)
	}
	limit := clampLimit(filter.Limit, 500, 10000)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountChecks(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, check := range m.checks {
		if !check.CheckedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) PruneChecks(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.checks[:0]
	var removed int64
	for _, check := range m.checks {
		if check.CheckedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, check)
	}
	m.checks = kept
	return removed, nil
}

func (m *Memory) RecordSecurityEvent(_ context.Context, event SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.DetectedAt.IsZero() {
		event.DetectedAt = m.now()
	}
	event.Status = eventStatus(event.Status)
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) ListSecurityEvents(_ context.Context, since time.Time, limit int) ([]SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SecurityEvent, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		if !since.IsZero() && m.events[i].DetectedAt.Before(since) {
			continue
		}
		out = append(out, m.events[i])
	}
	limit = clampLimit(limit, 100, 1000)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LogAction(_ context.Context, action AgentAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	action.ID = m.id()
	if action.CreatedAt.IsZero() {
		action.CreatedAt = m.now()
	}
	action.ActionData = cloneMap(action.ActionData)
	m.actions = append(m.actions, action)
	return nil
}

func (m *Memory) ListActions(_ context.Context, filter ActionFilter) ([]AgentAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentAction, 0)
	for i := len(m.actions) - 1; i >= 0; i-- {
		action := m.actions[i]
		if filter.IncidentID != "" && action.IncidentID != filter.IncidentID {
			continue
		}
		if !filter.Since.IsZero() && action.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, action)
	}
	limit := clampLimit(filter.Limit, 100, 10000)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertFixKnowledge(_ context.Context, entry KnowledgeEntry) (KnowledgeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for index, existing := range m.knowledge {
		if existing.ErrorPattern != entry.ErrorPattern || existing.SourceURL != "" {
			continue
		}
		existing.SuccessCount++
		existing.Solution = entry.Solution
		existing.FixSteps = entry.FixSteps
		existing.ConfidenceScore = entry.ConfidenceScore
		existing.LastUpdated = now
		m.knowledge[index] = existing
		return existing, nil
	}

	entry.ID = m.id()
	if entry.SuccessCount < 1 {
		entry.SuccessCount = 1
	}
	entry.LastUpdated = now
	m.knowledge = append(m.knowledge, entry)
	return entry, nil
}

func (m *Memory) UpsertDocument(_ context.Context, entry KnowledgeEntry) (KnowledgeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for index, existing := range m.knowledge {
		if existing.SourceURL == "" || existing.SourceURL != entry.SourceURL {
			continue
		}
		entry.ID = existing.ID
		entry.SuccessCount = existing.SuccessCount
		entry.LastUpdated = now
		m.knowledge[index] = entry
		return entry, nil
	}

	entry.ID = m.id()
	entry.LastUpdated = now
	m.knowledge = append(m.knowledge, entry)
	return entry, nil
}

func (m *Memory) ListKnowledge(_ context.Context, limit int) ([]KnowledgeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]KnowledgeEntry(nil), m.knowledge...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	limit = clampLimit(limit, 200, 5000)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) KnowledgeStats(_ context.Context) ([]KnowledgeStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCategory := map[string]*KnowledgeStat{}
	for _, entry := range m.knowledge {
		stat, ok := byCategory[entry.Category]
		if !ok {
			stat = &KnowledgeStat{Category: entry.Category}
			byCategory[entry.Category] = stat
		}
		stat.Entries++
		stat.SuccessCount += entry.SuccessCount
	}

	out := make([]KnowledgeStat, 0, len(byCategory))
	for _, stat := range byCategory {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (m *Memory) GetConfig(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.config[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), entry.Value...), nil
}

func (m *Memory) SetConfig(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config[key] = ConfigEntry{Key: key, Value: append(json.RawMessage(nil), value...), UpdatedAt: m.now()}
	return nil
}

func (m *Memory) ListConfig(_ context.Context) ([]ConfigEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConfigEntry, 0, len(m.config))
	for _, entry := range m.config {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
