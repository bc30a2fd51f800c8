package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type IncidentStore interface {
	CreateIncident(ctx context.Context, incident Incident) (Incident, error)
	GetIncident(ctx context.Context, incidentID string) (Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	// TransitionIncident moves an incident from one status to another. It fails with
	// ErrInvalidTransition if the lifecycle forbids the move or the stored status is not from.
	TransitionIncident(ctx context.Context, incidentID string, from, to IncidentStatus, resolution json.RawMessage, resolvedAt *time.Time) (Incident, error)
	CountRecurrences(ctx context.Context, errorMessage string, after time.Time, excludeIncidentID string) (int, error)
}

type CheckStore interface {
	RecordCheck(ctx context.Context, check CheckResult) error
	ListChecks(ctx context.Context, filter CheckFilter) ([]CheckResult, error)
	CountChecks(ctx context.Context, since time.Time) (int, error)
	PruneChecks(ctx context.Context, before time.Time) (int64, error)
}

type SecurityEventStore interface {
	RecordSecurityEvent(ctx context.Context, event SecurityEvent) error
	ListSecurityEvents(ctx context.Context, since time.Time, limit int) ([]SecurityEvent, error)
}

type ActionStore interface {
	LogAction(ctx context.Context, action AgentAction) error
	ListActions(ctx context.Context, filter ActionFilter) ([]AgentAction, error)
}

type KnowledgeStore interface {
	// UpsertFixKnowledge keys on ErrorPattern and increments SuccessCount when the pattern exists.
	UpsertFixKnowledge(ctx context.Context, entry KnowledgeEntry) (KnowledgeEntry, error)
	// UpsertDocument keys on SourceURL and replaces the stored content.
	UpsertDocument(ctx context.Context, entry KnowledgeEntry) (KnowledgeEntry, error)
	ListKnowledge(ctx context.Context, limit int) ([]KnowledgeEntry, error)
	KnowledgeStats(ctx context.Context) ([]KnowledgeStat, error)
}

type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (json.RawMessage, error)
	SetConfig(ctx context.Context, key string, value json.RawMessage) error
	ListConfig(ctx context.Context) ([]ConfigEntry, error)
}

// Store is the single persistence capability the agent depends on.
type Store interface {
	IncidentStore
	CheckStore
	SecurityEventStore
	ActionStore
	KnowledgeStore
	ConfigStore
	Health(ctx context.Context) error
	Close()
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Open connects the adapter selected by driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "":
		return NewPostgres(ctx, dsn)
	case DriverSQLite:
		return NewSQLite(ctx, dsn)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func encodeJSON(value any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}

func decodeMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeResolution(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}

type knowledgeDocuments struct {
	tags     string
	fixSteps string
	context  string
}

func knowledgeParams(entry KnowledgeEntry) (knowledgeDocuments, error) {
	tags, err := json.Marshal(nonNilTags(entry.Tags))
	if err != nil {
		return knowledgeDocuments{}, err
	}
	contextDoc, err := encodeJSON(entry.Context)
	if err != nil {
		return knowledgeDocuments{}, err
	}
	fixSteps := "[]"
	if len(entry.FixSteps) > 0 && json.Valid(entry.FixSteps) {
		fixSteps = string(entry.FixSteps)
	}
	return knowledgeDocuments{tags: string(tags), fixSteps: fixSteps, context: string(contextDoc)}, nil
}

func decodeKnowledgeDocuments(entry *KnowledgeEntry, tags, fixSteps, contextDoc []byte) {
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &entry.Tags)
	}
	if len(fixSteps) > 0 && string(fixSteps) != "[]" {
		entry.FixSteps = json.RawMessage(fixSteps)
	}
	entry.Context = decodeMap(contextDoc)
}

func eventStatus(status string) string {
	if status == "" {
		return "detected"
	}
	return status
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
