package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid incident status transition")
	ErrConflict          = errors.New("conflicting write")
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank orders severities from LOW (1) to CRITICAL (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

func ParseSeverity(value string) (Severity, bool) {
	severity := Severity(strings.ToUpper(strings.TrimSpace(value)))
	if severity.Rank() == 0 {
		return "", false
	}
	return severity, true
}

type Category string

const (
	CategoryFrontend       Category = "frontend"
	CategoryBackend        Category = "backend"
	CategoryDatabase       Category = "database"
	CategorySecurity       Category = "security"
	CategoryInfrastructure Category = "infrastructure"
	CategoryTest           Category = "test"
	CategoryUnknown        Category = "unknown"
)

type IncidentStatus string

const (
	StatusDetected        IncidentStatus = "detected"
	StatusPendingApproval IncidentStatus = "pending_approval"
	StatusResolved        IncidentStatus = "resolved"
	StatusFixFailed       IncidentStatus = "fix_failed"
)

// CanTransitionTo reports whether the incident lifecycle permits moving from s to next.
// Only detected incidents move; every other status is terminal for the agent.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	if s != StatusDetected {
		return false
	}
	switch next {
	case StatusPendingApproval, StatusResolved, StatusFixFailed:
		return true
	default:
		return false
	}
}

func ParseIncidentStatus(value string) (IncidentStatus, bool) {
	status := IncidentStatus(strings.TrimSpace(value))
	switch status {
	case StatusDetected, StatusPendingApproval, StatusResolved, StatusFixFailed:
		return status, true
	default:
		return "", false
	}
}

type Incident struct {
	ID           int64           `json:"id"`
	IncidentID   string          `json:"incident_id"`
	Title        string          `json:"title"`
	ErrorMessage string          `json:"error_message"`
	ErrorType    string          `json:"error_type"`
	StackTrace   string          `json:"stack_trace,omitempty"`
	Severity     Severity        `json:"severity"`
	Category     Category        `json:"category"`
	Application  string          `json:"application"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Context      map[string]any  `json:"context,omitempty"`
	Status       IncidentStatus  `json:"status"`
	Resolution   json.RawMessage `json:"resolution,omitempty"`
	DetectedAt   time.Time       `json:"detected_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// ContextString returns a string field of the incident context, or "".
func (i Incident) ContextString(key string) string {
	if i.Context == nil {
		return ""
	}
	value, ok := i.Context[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

type IncidentFilter struct {
	Status    IncidentStatus
	Category  Category
	ErrorType string
	Since     time.Time
	Limit     int
}

type CheckType string

const (
	CheckHealth   CheckType = "health_check"
	CheckBrowser  CheckType = "browser_check"
	CheckSecurity CheckType = "security_scan"
)

type CheckStatus string

const (
	CheckHealthy CheckStatus = "healthy"
	CheckWarning CheckStatus = "warning"
	CheckError   CheckStatus = "error"
)

type CheckResult struct {
	CheckID        string         `json:"check_id"`
	CheckType      CheckType      `json:"check_type"`
	Target         string         `json:"target"`
	Application    string         `json:"application,omitempty"`
	Status         CheckStatus    `json:"status"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	StatusCode     int            `json:"status_code,omitempty"`
	ErrorsFound    int            `json:"errors_found"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
}

type CheckFilter struct {
	Since time.Time
	Type  CheckType
	Limit int
}

type SecurityEvent struct {
	EventID            string         `json:"event_id"`
	EventType          string         `json:"event_type"`
	Severity           Severity       `json:"severity"`
	Status             string         `json:"status"`
	SourceIP           string         `json:"source_ip,omitempty"`
	TargetEndpoint     string         `json:"target_endpoint,omitempty"`
	Description        string         `json:"description"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	AnomalyScore       float64        `json:"anomaly_score"`
	RelatedIncidentID  string         `json:"related_incident_id,omitempty"`
	ThreatIntelligence map[string]any `json:"threat_intelligence,omitempty"`
	DetectedAt         time.Time      `json:"detected_at"`
}

// AgentAction is an append-only audit record. Success is nil while an outcome is pending.
type AgentAction struct {
	ID           int64          `json:"id"`
	AgentID      string         `json:"agent_id"`
	AgentType    string         `json:"agent_type"`
	ActionType   string         `json:"action_type"`
	IncidentID   string         `json:"incident_id,omitempty"`
	KnowledgeID  int64          `json:"knowledge_id,omitempty"`
	Description  string         `json:"description"`
	ActionData   map[string]any `json:"action_data,omitempty"`
	Success      *bool          `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type ActionFilter struct {
	IncidentID string
	Since      time.Time
	Limit      int
}

type KnowledgeEntry struct {
	ID              int64           `json:"id"`
	ErrorPattern    string          `json:"error_pattern"`
	ErrorType       string          `json:"error_type"`
	Category        string          `json:"category"`
	Title           string          `json:"title"`
	Solution        string          `json:"solution"`
	FixSteps        json.RawMessage `json:"fix_steps,omitempty"`
	Severity        string          `json:"severity,omitempty"`
	Context         map[string]any  `json:"context,omitempty"`
	SourceURL       string          `json:"source_url,omitempty"`
	SourceType      string          `json:"source_type"`
	Tags            []string        `json:"tags,omitempty"`
	ConfidenceScore float64         `json:"confidence_score"`
	SuccessCount    int             `json:"success_count"`
	LastUpdated     time.Time       `json:"last_updated"`
}

type KnowledgeStat struct {
	Category     string `json:"category"`
	Entries      int    `json:"entries"`
	SuccessCount int    `json:"success_count"`
}

type ConfigEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const (
	maxErrorMessageLength = 5000
	maxTitleLength        = 255
	truncatedSuffix       = "... [truncated]"
)

// SanitizeErrorMessage trims an error message to the stored cap.
func SanitizeErrorMessage(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "Unknown error"
	}
	if utf8.RuneCountInString(message) > maxErrorMessageLength {
		return truncateRunes(message, maxErrorMessageLength) + truncatedSuffix
	}
	return message
}

func TitleFromMessage(message string) string {
	return truncateRunes(strings.TrimSpace(message), maxTitleLength)
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

// NewIncidentID returns INC-<base36 millis>-<4 random base36 chars>, sortable by creation time.
func NewIncidentID(now time.Time) string {
	return "INC-" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)) + "-" + randomBase36(4)
}

func NewCheckID(kind, name string, now time.Time) string {
	return fmt.Sprintf("CHK-%s-%d-%s-%s", strings.ToUpper(kind), now.UnixMilli(), slug(name), randomBase36(4))
}

func NewSecurityEventID(kind string, now time.Time) string {
	return fmt.Sprintf("SEC-%s-%d-%s", strings.ToUpper(kind), now.UnixMilli(), randomBase36(4))
}

const base36Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomBase36 draws from the random leading bytes of a v4 UUID; length is capped at 6.
func randomBase36(length int) string {
	id := uuid.New()
	if length > 6 {
		length = 6
	}
	builder := strings.Builder{}
	for i := 0; i < length; i++ {
		builder.WriteByte(base36Alphabet[int(id[i])%len(base36Alphabet)])
	}
	return builder.String()
}

func slug(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	builder := strings.Builder{}
	for _, ch := range value {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			builder.WriteRune(ch)
			continue
		}
		builder.WriteRune('-')
	}
	out := strings.Trim(builder.String(), "-")
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	if out == "" {
		return "target"
	}
	return out
}

func BoolPtr(value bool) *bool {
	return &value
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
