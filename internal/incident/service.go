// Package incident is the single entry point for opening incidents.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/classifier"
	"watchtower/services/agent/internal/logging"
	"watchtower/services/agent/internal/metrics"
	"watchtower/services/agent/internal/notify"
	"watchtower/services/agent/internal/store"
)

var ErrInvalidReport = errors.New("invalid error report")

const createAttempts = 3

// Draft describes an incident before it has an identity.
type Draft struct {
	Title        string
	ErrorMessage string
	ErrorType    string
	StackTrace   string
	Severity     store.Severity
	Category     store.Category
	Application  string
	Endpoint     string
	Context      map[string]any
	// Source names the component that opened the incident, recorded on the audit action.
	Source string
}

type Service struct {
	incidents store.IncidentStore
	recorder  *audit.Recorder
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(incidents store.IncidentStore, recorder *audit.Recorder, publisher notify.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = notify.NewNoopPublisher()
	}
	return &Service{
		incidents: incidents,
		recorder:  recorder,
		publisher: publisher,
		logger:    logging.OrDefault(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open inserts a detected incident, audits it and announces it. Notification failures are logged only.
func (s *Service) Open(ctx context.Context, draft Draft) (store.Incident, error) {
	message := store.SanitizeErrorMessage(draft.ErrorMessage)
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		title = message
	}
	if draft.Severity.Rank() == 0 {
		draft.Severity = store.SeverityMedium
	}
	if draft.Category == "" {
		draft.Category = store.CategoryUnknown
	}

	incident := store.Incident{
		Title:        store.TitleFromMessage(title),
		ErrorMessage: message,
		ErrorType:    strings.TrimSpace(draft.ErrorType),
		StackTrace:   draft.StackTrace,
		Severity:     draft.Severity,
		Category:     draft.Category,
		Application:  strings.TrimSpace(draft.Application),
		Endpoint:     strings.TrimSpace(draft.Endpoint),
		Context:      draft.Context,
		Status:       store.StatusDetected,
	}

	var created store.Incident
	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		now := s.now()
		incident.IncidentID = store.NewIncidentID(now)
		incident.DetectedAt = now
		created, err = s.incidents.CreateIncident(ctx, incident)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	if err != nil {
		return store.Incident{}, fmt.Errorf("create incident: %w", err)
	}

	metrics.ObserveIncident(string(created.Severity), string(created.Category))

	source := draft.Source
	if source == "" {
		source = "unknown"
	}
	action := audit.Succeeded(audit.AgentMonitor, "monitoring", "incident_detected",
		fmt.Sprintf("Incident detected from %s: %s", source, truncate(created.ErrorMessage, 100)),
		map[string]any{
			"source":   source,
			"severity": created.Severity,
			"category": created.Category,
		})
	action.IncidentID = created.IncidentID
	s.recorder.Record(ctx, action)

	event := notify.NewEvent(notify.EventIncidentDetected, created.IncidentID, map[string]any{
		"severity":    created.Severity,
		"category":    created.Category,
		"application": created.Application,
		"error_type":  created.ErrorType,
	})
	event.Severity = created.Severity
	event.Title = created.Title
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish incident_detected failed", "incident_id", created.IncidentID, "err", err)
	}

	s.logger.Info("incident created",
		"incident_id", created.IncidentID,
		"severity", created.Severity,
		"category", created.Category,
		"title", truncate(created.Title, 100),
	)
	return created, nil
}

// ReportedError is the error object of an external report.
type ReportedError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Stack   string `json:"stack"`
}

// Report is an error report submitted by an external source.
type Report struct {
	Error    ReportedError  `json:"error"`
	Context  map[string]any `json:"context"`
	Severity string         `json:"severity"`
	Source   string         `json:"source"`
}

// Report classifies and opens an incident for an externally reported error.
// A valid explicit severity overrides the classifier.
func (s *Service) Report(ctx context.Context, report Report) (store.Incident, error) {
	if strings.TrimSpace(report.Error.Message) == "" {
		return store.Incident{}, fmt.Errorf("%w: error object must contain a message property", ErrInvalidReport)
	}

	var severity store.Severity
	if strings.TrimSpace(report.Severity) != "" {
		parsed, ok := store.ParseSeverity(report.Severity)
		if !ok {
			return store.Incident{}, fmt.Errorf("%w: invalid severity %q", ErrInvalidReport, report.Severity)
		}
		severity = parsed
	}

	details := redactContext(report.Context)
	application := contextString(details, "application")
	endpoint := contextString(details, "endpoint")
	errorType := strings.TrimSpace(report.Error.Type)
	if errorType == "" {
		errorType = "unknown"
	}
	if application == "" {
		application = "unknown"
	}

	classification := classifier.Classify(report.Error.Message, errorType, classifier.Context{
		Endpoint:    endpoint,
		Application: application,
	})
	if severity == "" {
		severity = classification.Severity
	}

	source := strings.TrimSpace(report.Source)
	if source == "" {
		source = "error_report"
	}

	return s.Open(ctx, Draft{
		ErrorMessage: report.Error.Message,
		ErrorType:    errorType,
		StackTrace:   report.Error.Stack,
		Severity:     severity,
		Category:     classification.Category,
		Application:  application,
		Endpoint:     endpoint,
		Context:      details,
		Source:       source,
	})
}

// TestRequest creates a synthetic incident for exercising the pipeline.
type TestRequest struct {
	ErrorType string `json:"error_type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

func (s *Service) CreateTestIncident(ctx context.Context, request TestRequest) (store.Incident, error) {
	errorType := strings.TrimSpace(request.ErrorType)
	if errorType == "" {
		errorType = "test_error"
	}
	severity, ok := store.ParseSeverity(request.Severity)
	if !ok {
		severity = store.SeverityMedium
	}
	message := strings.TrimSpace(request.Message)
	if message == "" {
		message = "Manual test error for monitoring system"
	}
	label := strings.TrimSpace(request.ErrorType)
	if label == "" {
		label = "manual"
	}

	return s.Open(ctx, Draft{
		Title:        "Test error: " + label,
		ErrorMessage: message,
		ErrorType:    errorType,
		Severity:     severity,
		Category:     store.CategoryTest,
		Application:  "autonomous-monitoring-agent",
		Context: map[string]any{
			"test":               true,
			"triggered_manually": true,
			"timestamp":          s.now().Format(time.RFC3339),
		},
		Source: "manual-trigger",
	})
}

func contextString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	value, _ := details[key].(string)
	return strings.TrimSpace(value)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
