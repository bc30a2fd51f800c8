package monitor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/incident"
	"watchtower/services/agent/internal/metrics"
	"watchtower/services/agent/internal/store"
)

const (
	EventRateLimitAnomaly     = "rate_limit_anomaly"
	EventUnusualAccessPattern = "unusual_access_pattern"
	EventFailedLoginAttempts  = "failed_login_attempts"
	EventRapidAPICalls        = "rapid_api_calls"
)

const (
	rateLimitWindow   = time.Minute
	accessWindow      = 5 * time.Minute
	failedLoginWindow = time.Hour
	rapidCallWindow   = 5 * time.Minute
)

// SecurityStores are the reads and writes the scanner performs.
type SecurityStores interface {
	store.CheckStore
	store.SecurityEventStore
	ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]store.Incident, error)
}

// DetectorResult is the outcome of one anomaly detector.
type DetectorResult struct {
	Detector   string               `json:"detector"`
	Anomaly    bool                 `json:"anomaly"`
	Event      *store.SecurityEvent `json:"event,omitempty"`
	IncidentID string               `json:"incident_id,omitempty"`
	Error      string               `json:"error,omitempty"`
}

type detector struct {
	name string
	run  func(ctx context.Context, now time.Time) (DetectorResult, error)
}

// SecurityScanner derives anomalies from check frequency and security incidents.
type SecurityScanner struct {
	rules    config.SecurityRules
	stores   SecurityStores
	deps     Deps
	location *time.Location
	now      func() time.Time
}

func NewSecurityScanner(rules config.SecurityRules, stores SecurityStores, deps Deps) *SecurityScanner {
	location := time.UTC
	if rules.Timezone != "" {
		if loaded, err := time.LoadLocation(rules.Timezone); err == nil {
			location = loaded
		}
	}
	deps.Checks = stores
	return &SecurityScanner{
		rules:    rules,
		stores:   stores,
		deps:     deps.normalized(),
		location: location,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *SecurityScanner) Name() string { return "security" }

func (s *SecurityScanner) detectors() []detector {
	return []detector{
		{name: "rate_limit", run: s.detectRateLimit},
		{name: "unusual_access", run: s.detectUnusualAccess},
		{name: "failed_logins", run: s.detectFailedLogins},
		{name: "rapid_api", run: s.detectRapidCalls},
	}
}

// Scan runs every detector concurrently. A failing detector is reported in its
// result and never cancels the others.
func (s *SecurityScanner) Scan(ctx context.Context) []DetectorResult {
	now := s.now()
	detectors := s.detectors()
	results := make([]DetectorResult, len(detectors))

	var group errgroup.Group
	for index, d := range detectors {
		group.Go(func() error {
			var result DetectorResult
			err := isolate(ctx, s.deps, audit.AgentSecurity, d.name, func(ctx context.Context) error {
				var err error
				result, err = d.run(ctx, now)
				return err
			})
			result.Detector = d.name
			if err != nil {
				result.Anomaly = false
				result.Error = err.Error()
			}
			results[index] = result
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (s *SecurityScanner) Run(ctx context.Context) (CycleReport, error) {
	report := newReport(s.Name(), s.now())
	results := s.Scan(ctx)

	anomalies := 0
	for _, result := range results {
		report.Checked++
		switch {
		case result.Error != "":
			report.Failures++
		case result.Anomaly:
			anomalies++
			report.Unhealthy++
		default:
			report.Healthy++
		}
		if result.Event != nil {
			report.Events = append(report.Events, *result.Event)
		}
		if result.IncidentID != "" {
			report.IncidentIDs = append(report.IncidentIDs, result.IncidentID)
		}
	}

	report.FinishedAt = s.now()
	check := s.scanCheck(report, anomalies)
	recordCheck(ctx, s.deps, check)
	report.Checks = append(report.Checks, check)

	s.deps.Recorder.Record(ctx, audit.Succeeded(audit.AgentSecurity, "monitoring", "security_scan_completed",
		fmt.Sprintf("Security scan completed. Anomalies detected: %d", anomalies),
		map[string]any{"anomalies": anomalies, "checks_run": len(results), "failures": report.Failures}))
	return report, nil
}

// scanCheck summarises one scan cycle as a security_scan check result.
func (s *SecurityScanner) scanCheck(report CycleReport, anomalies int) store.CheckResult {
	status := store.CheckHealthy
	switch {
	case report.Failures > 0:
		status = store.CheckError
	case anomalies > 0:
		status = store.CheckWarning
	}
	detected := make([]string, 0, len(report.Events))
	for _, event := range report.Events {
		detected = append(detected, event.EventType)
	}
	return store.CheckResult{
		CheckID:        store.NewCheckID("security", "scan", report.StartedAt),
		CheckType:      store.CheckSecurity,
		Target:         "security_scan",
		Application:    s.rules.Application,
		Status:         status,
		ResponseTimeMs: report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		ErrorsFound:    anomalies,
		ErrorDetails: map[string]any{
			"anomalies": anomalies,
			"failures":  report.Failures,
			"events":    detected,
		},
		CheckedAt: report.FinishedAt,
	}
}

func (s *SecurityScanner) offHours(now time.Time) bool {
	hour := now.In(s.location).Hour()
	return hour >= s.rules.OffHoursStart && hour < s.rules.OffHoursEnd
}

func (s *SecurityScanner) detectRateLimit(ctx context.Context, now time.Time) (DetectorResult, error) {
	count, err := s.stores.CountChecks(ctx, now.Add(-rateLimitWindow))
	if err != nil {
		return DetectorResult{}, fmt.Errorf("count checks: %w", err)
	}
	if count <= s.rules.RateLimitPerMinute {
		return DetectorResult{}, nil
	}
	event, err := s.recordEvent(ctx, now, "RATE", EventRateLimitAnomaly, store.SeverityMedium, 0.8,
		fmt.Sprintf("Unusually high request rate detected: %d requests in 1 minute", count),
		map[string]any{"requests_per_minute": count, "threshold": s.rules.RateLimitPerMinute}, "")
	if err != nil {
		return DetectorResult{}, err
	}
	return DetectorResult{Anomaly: true, Event: &event}, nil
}

func (s *SecurityScanner) detectUnusualAccess(ctx context.Context, now time.Time) (DetectorResult, error) {
	if !s.offHours(now) {
		return DetectorResult{}, nil
	}
	count, err := s.stores.CountChecks(ctx, now.Add(-accessWindow))
	if err != nil {
		return DetectorResult{}, fmt.Errorf("count checks: %w", err)
	}
	if count <= s.rules.UnusualAccessThreshold {
		return DetectorResult{}, nil
	}
	event, err := s.recordEvent(ctx, now, "ACCESS", EventUnusualAccessPattern, store.SeverityMedium, 0.7,
		fmt.Sprintf("Unusual off-hours activity: %d requests in 5 minutes", count),
		map[string]any{
			"requests":   count,
			"threshold":  s.rules.UnusualAccessThreshold,
			"hour":       now.In(s.location).Hour(),
			"off_hours":  fmt.Sprintf("%02d:00-%02d:00", s.rules.OffHoursStart, s.rules.OffHoursEnd),
			"time_frame": "5 minutes",
		}, "")
	if err != nil {
		return DetectorResult{}, err
	}
	return DetectorResult{Anomaly: true, Event: &event}, nil
}

// detectFailedLogins counts every security-category incident in the trailing hour,
// including the alerts this detector opens itself.
func (s *SecurityScanner) detectFailedLogins(ctx context.Context, now time.Time) (DetectorResult, error) {
	incidents, err := s.stores.ListIncidents(ctx, store.IncidentFilter{
		Category: store.CategorySecurity,
		Since:    now.Add(-failedLoginWindow),
		Limit:    1000,
	})
	if err != nil {
		return DetectorResult{}, fmt.Errorf("list security incidents: %w", err)
	}
	count := len(incidents)
	if count < s.rules.FailedLoginThreshold {
		return DetectorResult{}, nil
	}

	related := make([]string, 0, count)
	for _, item := range incidents {
		related = append(related, item.IncidentID)
	}
	created, err := s.deps.Incidents.Open(ctx, incident.Draft{
		Title:        "Multiple authentication failures detected",
		ErrorMessage: fmt.Sprintf("%d authentication errors in the last hour", count),
		ErrorType:    "security_alert",
		Severity:     store.SeverityHigh,
		Category:     store.CategorySecurity,
		Application:  s.rules.Application,
		Context: map[string]any{
			"failed_attempts": count,
			"threshold":       s.rules.FailedLoginThreshold,
			"timeframe":       "1 hour",
			"incidents":       related,
		},
		Source: "security_monitor",
	})
	if err != nil {
		return DetectorResult{}, fmt.Errorf("open security incident: %w", err)
	}

	event, err := s.recordEvent(ctx, now, "AUTH", EventFailedLoginAttempts, store.SeverityHigh, 0.9,
		fmt.Sprintf("%d failed authentication attempts in 1 hour", count),
		map[string]any{"attempts": count, "threshold": s.rules.FailedLoginThreshold}, created.IncidentID)
	if err != nil {
		return DetectorResult{IncidentID: created.IncidentID}, err
	}

	action := audit.Succeeded(audit.AgentSecurity, "monitoring", "security_alert",
		fmt.Sprintf("Multiple authentication failures detected: %d attempts", count),
		map[string]any{"failed_attempts": count, "event_id": event.EventID})
	action.IncidentID = created.IncidentID
	s.deps.Recorder.Record(ctx, action)

	return DetectorResult{Anomaly: true, Event: &event, IncidentID: created.IncidentID}, nil
}

func (s *SecurityScanner) detectRapidCalls(ctx context.Context, now time.Time) (DetectorResult, error) {
	count, err := s.stores.CountChecks(ctx, now.Add(-rapidCallWindow))
	if err != nil {
		return DetectorResult{}, fmt.Errorf("count checks: %w", err)
	}
	if count <= s.rules.RapidCallThreshold {
		return DetectorResult{}, nil
	}
	event, err := s.recordEvent(ctx, now, "RAPID", EventRapidAPICalls, store.SeverityCritical, 0.85,
		fmt.Sprintf("Rapid API calls detected: %d calls in 5 minutes", count),
		map[string]any{"calls": count, "threshold": s.rules.RapidCallThreshold, "time_frame": "5 minutes"}, "")
	if err != nil {
		return DetectorResult{}, err
	}
	return DetectorResult{Anomaly: true, Event: &event}, nil
}

func (s *SecurityScanner) recordEvent(
	ctx context.Context,
	now time.Time,
	kind, eventType string,
	severity store.Severity,
	score float64,
	description string,
	metadata map[string]any,
	incidentID string,
) (store.SecurityEvent, error) {
	event := store.SecurityEvent{
		EventID:           store.NewSecurityEventID(kind, now),
		EventType:         eventType,
		Severity:          severity,
		Status:            "detected",
		Description:       description,
		Metadata:          metadata,
		AnomalyScore:      score,
		RelatedIncidentID: incidentID,
		DetectedAt:        now,
	}
	if err := s.stores.RecordSecurityEvent(ctx, event); err != nil {
		return store.SecurityEvent{}, fmt.Errorf("record %s: %w", eventType, err)
	}
	metrics.ObserveSecurityAnomaly(eventType)
	s.deps.Logger.Warn("security anomaly detected", "event_type", eventType, "severity", severity, "description", description)
	return event, nil
}
