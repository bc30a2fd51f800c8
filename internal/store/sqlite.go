package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is the single-node adapter. Timestamps are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

func (s *SQLite) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteIncidentColumns = `id, incident_id, title, error_message, error_type, stack_trace, severity, category,
	application, endpoint, context, status, resolution, detected_at, resolved_at`

func (s *SQLite) CreateIncident(ctx context.Context, incident Incident) (Incident, error) {
	contextJSON, err := encodeJSON(incident.Context)
	if err != nil {
		return Incident{}, err
	}
	if incident.Status == "" {
		incident.Status = StatusDetected
	}
	if incident.DetectedAt.IsZero() {
		incident.DetectedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(
		ctx,
		`INSERT INTO incidents (incident_id, title, error_message, error_type, stack_trace, severity, category,
			application, endpoint, context, status, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.IncidentID,
		incident.Title,
		incident.ErrorMessage,
		incident.ErrorType,
		incident.StackTrace,
		string(incident.Severity),
		string(incident.Category),
		incident.Application,
		incident.Endpoint,
		string(contextJSON),
		string(incident.Status),
		incident.DetectedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return Incident{}, ErrConflict
		}
		return Incident{}, err
	}

	incident.ID, _ = result.LastInsertId()
	incident.DetectedAt = time.UnixMilli(incident.DetectedAt.UnixMilli()).UTC()
	return incident, nil
}

func (s *SQLite) GetIncident(ctx context.Context, incidentID string) (Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteIncidentColumns+` FROM incidents WHERE incident_id = ?`, incidentID)
	incident, err := scanSQLiteIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, ErrNotFound
	}
	return incident, err
}

func (s *SQLite) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+sqliteIncidentColumns+`
		 FROM incidents
		 WHERE (? = '' OR status = ?)
		   AND (? = '' OR category = ?)
		   AND (? = '' OR error_type = ?)
		   AND detected_at >= ?
		 ORDER BY detected_at DESC, id DESC
		 LIMIT ?`,
		string(filter.Status), string(filter.Status),
		string(filter.Category), string(filter.Category),
		filter.ErrorType, filter.ErrorType,
		millisOrZero(filter.Since),
		clampLimit(filter.Limit, 50, 1000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	incidents := make([]Incident, 0)
	for rows.Next() {
		incident, err := scanSQLiteIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

func (s *SQLite) TransitionIncident(
	ctx context.Context,
	incidentID string,
	from, to IncidentStatus,
	resolution json.RawMessage,
	resolvedAt *time.Time,
) (Incident, error) {
	if !from.CanTransitionTo(to) {
		return Incident{}, ErrInvalidTransition
	}

	var resolvedMillis any
	if resolvedAt != nil {
		resolvedMillis = resolvedAt.UnixMilli()
	}
	var resolutionText any
	if raw := normalizeResolution(resolution); raw != nil {
		resolutionText = string(raw)
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE incidents
		 SET status = ?, resolution = ?, resolved_at = COALESCE(?, resolved_at)
		 WHERE incident_id = ? AND status = ?`,
		string(to),
		resolutionText,
		resolvedMillis,
		incidentID,
		string(from),
	)
	if err != nil {
		return Incident{}, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return Incident{}, err
	}
	if affected == 0 {
		if _, err := s.GetIncident(ctx, incidentID); err != nil {
			return Incident{}, err
		}
		return Incident{}, ErrInvalidTransition
	}
	return s.GetIncident(ctx, incidentID)
}

func (s *SQLite) CountRecurrences(ctx context.Context, errorMessage string, after time.Time, excludeIncidentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM incidents WHERE error_message = ? AND detected_at > ? AND incident_id <> ?`,
		errorMessage,
		after.UnixMilli(),
		excludeIncidentID,
	).Scan(&count)
	return count, err
}

func (s *SQLite) RecordCheck(ctx context.Context, check CheckResult) error {
	details, err := encodeJSON(check.ErrorDetails)
	if err != nil {
		return err
	}
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO monitoring_checks (check_id, check_type, target, application, status, response_time_ms, status_code, errors_found, error_details, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		check.CheckID,
		string(check.CheckType),
		check.Target,
		check.Application,
		string(check.Status),
		check.ResponseTimeMs,
		check.StatusCode,
		check.ErrorsFound,
		string(details),
		check.CheckedAt.UnixMilli(),
	)
	return err
}

func (s *SQLite) ListChecks(ctx context.Context, filter CheckFilter) ([]CheckResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT check_id, check_type, target, application, status, response_time_ms, status_code, errors_found, error_details, checked_at
		 FROM monitoring_checks
		 WHERE (? = '' OR check_type = ?) AND checked_at >= ?
		 ORDER BY checked_at DESC
		 LIMIT ?`,
		string(filter.Type), string(filter.Type),
		millisOrZero(filter.Since),
		clampLimit(filter.Limit, 500, 10000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checks := make([]CheckResult, 0)
	for rows.Next() {
		check := CheckResult{}
		var checkType, status, details string
		var checkedAt int64
		if err := rows.Scan(
			&check.CheckID,
			&checkType,
			&check.Target,
			&check.Application,
			&status,
			&check.ResponseTimeMs,
			&check.StatusCode,
			&check.ErrorsFound,
			&details,
			&checkedAt,
		); err != nil {
			return nil, err
		}
		check.CheckType = CheckType(checkType)
		check.Status = CheckStatus(status)
		check.ErrorDetails = decodeMap([]byte(details))
		check.CheckedAt = time.UnixMilli(checkedAt).UTC()
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

func (s *SQLite) CountChecks(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM monitoring_checks WHERE checked_at >= ?`, since.UnixMilli()).Scan(&count)
	return count, err
}

func (s *SQLite) PruneChecks(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM monitoring_checks WHERE checked_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLite) RecordSecurityEvent(ctx context.Context, event SecurityEvent) error {
	metadata, err := encodeJSON(event.Metadata)
	if err != nil {
		return err
	}
	intel, err := encodeJSON(event.ThreatIntelligence)
	if err != nil {
		return err
	}
	if event.DetectedAt.IsZero() {
		event.DetectedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO security_events (event_id, event_type, severity, status, source_ip, target_endpoint, description,
			metadata, anomaly_score, related_incident_id, threat_intelligence, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.EventType,
		string(event.Severity),
		eventStatus(event.Status),
		event.SourceIP,
		event.TargetEndpoint,
		event.Description,
		string(metadata),
		event.AnomalyScore,
		event.RelatedIncidentID,
		string(intel),
		event.DetectedAt.UnixMilli(),
	)
	return err
}

func (s *SQLite) ListSecurityEvents(ctx context.Context, since time.Time, limit int) ([]SecurityEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT event_id, event_type, severity, status, source_ip, target_endpoint, description, metadata,
			anomaly_score, related_incident_id, threat_intelligence, detected_at
		 FROM security_events
		 WHERE detected_at >= ?
		 ORDER BY detected_at DESC
		 LIMIT ?`,
		millisOrZero(since),
		clampLimit(limit, 100, 1000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event := SecurityEvent{}
		var severity, metadata, intel string
		var detectedAt int64
		if err := rows.Scan(
			&event.EventID,
			&event.EventType,
			&severity,
			&event.Status,
			&event.SourceIP,
			&event.TargetEndpoint,
			&event.Description,
			&metadata,
			&event.AnomalyScore,
			&event.RelatedIncidentID,
			&intel,
			&detectedAt,
		); err != nil {
			return nil, err
		}
		event.Severity = Severity(severity)
		event.Metadata = decodeMap([]byte(metadata))
		event.ThreatIntelligence = decodeMap([]byte(intel))
		event.DetectedAt = time.UnixMilli(detectedAt).UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLite) LogAction(ctx context.Context, action AgentAction) error {
	data, err := encodeJSON(action.ActionData)
	if err != nil {
		return err
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	var success any
	if action.Success != nil {
		success = *action.Success
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO agent_actions (agent_id, agent_type, action_type, incident_id, knowledge_id, description, action_data, success, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.AgentID,
		action.AgentType,
		action.ActionType,
		action.IncidentID,
		action.KnowledgeID,
		action.Description,
		string(data),
		success,
		action.ErrorMessage,
		action.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLite) ListActions(ctx context.Context, filter ActionFilter) ([]AgentAction, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, agent_id, agent_type, action_type, incident_id, knowledge_id, description, action_data, success, error_message, created_at
		 FROM agent_actions
		 WHERE (? = '' OR incident_id = ?) AND created_at >= ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		filter.IncidentID, filter.IncidentID,
		millisOrZero(filter.Since),
		clampLimit(filter.Limit, 100, 10000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make([]AgentAction, 0)
	for rows.Next() {
		action := AgentAction{}
		var data string
		var success sql.NullBool
		var createdAt int64
		if err := rows.Scan(
			&action.ID,
			&action.AgentID,
			&action.AgentType,
			&action.ActionType,
			&action.IncidentID,
			&action.KnowledgeID,
			&action.Description,
			&data,
			&success,
			&action.ErrorMessage,
			&createdAt,
		); err != nil {
			return nil, err
		}
		if success.Valid {
			action.Success = BoolPtr(success.Bool)
		}
		action.ActionData = decodeMap([]byte(data))
		action.CreatedAt = time.UnixMilli(createdAt).UTC()
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

const sqliteKnowledgeColumns = `id, error_pattern, error_type, category, title, solution, fix_steps, severity, context, COALESCE(source_url, ''), source_type,
	tags, confidence_score, success_count, last_updated`

func (s *SQLite) UpsertFixKnowledge(ctx context.Context, entry KnowledgeEntry) (KnowledgeEntry, error) {
	params, err := knowledgeParams(entry)
	if err != nil {
		return KnowledgeEntry{}, err
	}

	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO knowledge_base (error_pattern, error_type, category, title, solution, fix_steps, severity, context,
			source_type, tags, confidence_score, success_count, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (error_pattern) WHERE source_url IS NULL DO UPDATE
		 SET success_count = knowledge_base.success_count + 1,
		     solution = excluded.solution,
		     fix_steps = excluded.fix_steps,
		     confidence_score = excluded.confidence_score,
		     last_updated = excluded.last_updated
		 RETURNING `+sqliteKnowledgeColumns,
		entry.ErrorPattern,
		entry.ErrorType,
		entry.Category,
		entry.Title,
		entry.Solution,
		params.fixSteps,
		entry.Severity,
		params.context,
		entry.SourceType,
		params.tags,
		entry.ConfidenceScore,
		time.Now().UTC().UnixMilli(),
	)
	return scanSQLiteKnowledge(row)
}

func (s *SQLite) UpsertDocument(ctx context.Context, entry KnowledgeEntry) (KnowledgeEntry, error) {
	params, err := knowledgeParams(entry)
	if err != nil {
		return KnowledgeEntry{}, err
	}

	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO knowledge_base (error_pattern, error_type, category, title, solution, fix_steps, severity, context,
			source_url, source_type, tags, confidence_score, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_url) DO UPDATE
		 SET error_pattern = excluded.error_pattern,
		     error_type = excluded.error_type,
		     category = excluded.category,
		     title = excluded.title,
		     solution = excluded.solution,
		     fix_steps = excluded.fix_steps,
		     severity = excluded.severity,
		     context = excluded.context,
		     source_type = excluded.source_type,
		     tags = excluded.tags,
		     confidence_score = excluded.confidence_score,
		     last_updated = excluded.last_updated
		 RETURNING `+sqliteKnowledgeColumns,
		entry.ErrorPattern,
		entry.ErrorType,
		entry.Category,
		entry.Title,
		entry.Solution,
		params.fixSteps,
		entry.Severity,
		params.context,
		entry.SourceURL,
		entry.SourceType,
		params.tags,
		entry.ConfidenceScore,
		time.Now().UTC().UnixMilli(),
	)
	return scanSQLiteKnowledge(row)
}

func (s *SQLite) ListKnowledge(ctx context.Context, limit int) ([]KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+sqliteKnowledgeColumns+` FROM knowledge_base ORDER BY last_updated DESC LIMIT ?`,
		clampLimit(limit, 200, 5000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]KnowledgeEntry, 0)
	for rows.Next() {
		entry, err := scanSQLiteKnowledge(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLite) KnowledgeStats(ctx context.Context) ([]KnowledgeStat, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT category, COUNT(*), COALESCE(SUM(success_count), 0) FROM knowledge_base GROUP BY category ORDER BY category`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]KnowledgeStat, 0)
	for rows.Next() {
		stat := KnowledgeStat{}
		if err := rows.Scan(&stat.Category, &stat.Entries, &stat.SuccessCount); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

func (s *SQLite) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *SQLite) SetConfig(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("config value for %s is not valid json", key)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		string(value),
		time.Now().UTC().UnixMilli(),
	)
	return err
}

func (s *SQLite) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM system_config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]ConfigEntry, 0)
	for rows.Next() {
		entry := ConfigEntry{}
		var value string
		var updatedAt int64
		if err := rows.Scan(&entry.Key, &value, &updatedAt); err != nil {
			return nil, err
		}
		entry.Value = json.RawMessage(value)
		entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteIncident(row sqlScanner) (Incident, error) {
	incident := Incident{}
	var severity, category, status, contextJSON string
	var resolution sql.NullString
	var detectedAt int64
	var resolvedAt sql.NullInt64
	err := row.Scan(
		&incident.ID,
		&incident.IncidentID,
		&incident.Title,
		&incident.ErrorMessage,
		&incident.ErrorType,
		&incident.StackTrace,
		&severity,
		&category,
		&incident.Application,
		&incident.Endpoint,
		&contextJSON,
		&status,
		&resolution,
		&detectedAt,
		&resolvedAt,
	)
	if err != nil {
		return Incident{}, err
	}
	incident.Severity = Severity(severity)
	incident.Category = Category(category)
	incident.Status = IncidentStatus(status)
	incident.Context = decodeMap([]byte(contextJSON))
	if resolution.Valid {
		incident.Resolution = normalizeResolution(json.RawMessage(resolution.String))
	}
	incident.DetectedAt = time.UnixMilli(detectedAt).UTC()
	if resolvedAt.Valid {
		at := time.UnixMilli(resolvedAt.Int64).UTC()
		incident.ResolvedAt = &at
	}
	return incident, nil
}

func scanSQLiteKnowledge(row sqlScanner) (KnowledgeEntry, error) {
	entry := KnowledgeEntry{}
	var tags, fixSteps, contextJSON string
	var lastUpdated int64
	err := row.Scan(
		&entry.ID,
		&entry.ErrorPattern,
		&entry.ErrorType,
		&entry.Category,
		&entry.Title,
		&entry.Solution,
		&fixSteps,
		&entry.Severity,
		&contextJSON,
		&entry.SourceURL,
		&entry.SourceType,
		&tags,
		&entry.ConfidenceScore,
		&entry.SuccessCount,
		&lastUpdated,
	)
	if err != nil {
		return KnowledgeEntry{}, err
	}
	decodeKnowledgeDocuments(&entry, []byte(tags), []byte(fixSteps), []byte(contextJSON))
	entry.LastUpdated = time.UnixMilli(lastUpdated).UTC()
	return entry, nil
}

func millisOrZero(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}
