package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const incidentColumns = `id, incident_id, title, error_message, error_type, stack_trace, severity, category,
	application, endpoint, context, status, resolution, detected_at, resolved_at`

func (p *Postgres) CreateIncident(ctx context.Context, incident Incident) (Incident, error) {
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

	row := p.pool.QueryRow(
		ctx,
		`INSERT INTO incidents (incident_id, title, error_message, error_type, stack_trace, severity, category,
			application, endpoint, context, status, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+incidentColumns,
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
		incident.DetectedAt,
	)

	stored, err := scanIncident(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Incident{}, ErrConflict
		}
		return Incident{}, err
	}
	return stored, nil
}

func (p *Postgres) GetIncident(ctx context.Context, incidentID string) (Incident, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE incident_id = $1`, incidentID)
	incident, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Incident{}, ErrNotFound
	}
	return incident, err
}

func (p *Postgres) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT `+incidentColumns+`
		 FROM incidents
		 WHERE ($1 = '' OR status = $1)
		   AND ($2 = '' OR category = $2)
		   AND ($3 = '' OR error_type = $3)
		   AND ($4::timestamptz IS NULL OR detected_at >= $4)
		 ORDER BY detected_at DESC
		 LIMIT $5`,
		string(filter.Status),
		string(filter.Category),
		filter.ErrorType,
		nullableTime(filter.Since),
		clampLimit(filter.Limit, 50, 1000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	incidents := make([]Incident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

func (p *Postgres) TransitionIncident(
	ctx context.Context,
	incidentID string,
	from, to IncidentStatus,
	resolution json.RawMessage,
	resolvedAt *time.Time,
) (Incident, error) {
	if !from.CanTransitionTo(to) {
		return Incident{}, ErrInvalidTransition
	}

	row := p.pool.QueryRow(
		ctx,
		`UPDATE incidents
		 SET status = $3,
		     resolution = $4::jsonb,
		     resolved_at = COALESCE($5, resolved_at)
		 WHERE incident_id = $1 AND status = $2
		 RETURNING `+incidentColumns,
		incidentID,
		string(from),
		string(to),
		nullableJSON(resolution),
		resolvedAt,
	)
	incident, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if lookupErr := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM incidents WHERE incident_id = $1)`, incidentID).Scan(&exists); lookupErr != nil {
			return Incident{}, lookupErr
		}
		if !exists {
			return Incident{}, ErrNotFound
		}
		return Incident{}, ErrInvalidTransition
	}
	return incident, err
}

func (p *Postgres) CountRecurrences(ctx context.Context, errorMessage string, after time.Time, excludeIncidentID string) (int, error) {
	var count int
	err := p.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM incidents
		 WHERE md5(error_message) = md5($1) AND error_message = $1
		   AND detected_at > $2 AND incident_id <> $3`,
		errorMessage,
		after,
		excludeIncidentID,
	).Scan(&count)
	return count, err
}

func (p *Postgres) RecordCheck(ctx context.Context, check CheckResult) error {
	details, err := encodeJSON(check.ErrorDetails)
	if err != nil {
		return err
	}
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now().UTC()
	}

	_, err = p.pool.Exec(
		ctx,
		`INSERT INTO monitoring_checks (check_id, check_type, target, application, status, response_time_ms, status_code, errors_found, error_details, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (check_id) DO NOTHING`,
		check.CheckID,
		string(check.CheckType),
		check.Target,
		check.Application,
		string(check.Status),
		check.ResponseTimeMs,
		check.StatusCode,
		check.ErrorsFound,
		string(details),
		check.CheckedAt,
	)
	return err
}

func (p *Postgres) ListChecks(ctx context.Context, filter CheckFilter) ([]CheckResult, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT check_id, check_type, target, application, status, response_time_ms, status_code, errors_found, error_details, checked_at
		 FROM monitoring_checks
		 WHERE ($1 = '' OR check_type = $1)
		   AND ($2::timestamptz IS NULL OR checked_at >= $2)
		 ORDER BY checked_at DESC
		 LIMIT $3`,
		string(filter.Type),
		nullableTime(filter.Since),
		clampLimit(filter.Limit, 500, 10000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checks := make([]CheckResult, 0)
	for rows.Next() {
		check := CheckResult{}
		var checkType, status string
		var details []byte
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
			&check.CheckedAt,
		); err != nil {
			return nil, err
		}
		check.CheckType = CheckType(checkType)
		check.Status = CheckStatus(status)
		check.ErrorDetails = decodeMap(details)
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

func (p *Postgres) CountChecks(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM monitoring_checks WHERE checked_at >= $1`, since).Scan(&count)
	return count, err
}

func (p *Postgres) PruneChecks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM monitoring_checks WHERE checked_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) RecordSecurityEvent(ctx context.Context, event SecurityEvent) error {
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

	_, err = p.pool.Exec(
		ctx,
		`INSERT INTO security_events (event_id, event_type, severity, status, source_ip, target_endpoint, description,
			metadata, anomaly_score, related_incident_id, threat_intelligence, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
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
		event.DetectedAt,
	)
	return err
}

func (p *Postgres) ListSecurityEvents(ctx context.Context, since time.Time, limit int) ([]SecurityEvent, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT event_id, event_type, severity, status, source_ip, target_endpoint, description, metadata,
			anomaly_score, related_incident_id, threat_intelligence, detected_at
		 FROM security_events
		 WHERE ($1::timestamptz IS NULL OR detected_at >= $1)
		 ORDER BY detected_at DESC
		 LIMIT $2`,
		nullableTime(since),
		clampLimit(limit, 100, 1000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event := SecurityEvent{}
		var severity string
		var metadata, intel []byte
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
			&event.DetectedAt,
		); err != nil {
			return nil, err
		}
		event.Severity = Severity(severity)
		event.Metadata = decodeMap(metadata)
		event.ThreatIntelligence = decodeMap(intel)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (p *Postgres) LogAction(ctx context.Context, action AgentAction) error {
	data, err := encodeJSON(action.ActionData)
	if err != nil {
		return err
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	_, err = p.pool.Exec(
		ctx,
		`INSERT INTO agent_actions (agent_id, agent_type, action_type, incident_id, knowledge_id, description, action_data, success, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		action.AgentID,
		action.AgentType,
		action.ActionType,
		action.IncidentID,
		action.KnowledgeID,
		action.Description,
		string(data),
		action.Success,
		action.ErrorMessage,
		action.CreatedAt,
	)
	return err
}

func (p *Postgres) ListActions(ctx context.Context, filter ActionFilter) ([]AgentAction, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT id, agent_id, agent_type, action_type, incident_id, knowledge_id, description, action_data, success, error_message, created_at
		 FROM agent_actions
		 WHERE ($1 = '' OR incident_id = $1)
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		filter.IncidentID,
		nullableTime(filter.Since),
		clampLimit(filter.Limit, 100, 10000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make([]AgentAction, 0)
	for rows.Next() {
		action := AgentAction{}
		var data []byte
		if err := rows.Scan(
			&action.ID,
			&action.AgentID,
			&action.AgentType,
			&action.ActionType,
			&action.IncidentID,
			&action.KnowledgeID,
			&action.Description,
			&data,
			&action.Success,
			&action.ErrorMessage,
			&action.CreatedAt,
		); err != nil {
			return nil, err
		}
		action.ActionData = decodeMap(data)
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

const knowledgeColumns = `id, error_pattern, error_type, category, title, solution, fix_steps, severity, context, COALESCE(source_url, ''), source_type,
	tags, confidence_score, success_count, last_updated`

func (p *Postgres) UpsertFixKnowledge(ctx context.Context, entry KnowledgeEntry) (KnowledgeEntry, error) {
	params, err := knowledgeParams(entry)
	if err != nil {
		return KnowledgeEntry{}, err
	}

	row := p.pool.QueryRow(
		ctx,
		`INSERT INTO knowledge_base (error_pattern, error_type, category, title, solution, fix_steps, severity, context,
			source_type, tags, confidence_score, success_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		 ON CONFLICT (md5(error_pattern)) WHERE source_url IS NULL DO UPDATE
		 SET success_count = knowledge_base.success_count + 1,
		     solution = EXCLUDED.solution,
		     fix_steps = EXCLUDED.fix_steps,
		     confidence_score = EXCLUDED.confidence_score,
		     last_updated = NOW()
		 RETURNING `+knowledgeColumns,
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
	)
	return scanKnowledge(row)
}

func (p *Postgres) UpsertDocument(ctx context.Context, entry KnowledgeEntry) (KnowledgeEntry, error) {
	params, err := knowledgeParams(entry)
	if err != nil {
		return KnowledgeEntry{}, err
	}

	row := p.pool.QueryRow(
		ctx,
		`INSERT INTO knowledge_base (error_pattern, error_type, category, title, solution, fix_steps, severity, context,
			source_url, source_type, tags, confidence_score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (source_url) DO UPDATE
		 SET error_pattern = EXCLUDED.error_pattern,
		     error_type = EXCLUDED.error_type,
		     category = EXCLUDED.category,
		     title = EXCLUDED.title,
		     solution = EXCLUDED.solution,
		     fix_steps = EXCLUDED.fix_steps,
		     severity = EXCLUDED.severity,
		     context = EXCLUDED.context,
		     source_type = EXCLUDED.source_type,
		     tags = EXCLUDED.tags,
		     confidence_score = EXCLUDED.confidence_score,
		     last_updated = NOW()
		 RETURNING `+knowledgeColumns,
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
	)
	return scanKnowledge(row)
}

func (p *Postgres) ListKnowledge(ctx context.Context, limit int) ([]KnowledgeEntry, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_base ORDER BY last_updated DESC LIMIT $1`,
		clampLimit(limit, 200, 5000),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]KnowledgeEntry, 0)
	for rows.Next() {
		entry, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (p *Postgres) KnowledgeStats(ctx context.Context) ([]KnowledgeStat, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT category, COUNT(*), COALESCE(SUM(success_count), 0)
		 FROM knowledge_base
		 GROUP BY category
		 ORDER BY category`,
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

func (p *Postgres) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM system_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (p *Postgres) SetConfig(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("config value for %s is not valid json", key)
	}
	_, err := p.pool.Exec(
		ctx,
		`INSERT INTO system_config (key, value, updated_at)
		 VALUES ($1, $2::jsonb, NOW())
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value,
		     updated_at = NOW()`,
		key,
		string(value),
	)
	return err
}

func (p *Postgres) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value, updated_at FROM system_config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]ConfigEntry, 0)
	for rows.Next() {
		entry := ConfigEntry{}
		var value []byte
		if err := rows.Scan(&entry.Key, &value, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entry.Value = json.RawMessage(value)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanIncident(row pgx.Row) (Incident, error) {
	incident := Incident{}
	var severity, category, status string
	var contextJSON, resolution []byte
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
		&incident.DetectedAt,
		&incident.ResolvedAt,
	)
	if err != nil {
		return Incident{}, err
	}
	incident.Severity = Severity(severity)
	incident.Category = Category(category)
	incident.Status = IncidentStatus(status)
	incident.Context = decodeMap(contextJSON)
	incident.Resolution = normalizeResolution(resolution)
	return incident, nil
}

func scanKnowledge(row pgx.Row) (KnowledgeEntry, error) {
	entry := KnowledgeEntry{}
	var tags, fixSteps, contextJSON []byte
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
		&entry.LastUpdated,
	)
	if err != nil {
		return KnowledgeEntry{}, err
	}
	decodeKnowledgeDocuments(&entry, tags, fixSteps, contextJSON)
	return entry, nil
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullableJSON(raw json.RawMessage) any {
	raw = normalizeResolution(raw)
	if raw == nil {
		return nil
	}
	return string(raw)
}
