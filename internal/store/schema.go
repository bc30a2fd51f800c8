package store

const postgresSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id BIGSERIAL PRIMARY KEY,
	incident_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	error_message TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT '',
	stack_trace TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	category TEXT NOT NULL,
	application TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	context JSONB NOT NULL DEFAULT '{}'::jsonb,
	status TEXT NOT NULL DEFAULT 'detected',
	resolution JSONB,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_incidents_detected_at ON incidents (detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents (status);
CREATE INDEX IF NOT EXISTS idx_incidents_error_message ON incidents (md5(error_message));

CREATE TABLE IF NOT EXISTS monitoring_checks (
	check_id TEXT PRIMARY KEY,
	check_type TEXT NOT NULL,
	target TEXT NOT NULL,
	application TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0,
	errors_found INTEGER NOT NULL DEFAULT 0,
	error_details JSONB NOT NULL DEFAULT '{}'::jsonb,
	checked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_monitoring_checks_checked_at ON monitoring_checks (checked_at DESC);

CREATE TABLE IF NOT EXISTS security_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'detected',
	source_ip TEXT NOT NULL DEFAULT '',
	target_endpoint TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	anomaly_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	related_incident_id TEXT NOT NULL DEFAULT '',
	threat_intelligence JSONB NOT NULL DEFAULT '{}'::jsonb,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS agent_actions (
	id BIGSERIAL PRIMARY KEY,
	agent_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	action_type TEXT NOT NULL,
	incident_id TEXT NOT NULL DEFAULT '',
	knowledge_id BIGINT NOT NULL DEFAULT 0,
	description TEXT NOT NULL,
	action_data JSONB NOT NULL DEFAULT '{}'::jsonb,
	success BOOLEAN,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_agent_actions_incident ON agent_actions (incident_id);

CREATE TABLE IF NOT EXISTS knowledge_base (
	id BIGSERIAL PRIMARY KEY,
	error_pattern TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	solution TEXT NOT NULL DEFAULT '',
	fix_steps JSONB NOT NULL DEFAULT '[]'::jsonb,
	severity TEXT NOT NULL DEFAULT '',
	context JSONB NOT NULL DEFAULT '{}'::jsonb,
	source_url TEXT,
	source_type TEXT NOT NULL DEFAULT '',
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_source_url ON knowledge_base (source_url);
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_fix_pattern ON knowledge_base (md5(error_pattern)) WHERE source_url IS NULL;

CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	error_message TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT '',
	stack_trace TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	category TEXT NOT NULL,
	application TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'detected',
	resolution TEXT,
	detected_at INTEGER NOT NULL,
	resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_incidents_detected_at ON incidents (detected_at);

CREATE TABLE IF NOT EXISTS monitoring_checks (
	check_id TEXT PRIMARY KEY,
	check_type TEXT NOT NULL,
	target TEXT NOT NULL,
	application TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0,
	errors_found INTEGER NOT NULL DEFAULT 0,
	error_details TEXT NOT NULL DEFAULT '{}',
	checked_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitoring_checks_checked_at ON monitoring_checks (checked_at);

CREATE TABLE IF NOT EXISTS security_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'detected',
	source_ip TEXT NOT NULL DEFAULT '',
	target_endpoint TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	anomaly_score REAL NOT NULL DEFAULT 0,
	related_incident_id TEXT NOT NULL DEFAULT '',
	threat_intelligence TEXT NOT NULL DEFAULT '{}',
	detected_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	action_type TEXT NOT NULL,
	incident_id TEXT NOT NULL DEFAULT '',
	knowledge_id INTEGER NOT NULL DEFAULT 0,
	description TEXT NOT NULL,
	action_data TEXT NOT NULL DEFAULT '{}',
	success INTEGER,
	error_message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_base (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	error_pattern TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	solution TEXT NOT NULL DEFAULT '',
	fix_steps TEXT NOT NULL DEFAULT '[]',
	severity TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '{}',
	source_url TEXT UNIQUE,
	source_type TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	confidence_score REAL NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	last_updated INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_fix_pattern ON knowledge_base (error_pattern) WHERE source_url IS NULL;

CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`
