package store

// schema is valid for both Postgres and SQLite. Timestamps are unix
// milliseconds so both dialects scan them the same way.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id             TEXT PRIMARY KEY,
		external_id    TEXT NOT NULL,
		platform       TEXT NOT NULL,
		name           TEXT NOT NULL DEFAULT '',
		phone          TEXT NOT NULL DEFAULT '',
		credentials    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		status_reason  TEXT NOT NULL DEFAULT '',
		last_active_at BIGINT NOT NULL DEFAULT 0,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		UNIQUE (platform, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id                TEXT PRIMARY KEY,
		channel_id        TEXT NOT NULL REFERENCES channels(id),
		contact_id        TEXT NOT NULL,
		display_name      TEXT NOT NULL DEFAULT '',
		avatar_url        TEXT NOT NULL DEFAULT '',
		last_message      TEXT NOT NULL DEFAULT '',
		last_message_at   BIGINT NOT NULL DEFAULT 0,
		unread_count      INTEGER NOT NULL DEFAULT 0,
		message_count     INTEGER NOT NULL DEFAULT 0,
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL DEFAULT 'active',
		last_read_at      BIGINT NOT NULL DEFAULT 0,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL,
		UNIQUE (channel_id, contact_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_recent ON conversations (last_message_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_assigned ON conversations (assigned_agent_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq             BIGINT NOT NULL,
		direction       TEXT NOT NULL,
		body            TEXT NOT NULL DEFAULT '',
		media           TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		error           TEXT NOT NULL DEFAULT '',
		external_id     TEXT NOT NULL DEFAULT '',
		agent_id        TEXT NOT NULL DEFAULT '',
		created_at      BIGINT NOT NULL,
		UNIQUE (conversation_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_external ON messages (external_id)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id                   TEXT PRIMARY KEY,
		email                TEXT NOT NULL UNIQUE,
		password_hash        TEXT NOT NULL,
		name                 TEXT NOT NULL DEFAULT '',
		role                 TEXT NOT NULL,
		perm_view_all        BOOLEAN NOT NULL DEFAULT FALSE,
		perm_view_assigned   BOOLEAN NOT NULL DEFAULT FALSE,
		perm_reply           BOOLEAN NOT NULL DEFAULT FALSE,
		perm_assign          BOOLEAN NOT NULL DEFAULT FALSE,
		perm_bulk_message    BOOLEAN NOT NULL DEFAULT FALSE,
		perm_manage_agents   BOOLEAN NOT NULL DEFAULT FALSE,
		perm_manage_channels BOOLEAN NOT NULL DEFAULT FALSE,
		online               BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen_at         BIGINT NOT NULL DEFAULT 0,
		created_at           BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id               TEXT PRIMARY KEY,
		agent_id         TEXT NOT NULL,
		kind             TEXT NOT NULL,
		model            TEXT NOT NULL DEFAULT '',
		input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens    INTEGER NOT NULL DEFAULT 0,
		images_generated INTEGER NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_agent ON usage_records (agent_id, created_at)`,
}
