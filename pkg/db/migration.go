package db

import (
	"context"
	"fmt"
)

// schema is rendered per dialect: %[1]s is the timestamp type, %[2]s the
// binary type and %[3]s the auto-increment primary key.
const schema = `
CREATE TABLE IF NOT EXISTS collab_sessions (
	id VARCHAR(36) PRIMARY KEY,
	session_id VARCHAR(64) NOT NULL UNIQUE,
	document_type VARCHAR(64) NOT NULL,
	document_id VARCHAR(255) NOT NULL,
	owner_id VARCHAR(255) NOT NULL,
	status VARCHAR(16) NOT NULL,
	config TEXT NOT NULL,
	created_at %[1]s NOT NULL,
	last_activity %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_collab_sessions_document ON collab_sessions(document_type, document_id);

CREATE TABLE IF NOT EXISTS collab_participants (
	id VARCHAR(36) PRIMARY KEY,
	session_id VARCHAR(64) NOT NULL,
	user_id VARCHAR(255) NOT NULL,
	is_active BOOLEAN NOT NULL,
	color VARCHAR(16) NOT NULL,
	joined_at %[1]s NOT NULL,
	left_at %[1]s NULL,
	UNIQUE (session_id, user_id)
);

CREATE TABLE IF NOT EXISTS document_version_counters (
	document_type VARCHAR(64) NOT NULL,
	document_id VARCHAR(255) NOT NULL,
	last_version BIGINT NOT NULL,
	PRIMARY KEY (document_type, document_id)
);

CREATE TABLE IF NOT EXISTS document_versions (
	id VARCHAR(36) PRIMARY KEY,
	session_id VARCHAR(64) NOT NULL,
	document_type VARCHAR(64) NOT NULL,
	document_id VARCHAR(255) NOT NULL,
	version BIGINT NOT NULL,
	snapshot %[2]s NOT NULL,
	user_id VARCHAR(255) NOT NULL,
	created_at %[1]s NOT NULL,
	metadata TEXT NOT NULL,
	UNIQUE (document_type, document_id, version)
);

CREATE INDEX IF NOT EXISTS idx_document_versions_session ON document_versions(session_id);

CREATE TABLE IF NOT EXISTS collab_events (
	seq %[3]s,
	id VARCHAR(36) NOT NULL UNIQUE,
	session_id VARCHAR(64) NOT NULL,
	user_id VARCHAR(255) NOT NULL,
	event_type VARCHAR(16) NOT NULL,
	data TEXT NOT NULL,
	client_id VARCHAR(64) NOT NULL,
	occurred_at %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_collab_events_session ON collab_events(session_id, occurred_at);
`

// migrate creates the tables if they don't exist
func (s *SQLStore) migrate(ctx context.Context) error {
	query := fmt.Sprintf(schema, s.dialect.timeType, s.dialect.blobType, s.dialect.serialKey)
	_, err := s.db.ExecContext(ctx, query)
	return err
}
