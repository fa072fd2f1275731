package sqlite

// Schema defines the SQLite database schema for the Veritwin retrieval core.
//
// Answer text is stored exclusively in answer_patches; the current answer is
// always the row with the highest version for an answer_id. This makes edit
// history append-only at the schema level.
//
// The partial unique index on escalations enforces the dedup guarantee under
// concurrent duplicate requests: at most one pending escalation per
// (twin_id, question_hash).
const Schema = `
CREATE TABLE IF NOT EXISTS twins (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	creator_id TEXT,
	name       TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_twins_tenant ON twins(tenant_id);

CREATE TABLE IF NOT EXISTS verified_answers (
	id                  TEXT PRIMARY KEY,
	twin_id             TEXT NOT NULL,
	namespace           TEXT NOT NULL,
	question            TEXT NOT NULL,
	question_normalized TEXT NOT NULL,
	citations           TEXT,
	question_embedding  BLOB,
	embedding_dim       INTEGER NOT NULL DEFAULT 0,
	version             INTEGER NOT NULL DEFAULT 1,
	status              TEXT NOT NULL DEFAULT 'active',
	created_by          TEXT,
	created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_verified_ns_question
	ON verified_answers(namespace, question_normalized);
CREATE INDEX IF NOT EXISTS idx_verified_twin ON verified_answers(twin_id);

CREATE TABLE IF NOT EXISTS answer_patches (
	id         TEXT PRIMARY KEY,
	answer_id  TEXT NOT NULL REFERENCES verified_answers(id),
	version    INTEGER NOT NULL,
	answer     TEXT NOT NULL,
	edited_by  TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(answer_id, version)
);

CREATE TABLE IF NOT EXISTS graph_nodes (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT,
	fact       TEXT,
	source_id  TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_ns ON graph_nodes(namespace);

CREATE TABLE IF NOT EXISTS graph_edges (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	from_id    TEXT NOT NULL REFERENCES graph_nodes(id),
	to_id      TEXT NOT NULL REFERENCES graph_nodes(id),
	relation   TEXT NOT NULL,
	source_id  TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_ns ON graph_edges(namespace);
CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(from_id);

CREATE TABLE IF NOT EXISTS context_chunks (
	id            TEXT PRIMARY KEY,
	namespace     TEXT NOT NULL,
	text          TEXT NOT NULL,
	embedding     BLOB,
	embedding_dim INTEGER NOT NULL DEFAULT 0,
	source_id     TEXT,
	metadata      TEXT,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_ns ON context_chunks(namespace);

CREATE TABLE IF NOT EXISTS escalations (
	id               TEXT PRIMARY KEY,
	twin_id          TEXT NOT NULL,
	question         TEXT NOT NULL,
	question_hash    TEXT NOT NULL,
	context          TEXT,
	ai_attempt       TEXT,
	confidence_score REAL NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'pending',
	owner_response   TEXT,
	add_to_knowledge INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	resolved_at      TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_escalations_twin_status
	ON escalations(twin_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_pending_dedup
	ON escalations(twin_id, question_hash) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS twin_settings (
	twin_id              TEXT PRIMARY KEY,
	confidence_threshold REAL,
	semantic_matching    INTEGER,
	variant              TEXT,
	updated_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
