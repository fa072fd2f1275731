package postgres

// Schema defines the PostgreSQL base schema for the Veritwin retrieval
// core. All statements are idempotent so the schema can be re-applied on
// startup.
//
// Vector columns are added separately by MigrationPgvector, which is only
// applied when the pgvector extension is present; without it the backend
// still serves exact matching, graph queries, and escalations.
const Schema = `
CREATE TABLE IF NOT EXISTS twins (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	creator_id TEXT,
	name       TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_twins_tenant ON twins(tenant_id);

CREATE TABLE IF NOT EXISTS verified_answers (
	id                  TEXT PRIMARY KEY,
	twin_id             TEXT NOT NULL,
	namespace           TEXT NOT NULL,
	question            TEXT NOT NULL,
	question_normalized TEXT NOT NULL,
	citations           JSONB,
	embedding_dim       INTEGER NOT NULL DEFAULT 0,
	version             INTEGER NOT NULL DEFAULT 1,
	status              TEXT NOT NULL DEFAULT 'active',
	created_by          TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(answer_id, version)
);

CREATE TABLE IF NOT EXISTS graph_nodes (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT,
	fact       TEXT,
	source_id  TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_ns ON graph_nodes(namespace);

CREATE TABLE IF NOT EXISTS graph_edges (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	from_id    TEXT NOT NULL REFERENCES graph_nodes(id),
	to_id      TEXT NOT NULL REFERENCES graph_nodes(id),
	relation   TEXT NOT NULL,
	source_id  TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_ns ON graph_edges(namespace);
CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(from_id);

CREATE TABLE IF NOT EXISTS context_chunks (
	id            TEXT PRIMARY KEY,
	namespace     TEXT NOT NULL,
	text          TEXT NOT NULL,
	embedding_dim INTEGER NOT NULL DEFAULT 0,
	source_id     TEXT,
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_chunks_ns ON context_chunks(namespace);

CREATE TABLE IF NOT EXISTS escalations (
	id               TEXT PRIMARY KEY,
	twin_id          TEXT NOT NULL,
	question         TEXT NOT NULL,
	question_hash    TEXT NOT NULL,
	context          JSONB,
	ai_attempt       TEXT,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'pending',
	owner_response   TEXT,
	add_to_knowledge BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	resolved_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_escalations_twin_status
	ON escalations(twin_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_pending_dedup
	ON escalations(twin_id, question_hash) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS twin_settings (
	twin_id              TEXT PRIMARY KEY,
	confidence_threshold DOUBLE PRECISION,
	semantic_matching    BOOLEAN,
	variant              TEXT,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// MigrationPgvector adds vector columns and ANN indexes. Applied only when
// the pgvector extension is available; failure to apply is a soft downgrade,
// not a startup error.
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'verified_answers' AND column_name = 'question_embedding'
    ) THEN
        ALTER TABLE verified_answers ADD COLUMN question_embedding vector;
    END IF;
END $$;

DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'context_chunks' AND column_name = 'embedding'
    ) THEN
        ALTER TABLE context_chunks ADD COLUMN embedding vector;
    END IF;
END $$;

-- ivfflat with lists = 100 is a good default for up to ~1M vectors.
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM pg_indexes WHERE indexname = 'idx_chunks_embedding_cosine'
    ) AND EXISTS (
        SELECT 1 FROM context_chunks WHERE embedding IS NOT NULL LIMIT 1
    ) THEN
        EXECUTE 'CREATE INDEX idx_chunks_embedding_cosine ON context_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)';
    END IF;
END $$;
`
