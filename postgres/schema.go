package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cases (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'open',
    user_id    TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS case_nodes (
    seq        BIGSERIAL,
    id         TEXT PRIMARY KEY,
    case_id    TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    type       TEXT NOT NULL,
    status     TEXT NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    content    JSONB,
    metadata   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (case_id, id)
);

CREATE TABLE IF NOT EXISTS case_edges (
    seq        BIGSERIAL,
    id         TEXT PRIMARY KEY,
    case_id    TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    source_id  TEXT NOT NULL,
    target_id  TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    FOREIGN KEY (case_id, source_id) REFERENCES case_nodes(case_id, id) ON DELETE CASCADE,
    FOREIGN KEY (case_id, target_id) REFERENCES case_nodes(case_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS case_feedback (
    id                     TEXT PRIMARY KEY,
    case_id                TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    user_id                TEXT NOT NULL,
    outcome                TEXT NOT NULL,
    rating                 INT,
    comment                TEXT NOT NULL DEFAULT '',
    corrected_solution     TEXT NOT NULL DEFAULT '',
    knowledge_contribution TEXT NOT NULL DEFAULT '',
    additional_context     TEXT NOT NULL DEFAULT '',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (case_id, user_id)
);

CREATE TABLE IF NOT EXISTS documents (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL DEFAULT '',
    filename   TEXT NOT NULL,
    source_ref TEXT NOT NULL,
    status     TEXT NOT NULL,
    content    JSONB,
    error      TEXT NOT NULL DEFAULT '',
    job_id     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    handler     TEXT NOT NULL,
    args        JSONB NOT NULL DEFAULT '[]',
    status      TEXT NOT NULL,
    attempt     INT NOT NULL DEFAULT 0,
    meta        JSONB NOT NULL DEFAULT '{}',
    error       TEXT NOT NULL DEFAULT '',
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    run_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at  TIMESTAMPTZ,
    ended_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_cases_user_id      ON cases(user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_case_nodes_case_id ON case_nodes(case_id, seq);
CREATE INDEX IF NOT EXISTS idx_case_nodes_status  ON case_nodes(case_id, status);
CREATE INDEX IF NOT EXISTS idx_case_edges_case_id ON case_edges(case_id, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_ready         ON jobs(run_at, id) WHERE status IN ('queued', 'scheduled');
`

// CreateSchema creates the case, node, edge, feedback, document and job
// tables if they don't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops every table CreateSchema creates.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS jobs, documents, case_feedback, case_edges, case_nodes, cases CASCADE;`)
	return err
}
