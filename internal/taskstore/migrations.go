package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    spec TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    complexity INTEGER DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_spec ON tasks(spec);
CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(spec, batch_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS invocations (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    attempt_id TEXT NOT NULL,
    backend TEXT,
    session_id TEXT,
    mode TEXT,
    exit_code INTEGER,
    duration_ms INTEGER,
    started_at TIMESTAMP,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id);
CREATE INDEX IF NOT EXISTS idx_invocations_batch ON invocations(run_id, batch_id);
`
