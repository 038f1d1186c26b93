package sink

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source_ref TEXT,
    prompt TEXT NOT NULL,
    provider TEXT,
    variation_count INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    jobs TEXT,
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    variation_id TEXT NOT NULL,
    content_type TEXT NOT NULL,
    content TEXT NOT NULL,
    ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_run_id ON chunks(run_id, variation_id);
CREATE INDEX IF NOT EXISTS idx_chunks_ts ON chunks(ts);
`
