package store

const schema = `
-- Runs table: one attempt of a task. Exactly one "latest" run per
-- (repo, issue) at any time, enforced by the partial unique index.
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    repo TEXT NOT NULL,
    issue_number INTEGER NOT NULL,
    task_ref TEXT NOT NULL DEFAULT '',
    attempt_kind TEXT NOT NULL DEFAULT 'initial',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    outcome TEXT,
    input_tokens INTEGER,
    output_tokens INTEGER,
    reasoning_tokens INTEGER,
    latest INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_latest ON runs(repo, issue_number) WHERE latest = 1;
CREATE INDEX IF NOT EXISTS idx_runs_repo_issue ON runs(repo, issue_number);

-- Gate results: exactly one row per (run, gate), inserted as pending at run
-- creation. pass/fail/skip are terminal per run.
CREATE TABLE IF NOT EXISTS run_gates (
    run_id TEXT NOT NULL,
    gate TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'pass', 'fail', 'skip')),
    command TEXT,
    skip_reason TEXT,
    reason TEXT,
    url TEXT,
    pr_number INTEGER,
    classifier_version INTEGER,
    classifier_payload TEXT,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (run_id, gate),
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

-- Gate artifacts: append-only per run; content bounded by kind policy with
-- truncation metadata preserved.
CREATE TABLE IF NOT EXISTS gate_artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    gate TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,
    truncated INTEGER NOT NULL DEFAULT 0,
    truncation_mode TEXT NOT NULL DEFAULT 'head',
    original_chars INTEGER NOT NULL,
    original_lines INTEGER NOT NULL,
    policy_version INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_gate_artifacts_run ON gate_artifacts(run_id);

-- Per-session token totals, summed into the run at terminal outcome.
CREATE TABLE IF NOT EXISTS session_tokens (
    run_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    reasoning_tokens INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, session_id),
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

-- Idempotency keys: claimed before a risky external write so the effect is
-- applied at most once. The insert is the linearization point.
CREATE TABLE IF NOT EXISTS idempotency_keys (
    scope TEXT NOT NULL,
    key TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (scope, key)
);

-- Alert delivery records: at most one effective delivery per
-- (alert, channel, marker).
CREATE TABLE IF NOT EXISTS alert_deliveries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    marker_id TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_number INTEGER NOT NULL,
    comment_id INTEGER,
    status TEXT NOT NULL CHECK(status IN ('success', 'skipped', 'failed')),
    attempts INTEGER NOT NULL DEFAULT 1,
    last_error TEXT,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (alert_id, channel, marker_id)
);

-- Loop-triage attempts: per-signature budget for the escalation autopilot.
CREATE TABLE IF NOT EXISTS loop_triage_attempts (
    repo TEXT NOT NULL,
    issue_number INTEGER NOT NULL,
    signature TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_at DATETIME,
    PRIMARY KEY (repo, issue_number, signature)
);

-- Metadata table for internal state.
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
