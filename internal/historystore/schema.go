package historystore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY,
    project TEXT NOT NULL DEFAULT '',
    log_file TEXT NOT NULL UNIQUE,
    started_at TIMESTAMP,
    ended_at TIMESTAMP,
    status TEXT NOT NULL,
    steps_attempted INTEGER NOT NULL DEFAULT 0,
    steps_completed INTEGER NOT NULL DEFAULT 0,
    steps_failed INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS steps (
    id INTEGER PRIMARY KEY,
    run_id INTEGER REFERENCES runs(id),
    step_number INTEGER NOT NULL,
    title TEXT,
    phase TEXT,
    started_at TIMESTAMP,
    ended_at TIMESTAMP,
    final_state TEXT,
    final_verdict TEXT,
    status TEXT NOT NULL,
    tasks_total INTEGER NOT NULL DEFAULT 0,
    tasks_completed INTEGER NOT NULL DEFAULT 0,
    prs_opened TEXT,
    prs_merged TEXT,
    handoff_file TEXT,
    log_file TEXT
);

CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id);
CREATE INDEX IF NOT EXISTS idx_steps_step_number ON steps(step_number);
CREATE INDEX IF NOT EXISTS idx_steps_status ON steps(status);

CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY,
    step_id INTEGER REFERENCES steps(id),
    timestamp TIMESTAMP NOT NULL,
    from_state TEXT,
    to_state TEXT NOT NULL,
    verdict TEXT,
    duration_secs REAL,
    log_level TEXT,
    message TEXT,
    note TEXT,
    dispatch_skill TEXT,
    dispatch_duration_secs REAL,
    dispatch_content TEXT,
    is_self_transition BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_transitions_step_id ON transitions(step_id);
CREATE INDEX IF NOT EXISTS idx_transitions_to_state ON transitions(to_state);

CREATE TABLE IF NOT EXISTS arbiter_events (
    id INTEGER PRIMARY KEY,
    step_id INTEGER REFERENCES steps(id),
    transition_id INTEGER REFERENCES transitions(id),
    attempt INTEGER,
    max_attempts INTEGER,
    verdict TEXT,
    pr_number INTEGER
);

CREATE INDEX IF NOT EXISTS idx_arbiter_events_step_id ON arbiter_events(step_id);

CREATE TABLE IF NOT EXISTS pull_requests (
    id INTEGER PRIMARY KEY,
    step_id INTEGER REFERENCES steps(id),
    pr_number INTEGER NOT NULL,
    task_id TEXT,
    step_number INTEGER,
    title TEXT,
    status TEXT NOT NULL,
    merged_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pull_requests_step_id ON pull_requests(step_id);

CREATE TABLE IF NOT EXISTS handoffs (
    id INTEGER PRIMARY KEY,
    step_id INTEGER NOT NULL UNIQUE REFERENCES steps(id),
    step_number INTEGER NOT NULL,
    key_decisions TEXT,
    tradeoffs TEXT,
    known_risks TEXT,
    learnings TEXT,
    followups TEXT,
    next_step_number INTEGER,
    next_step_title TEXT
);
`

// deleteOrder lists tables children first so a full wipe never violates a
// foreign key
var deleteOrder = []string{
	"arbiter_events",
	"transitions",
	"pull_requests",
	"handoffs",
	"steps",
	"runs",
}
