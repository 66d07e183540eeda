package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaReplayRuns = `
CREATE TABLE IF NOT EXISTS replay_runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    total INTEGER NOT NULL DEFAULT 0,
    approved INTEGER NOT NULL DEFAULT 0,
    denied INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_replay_runs_status ON replay_runs(status, started_at);
`

// schemaTransactions holds the stamped output stream of every run.
// seq preserves replay order, which is the order history is rebuilt in.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    run_id TEXT NOT NULL,
    transaction_id BIGINT NOT NULL,
    seq INTEGER NOT NULL,
    merchant_id BIGINT NOT NULL,
    user_id BIGINT NOT NULL,
    card_number TEXT NOT NULL,
    device_id BIGINT,
    transaction_date TIMESTAMP NOT NULL,
    transaction_amount DOUBLE PRECISION NOT NULL,
    has_cbk INTEGER NOT NULL DEFAULT 0,
    recommendation TEXT NOT NULL,
    deny_case INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, transaction_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_seq ON transactions(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(run_id, user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_deny_case ON transactions(run_id, deny_case);
`

// schemaEvaluations stores ad-hoc decisions.
const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    run_id TEXT,
    transaction_id BIGINT NOT NULL,
    recommendation TEXT NOT NULL,
    deny_case INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(transaction_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaReplayRuns,
		schemaTransactions,
		schemaEvaluations,
	}
}
