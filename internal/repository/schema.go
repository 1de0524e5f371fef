package repository

// Schema definitions for the Heron archive.
// Compatible with both SQLite and PostgreSQL. Amounts are stored as decimal
// strings and timestamps as RFC 3339 text with their original offset, so
// nothing is rounded or shifted on the way through.

const schemaTransactionsArchive = `
CREATE TABLE IF NOT EXISTS transactions_archive (
    id TEXT PRIMARY KEY,
    occurred_at TEXT NOT NULL,
    occurred_unix_nano BIGINT NOT NULL,
    sender_account TEXT NOT NULL,
    receiver_account TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    sender_country TEXT NOT NULL,
    receiver_country TEXT NOT NULL,
    channel TEXT NOT NULL,
    archived_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archive_sender ON transactions_archive(sender_account, occurred_unix_nano);
CREATE INDEX IF NOT EXISTS idx_archive_receiver ON transactions_archive(receiver_account, occurred_unix_nano);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    seq BIGINT NOT NULL,
    version INTEGER NOT NULL,
    severity TEXT NOT NULL,
    bucket TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_seq ON alerts(seq);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
`

const schemaRuleDefinitions = `
CREATE TABLE IF NOT EXISTS rule_definitions (
    id TEXT PRIMARY KEY,
    position INTEGER NOT NULL,
    kind TEXT NOT NULL,
    disabled INTEGER NOT NULL DEFAULT 0,
    definition TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_definitions_position ON rule_definitions(position);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactionsArchive,
		schemaAlerts,
		schemaRuleDefinitions,
	}
}
