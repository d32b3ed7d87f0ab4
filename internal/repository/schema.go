package repository

// Schema definitions, compatible with both SQLite and PostgreSQL.
// Timestamps are unix milliseconds so range filters compare numerically
// on both engines.

const schemaVerificationRecords = `
CREATE TABLE IF NOT EXISTS verification_records (
    id TEXT PRIMARY KEY,
    settlement_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    version INTEGER NOT NULL,
    payer_id TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    status TEXT NOT NULL,
    method TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    transaction_ref TEXT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    record TEXT NOT NULL,
    UNIQUE (settlement_id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_verification_records_ref ON verification_records(transaction_ref);
CREATE INDEX IF NOT EXISTS idx_verification_records_created ON verification_records(created_at);
CREATE INDEX IF NOT EXISTS idx_verification_records_status ON verification_records(status);
`

const schemaTrustScores = `
CREATE TABLE IF NOT EXISTS trust_scores (
    user_id TEXT PRIMARY KEY,
    score INTEGER NOT NULL,
    updated_at BIGINT NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaVerificationRecords,
		schemaTrustScores,
	}
}
