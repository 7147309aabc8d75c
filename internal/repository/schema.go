package repository

// Schema definitions for the Sentinel database.
// Compatible with both SQLite and PostgreSQL unless noted.

const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    claimant_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    claimed_amount REAL NOT NULL,
    description TEXT,
    status TEXT NOT NULL,
    officer_decision TEXT,
    officer_comments TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_tenant ON claims(tenant_id);
CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_claims_claimant ON claims(tenant_id, claimant_id, created_at);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    score REAL NOT NULL,
    label TEXT NOT NULL,
    duplicate INTEGER NOT NULL DEFAULT 0,
    explanation TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_claim ON assessments(tenant_id, claim_id, created_at);
CREATE INDEX IF NOT EXISTS idx_assessments_label ON assessments(tenant_id, label);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    flag TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// The fingerprint index needs a strictly increasing sequence so that
// registration order survives a restart. The column type differs per driver.
const schemaFingerprintsSQLite = `
CREATE TABLE IF NOT EXISTS fingerprints (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    claim_id TEXT NOT NULL UNIQUE,
    hash TEXT NOT NULL,
    registered_at TIMESTAMP NOT NULL
);
`

const schemaFingerprintsPostgres = `
CREATE TABLE IF NOT EXISTS fingerprints (
    seq BIGSERIAL PRIMARY KEY,
    claim_id TEXT NOT NULL UNIQUE,
    hash TEXT NOT NULL,
    registered_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order for the given driver.
func AllSchemas(driver string) []string {
	fingerprints := schemaFingerprintsSQLite
	if driver == "postgres" {
		fingerprints = schemaFingerprintsPostgres
	}
	return []string{
		schemaClaims,
		schemaAssessments,
		schemaRuleConfigs,
		fingerprints,
	}
}
