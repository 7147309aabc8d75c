// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict means the id is already taken by another tenant.
	ErrConflict = errors.New("id belongs to another tenant")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveClaim inserts a claim or refreshes its mutable fields on resubmission.
// Claim ids are global, so an id owned by another tenant is rejected with
// ErrConflict and left untouched.
func (r *SQLRepository) SaveClaim(ctx context.Context, tenantID string, c *domain.Claim) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: claim id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.TenantID = tenantID

	query := `
		INSERT INTO claims (
			id, tenant_id, claimant_id, filename, claimed_amount, description,
			status, officer_decision, officer_comments, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			claimed_amount = excluded.claimed_amount,
			updated_at = excluded.updated_at
		WHERE claims.tenant_id = excluded.tenant_id
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.ClaimantID, c.Filename, c.ClaimedAmount, c.Description,
		string(c.Status), c.OfficerDecision, c.OfficerComments, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: claim %s", ErrConflict, c.ID)
	}
	return nil
}

const claimColumns = `c.id, c.tenant_id, c.claimant_id, c.filename, c.claimed_amount, c.description,
	c.status, c.officer_decision, c.officer_comments, c.created_at, c.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner, extra ...any) (*domain.Claim, error) {
	var c domain.Claim
	var status string
	var description, decision, comments sql.NullString

	dest := []any{
		&c.ID, &c.TenantID, &c.ClaimantID, &c.Filename, &c.ClaimedAmount, &description,
		&status, &decision, &comments, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	c.Status = domain.ClaimStatus(status)
	c.Description = description.String
	c.OfficerDecision = decision.String
	c.OfficerComments = comments.String
	return &c, nil
}

// GetClaim retrieves a claim by ID with tenant isolation.
func (r *SQLRepository) GetClaim(ctx context.Context, tenantID string, claimID string) (*domain.Claim, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + claimColumns + ` FROM claims c WHERE c.tenant_id = ? AND c.id = ?`

	c, err := scanClaim(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, claimID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListClaims returns claims newest first, each joined with its latest assessment.
// An empty status lists every claim.
func (r *SQLRepository) ListClaims(ctx context.Context, tenantID string, status domain.ClaimStatus) ([]*domain.ClaimRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + claimColumns + `, a.payload
		FROM claims c
		LEFT JOIN assessments a ON a.id = (
			SELECT a2.id FROM assessments a2
			WHERE a2.tenant_id = c.tenant_id AND a2.claim_id = c.id
			ORDER BY a2.created_at DESC
			LIMIT 1
		)
		WHERE c.tenant_id = ?`)
	args := []any{tenantID}
	if status != "" {
		sb.WriteString(` AND c.status = ?`)
		args = append(args, string(status))
	}
	sb.WriteString(` ORDER BY c.created_at DESC`)

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ClaimRecord
	for rows.Next() {
		var payload sql.NullString
		c, err := scanClaim(rows, &payload)
		if err != nil {
			return nil, err
		}

		rec := &domain.ClaimRecord{Claim: c}
		if payload.Valid && payload.String != "" {
			var a domain.Assessment
			if err := json.Unmarshal([]byte(payload.String), &a); err != nil {
				return nil, fmt.Errorf("failed to parse assessment for claim %s: %w", c.ID, err)
			}
			rec.Assessment = &a
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// UpdateClaimStatus moves a claim to a new status.
func (r *SQLRepository) UpdateClaimStatus(ctx context.Context, tenantID string, claimID string, status domain.ClaimStatus) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `UPDATE claims SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`
	return r.execOne(ctx, query, string(status), time.Now().UTC(), tenantID, claimID)
}

// RecordDecision stores the officer's review and marks the claim reviewed.
func (r *SQLRepository) RecordDecision(ctx context.Context, tenantID string, claimID string, decision string, comments string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if decision == "" {
		return fmt.Errorf("%w: decision is required", ErrInvalidInput)
	}

	query := `
		UPDATE claims
		SET status = ?, officer_decision = ?, officer_comments = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	return r.execOne(ctx, query, string(domain.ClaimReviewed), decision, comments, time.Now().UTC(), tenantID, claimID)
}

// CountClaimsByClaimant counts the claimant's claims created at or after since.
func (r *SQLRepository) CountClaimsByClaimant(ctx context.Context, tenantID string, claimantID string, since time.Time) (int64, error) {
	if tenantID == "" || claimantID == "" {
		return 0, fmt.Errorf("%w: tenantID and claimantID are required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM claims
		WHERE tenant_id = ? AND claimant_id = ? AND created_at >= ?
	`

	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, claimantID, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count claims: %w", err)
	}
	return count, nil
}

func (r *SQLRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAssessment stores an assessment with tenant isolation.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, a *domain.Assessment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}

	duplicate := 0
	if a.Duplicate.IsDuplicate {
		duplicate = 1
	}

	query := `
		INSERT INTO assessments (
			id, tenant_id, claim_id, score, label, duplicate, explanation, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.ClaimID, a.Score, string(a.Label), duplicate,
		a.Explanation, string(payload), a.Timestamp,
	)
	return err
}

// GetAssessment returns the latest assessment of a claim.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, claimID string) (*domain.Assessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT payload FROM assessments
		WHERE tenant_id = ? AND claim_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, claimID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var a domain.Assessment
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("failed to parse assessment: %w", err)
	}
	return &a, nil
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, flag, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			flag = excluded.flag,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Flag, enabled,
		now, now,
	)
	return err
}

const ruleColumns = `id, tenant_id, name, description, version, expression, flag, enabled`

func scanRule(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &cfg.Flag, &enabled,
	); err != nil {
		return nil, err
	}
	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// GetRuleConfig retrieves the newest enabled version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs retrieves all active rule configurations for a tenant, ordered by name.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// fingerprintLockKey is the Postgres advisory lock that serializes
// fingerprint registrations across processes.
const fingerprintLockKey = 0x5e471e1

// LoadFingerprints returns the fingerprints registered after afterSeq in
// registration order.
func (r *SQLRepository) LoadFingerprints(ctx context.Context, afterSeq int64) ([]domain.FingerprintRecord, error) {
	query := `SELECT seq, claim_id, hash, registered_at FROM fingerprints WHERE seq > ? ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.FingerprintRecord
	for rows.Next() {
		var rec domain.FingerprintRecord
		if err := rows.Scan(&rec.Seq, &rec.ClaimID, &rec.Hash, &rec.RegisteredAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveFingerprint registers one fingerprint if no other writer has
// registered since lastSeq. On Postgres the check and the insert run under
// an advisory lock; on SQLite the transaction's write lock covers both, and
// a concurrent writer surfaces as a busy error rather than a second row.
func (r *SQLRepository) SaveFingerprint(ctx context.Context, rec domain.FingerprintRecord, lastSeq int64) (int64, error) {
	if rec.ClaimID == "" || rec.Hash == "" {
		return 0, fmt.Errorf("%w: claim id and hash are required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if r.driver == "postgres" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, fingerprintLockKey); err != nil {
			return 0, fmt.Errorf("failed to lock fingerprint index: %w", err)
		}
	}

	var exists int
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM fingerprints WHERE claim_id = ?`), rec.ClaimID).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists > 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrFingerprintExists, rec.ClaimID)
	}

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM fingerprints`).Scan(&current); err != nil {
		return 0, err
	}
	if current != lastSeq {
		return 0, domain.ErrIndexStale
	}

	var seq int64
	query := `INSERT INTO fingerprints (claim_id, hash, registered_at) VALUES (?, ?, ?) RETURNING seq`
	if err := tx.QueryRowContext(ctx, r.rebind(query), rec.ClaimID, rec.Hash, rec.RegisteredAt.UTC()).Scan(&seq); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			sb.WriteByte(query[i])
			continue
		}
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
		n++
	}
	return sb.String()
}

var _ domain.Repository = (*SQLRepository)(nil)
