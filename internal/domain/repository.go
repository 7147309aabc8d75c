package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Claim, assessment and rule methods are scoped by tenantID.
// The fingerprint index is global so a bill reused across tenants is still caught.
type Repository interface {
	// Claim operations
	SaveClaim(ctx context.Context, tenantID string, claim *Claim) error
	GetClaim(ctx context.Context, tenantID string, claimID string) (*Claim, error)
	ListClaims(ctx context.Context, tenantID string, status ClaimStatus) ([]*ClaimRecord, error)
	UpdateClaimStatus(ctx context.Context, tenantID string, claimID string, status ClaimStatus) error
	RecordDecision(ctx context.Context, tenantID string, claimID string, decision string, comments string) error
	CountClaimsByClaimant(ctx context.Context, tenantID string, claimantID string, since time.Time) (int64, error)

	// Assessments
	SaveAssessment(ctx context.Context, tenantID string, a *Assessment) error
	GetAssessment(ctx context.Context, tenantID string, claimID string) (*Assessment, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	FingerprintStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host" yaml:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" yaml:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" yaml:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" yaml:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db" yaml:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}
