package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU + Redis.
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetAssessment returns a cached assessment or nil, nil on a miss.
	GetAssessment(ctx context.Context, tenantID string, claimID string) (*Assessment, error)

	// SetAssessment caches the latest assessment of a claim.
	SetAssessment(ctx context.Context, tenantID string, claimID string, a *Assessment, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type" yaml:"type" validate:"oneof=memory redis"`

	// Local LRU cache settings
	LocalMaxSize int `mapstructure:"local_max_size" yaml:"local_max_size"`
	LocalTTLSecs int `mapstructure:"local_ttl_secs" yaml:"local_ttl_secs"`

	// Redis settings
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`

	// If true, check local first, then Redis
	EnableTwoPhase bool `mapstructure:"enable_two_phase" yaml:"enable_two_phase"`

	// AssessmentTTLSecs bounds how long a cached assessment is served.
	AssessmentTTLSecs int `mapstructure:"assessment_ttl_secs" yaml:"assessment_ttl_secs"`
}

// LocalTTL returns the local cache TTL as a duration.
func (c CacheConfig) LocalTTL() time.Duration {
	return time.Duration(c.LocalTTLSecs) * time.Second
}

// AssessmentTTL returns the assessment cache TTL as a duration.
func (c CacheConfig) AssessmentTTL() time.Duration {
	return time.Duration(c.AssessmentTTLSecs) * time.Second
}
