package domain

// Config holds the complete Sentinel configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Tier selects backing infrastructure defaults
	Tier Tier `mapstructure:"tier" yaml:"tier" validate:"oneof=community pro"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" yaml:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus" yaml:"event_bus"`

	// Engine settings
	Dedup      DedupConfig      `mapstructure:"dedup" yaml:"dedup"`
	Rules      RulesConfig      `mapstructure:"rules" yaml:"rules"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout"` // seconds
	MaxUploadMB  int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
}

// DedupConfig controls the near-duplicate bill index.
type DedupConfig struct {
	// Threshold is the exclusive Hamming distance bound for a match.
	Threshold int `mapstructure:"threshold" yaml:"threshold" validate:"gt=0,lte=64"`

	// Store is "sql" (repository table) or "redis".
	Store string `mapstructure:"store" yaml:"store" validate:"oneof=sql redis"`
}

// RulesConfig holds built-in business rule thresholds.
type RulesConfig struct {
	AmountTolerance      float64 `mapstructure:"amount_tolerance" yaml:"amount_tolerance"`
	HighValueThreshold   float64 `mapstructure:"high_value_threshold" yaml:"high_value_threshold"`
	ProbabilityThreshold float64 `mapstructure:"probability_threshold" yaml:"probability_threshold" validate:"gte=0,lte=1"`
	BenfordMinSamples    int     `mapstructure:"benford_min_samples" yaml:"benford_min_samples"`
	MaxWorkers           int     `mapstructure:"max_workers" yaml:"max_workers"`

	// ClaimantWindowHours bounds claimant_claim_count.
	ClaimantWindowHours int `mapstructure:"claimant_window_hours" yaml:"claimant_window_hours" validate:"gte=0"`
}

// ClassifierConfig selects the probability source.
type ClassifierConfig struct {
	// Type is "static" or "http"
	Type        string  `mapstructure:"type" yaml:"type" validate:"oneof=static http"`
	URL         string  `mapstructure:"url" yaml:"url"`
	TimeoutSecs int     `mapstructure:"timeout_secs" yaml:"timeout_secs"`
	Fallback    float64 `mapstructure:"fallback" yaml:"fallback" validate:"gte=0,lte=1"`
}

// WorkerConfig enables the asynchronous bus consumer.
type WorkerConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	TenantIDs []string `mapstructure:"tenant_ids" yaml:"tenant_ids"`
}

// RateLimitConfig is applied per tenant on the HTTP API.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxUploadMB:  10,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./sentinel.db",
		},
		Cache: CacheConfig{
			Type:              "memory",
			LocalMaxSize:      10000,
			LocalTTLSecs:      300,
			AssessmentTTLSecs: 600,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Dedup: DedupConfig{
			Threshold: 5,
			Store:     "sql",
		},
		Rules: RulesConfig{
			AmountTolerance:      500,
			HighValueThreshold:   100000,
			ProbabilityThreshold: 0.6,
			BenfordMinSamples:    5,
			MaxWorkers:           8,
			ClaimantWindowHours:  720,
		},
		Classifier: ClassifierConfig{
			Type:        "static",
			TimeoutSecs: 5,
			Fallback:    0.5,
		},
		Worker: WorkerConfig{
			Enabled:   true,
			TenantIDs: []string{"default"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sentinel",
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "sentinel",
	}
	cfg.Cache = CacheConfig{
		Type:              "redis",
		RedisAddr:         "localhost:6379",
		EnableTwoPhase:    true,
		LocalMaxSize:      1000,
		LocalTTLSecs:      60,
		AssessmentTTLSecs: 600,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Dedup.Store = "redis"
	cfg.Tracing.Enabled = true
	return cfg
}
