// Package config loads Sentinel configuration from defaults, an optional
// YAML file and SENTINEL_* environment variables.
package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// EnvPrefix is prepended to every environment override,
// e.g. SENTINEL_SERVER_PORT or SENTINEL_DEDUP_THRESHOLD.
const EnvPrefix = "SENTINEL"

// Load builds the effective configuration. Precedence, lowest first:
// tier defaults, the file at path (if any), environment variables.
func Load(path string) (*domain.Config, error) {
	v, err := newViper(domain.DefaultConfig(), path)
	if err != nil {
		return nil, err
	}

	// A pro tier selected by file or env rebases on the pro defaults.
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		if v, err = newViper(domain.ProConfig(), path); err != nil {
			return nil, err
		}
	}

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(defaults *domain.Config, path string) (*viper.Viper, error) {
	base, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

var validate = validator.New()

// Validate checks value ranges on a decoded configuration.
func Validate(cfg *domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func Marshal(cfg *domain.Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
