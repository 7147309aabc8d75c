// Package classifier provides fraud-probability adapters over the feature vector.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// DefaultProbability is returned by the static classifier when nothing else is configured.
const DefaultProbability = 0.5

// ErrInvalidProbability is returned when a model answers outside [0,1].
var ErrInvalidProbability = errors.New("classifier probability out of range")

// New builds a classifier from configuration.
func New(cfg domain.ClassifierConfig) (domain.Classifier, error) {
	switch cfg.Type {
	case "static", "":
		return NewStatic(cfg.Fallback)
	case "http":
		timeout := time.Duration(cfg.TimeoutSecs) * time.Second
		return NewHTTP(cfg.URL, timeout)
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", cfg.Type)
	}
}

// Static always answers the same probability.
type Static struct {
	probability float64
}

// NewStatic returns a static classifier. p must lie in [0,1].
func NewStatic(p float64) (*Static, error) {
	if err := checkProbability(p); err != nil {
		return nil, err
	}
	return &Static{probability: p}, nil
}

// Predict returns the configured probability.
func (s *Static) Predict(ctx context.Context, features domain.FeatureVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.probability, nil
}

// Name implements domain.Classifier.
func (s *Static) Name() string { return "static" }

func checkProbability(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidProbability, p)
	}
	return nil
}

var _ domain.Classifier = (*Static)(nil)
