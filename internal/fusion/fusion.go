// Package fusion combines the heuristic score, the classifier probability and
// the duplicate verdict into one final fraud score and label.
package fusion

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Heuristic triggers.
const (
	TamperTrigger       = 0.7
	TamperTriggerWeight = 0.4
	AmountMismatchRatio = 1.2
	AmountTriggerWeight = 0.3
)

// Fusion weights and bounds.
const (
	HeuristicWeight  = 0.6
	ClassifierWeight = 0.4
	ScoreCeiling     = 0.99
	OverrideScore    = 1.0
)

// Label thresholds, exclusive on the lower side.
const (
	HighRiskThreshold   = 0.7
	MediumRiskThreshold = 0.3
)

// Engine holds the fusion weights. The zero value is not usable; call NewEngine.
type Engine struct {
	HeuristicWeight  float64
	ClassifierWeight float64
	Ceiling          float64
}

// NewEngine returns an engine with the standard 60/40 weighting.
func NewEngine() *Engine {
	return &Engine{
		HeuristicWeight:  HeuristicWeight,
		ClassifierWeight: ClassifierWeight,
		Ceiling:          ScoreCeiling,
	}
}

// Heuristic scores the signals from discrete triggers. Trigger weights add;
// the result is max(base, tamper score).
func (e *Engine) Heuristic(s domain.ModalitySignals) (domain.HeuristicResult, error) {
	if err := unitInterval("tamper_score", s.TamperScore); err != nil {
		return domain.HeuristicResult{}, err
	}
	if !finite(s.ClaimedAmount) || s.ClaimedAmount <= 0 {
		return domain.HeuristicResult{}, invalid("claimed_amount", fmt.Errorf("must be a positive finite amount, got %v", s.ClaimedAmount))
	}
	if s.Fields.TotalAmount != nil && (*s.Fields.TotalAmount < 0 || !finite(*s.Fields.TotalAmount)) {
		return domain.HeuristicResult{}, invalid("total_amount", fmt.Errorf("must be non-negative and finite, got %v", *s.Fields.TotalAmount))
	}

	base := decimal.Zero
	flags := []string{}

	if s.TamperScore > TamperTrigger {
		base = base.Add(decimal.NewFromFloat(TamperTriggerWeight))
		flags = append(flags, fmt.Sprintf("%s (%.2f)", domain.FlagTamperPrefix, s.TamperScore))
	}

	if total, ok := s.Fields.Total(); ok {
		claimed := decimal.NewFromFloat(s.ClaimedAmount)
		bill := decimal.NewFromFloat(total)
		if claimed.GreaterThan(bill.Mul(decimal.NewFromFloat(AmountMismatchRatio))) {
			base = base.Add(decimal.NewFromFloat(AmountTriggerWeight))
			flags = append(flags, fmt.Sprintf("%s: Bill says %s, User claims %s", domain.FlagAmountMismatch, bill.String(), claimed.String()))
		}
	}

	return domain.HeuristicResult{
		Score: math.Max(base.InexactFloat64(), s.TamperScore),
		Flags: flags,
	}, nil
}

// Fuse computes the final score. The ceiling is applied before the
// duplicate override, so an overridden score is exactly OverrideScore.
func (e *Engine) Fuse(probability float64, h domain.HeuristicResult, dup domain.DuplicateVerdict) (domain.FusionResult, error) {
	if err := unitInterval("classifier_probability", probability); err != nil {
		return domain.FusionResult{}, err
	}
	if err := unitInterval("heuristic_score", h.Score); err != nil {
		return domain.FusionResult{}, err
	}

	fused := decimal.NewFromFloat(e.HeuristicWeight).Mul(decimal.NewFromFloat(h.Score)).
		Add(decimal.NewFromFloat(e.ClassifierWeight).Mul(decimal.NewFromFloat(probability)))
	score := math.Min(fused.InexactFloat64(), e.Ceiling)

	flags := make([]string, 0, len(h.Flags)+1)
	flags = append(flags, h.Flags...)

	result := domain.FusionResult{Score: score, Flags: flags}
	if dup.IsDuplicate {
		result.Score = OverrideScore
		result.Overridden = true
		result.Flags = append(result.Flags, domain.FlagDuplicateBill)
	}
	result.Label = Label(result.Score)
	return result, nil
}

// Label buckets a score: > 0.7 High, > 0.3 Medium, otherwise Low.
func Label(score float64) domain.RiskLabel {
	switch {
	case score > HighRiskThreshold:
		return domain.RiskHigh
	case score > MediumRiskThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func unitInterval(field string, v float64) error {
	if !finite(v) || v < 0 || v > 1 {
		return invalid(field, fmt.Errorf("must be in [0,1], got %v", v))
	}
	return nil
}

func invalid(field string, err error) error {
	return &domain.InputValidationError{Stage: domain.StageFusion, Field: field, Err: err}
}
