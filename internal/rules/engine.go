// Package rules provides the CEL-Go based claim rule engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
)

// ErrBuiltinConflict is returned when a custom rule reuses a built-in ID.
var ErrBuiltinConflict = errors.New("rule id is reserved by a built-in rule")

// Settings are the thresholds bound into every evaluation.
type Settings struct {
	AmountTolerance      float64
	HighValueThreshold   float64
	ProbabilityThreshold float64
	BenfordMinSamples    int
}

// DefaultSettings returns the standard claim thresholds.
func DefaultSettings() Settings {
	return Settings{
		AmountTolerance:      500,
		HighValueThreshold:   100000,
		ProbabilityThreshold: 0.6,
		BenfordMinSamples:    BenfordMinSamples,
	}
}

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	builtin    []*CompiledRule
	custom     []*CompiledRule
	settings   Settings
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a rule engine with the built-in rules loaded.
func NewEngine(settings Settings, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if settings.BenfordMinSamples <= 0 {
		settings.BenfordMinSamples = BenfordMinSamples
	}

	env, err := cel.NewEnv(
		cel.Variable("claimed_amount", cel.DoubleType),
		cel.Variable("extracted_amount", cel.DoubleType),
		cel.Variable("has_extracted_amount", cel.BoolType),
		cel.Variable("amount_delta", cel.DoubleType),
		cel.Variable("has_date", cel.BoolType),
		cel.Variable("invoice_no", cel.StringType),
		cel.Variable("gst_no", cel.StringType),
		cel.Variable("hospital_name", cel.StringType),
		cel.Variable("classifier_probability", cel.DoubleType),
		cel.Variable("tamper_score", cel.DoubleType),
		cel.Variable("metadata_suspicious", cel.BoolType),
		cel.Variable("software", cel.StringType),
		cel.Variable("medical_keyword_count", cel.IntType),
		cel.Variable("suspicious_keyword_count", cel.IntType),
		cel.Variable("benford_score", cel.DoubleType),
		cel.Variable("claimant_claim_count", cel.IntType),
		// thresholds
		cel.Variable("amount_tolerance", cel.DoubleType),
		cel.Variable("high_value_threshold", cel.DoubleType),
		cel.Variable("probability_threshold", cel.DoubleType),
		cel.Variable("benford_anomaly_score", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:        env,
		settings:   settings,
		maxWorkers: maxWorkers,
	}

	for _, cfg := range BuiltinRules() {
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return nil, err
		}
		e.builtin = append(e.builtin, compiled)
	}

	return e, nil
}

// Settings returns the thresholds in use.
func (e *Engine) Settings() Settings {
	return e.settings
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	_, err := e.compileCustom(cfg)
	return err
}

func (e *Engine) compileCustom(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rule config is required")
	}
	if isBuiltin(cfg.ID) {
		return nil, fmt.Errorf("rule %s: %w", cfg.ID, ErrBuiltinConflict)
	}
	return e.compileRule(cfg)
}

// LoadRule compiles and adds or replaces one custom rule.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compileCustom(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]*CompiledRule, 0, len(e.custom)+1)
	for _, r := range e.custom {
		if r.Config.ID != cfg.ID {
			next = append(next, r)
		}
	}
	e.custom = sortRules(append(next, compiled))
	return nil
}

// LoadRules compiles and loads multiple rules. Disabled rules are skipped.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces every custom rule. Built-in rules are unaffected.
// On error the previous set stays loaded.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileCustom(cfg)
		if err != nil {
			return err
		}
		newRules = append(newRules, compiled)
	}

	e.mu.Lock()
	e.custom = sortRules(newRules)
	e.mu.Unlock()
	return nil
}

// EvaluateInput holds the claim data for rule evaluation.
type EvaluateInput struct {
	ClaimID               string
	Signals               domain.ModalitySignals
	ClassifierProbability float64

	// ClaimantClaimCount is the claimant's recent claim count, zero when unknown.
	ClaimantClaimCount int64
}

// Evaluate runs every loaded rule in parallel and returns flags in rule
// order: built-ins first, then custom rules by name.
func (e *Engine) Evaluate(ctx context.Context, input *EvaluateInput) (*domain.RuleReport, error) {
	if input == nil {
		return nil, fmt.Errorf("evaluate input is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.builtin)+len(e.custom))
	rules = append(rules, e.builtin...)
	rules = append(rules, e.custom...)
	e.mu.RUnlock()

	benford := Benford(input.Signals.Fields.Amounts(), e.settings.BenfordMinSamples)
	activation := e.activation(input, benford.Score)

	// Parallel evaluation using worker pool pattern
	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	report := &domain.RuleReport{
		Flags:        []string{},
		Results:      results,
		BenfordScore: benford.Score,
	}
	for _, r := range results {
		if r.Outcome == domain.RuleOutcomeFired {
			report.Flags = append(report.Flags, r.Flag)
		}
	}
	return report, nil
}

func (e *Engine) activation(input *EvaluateInput, benfordScore float64) map[string]any {
	s := input.Signals
	total, hasTotal := s.Fields.Total()

	var delta float64
	if hasTotal && !math.IsNaN(s.ClaimedAmount) && !math.IsInf(s.ClaimedAmount, 0) {
		delta = decimal.NewFromFloat(total).Sub(decimal.NewFromFloat(s.ClaimedAmount)).Abs().InexactFloat64()
	}

	return map[string]any{
		"claimed_amount":           s.ClaimedAmount,
		"extracted_amount":         total,
		"has_extracted_amount":     hasTotal,
		"amount_delta":             delta,
		"has_date":                 s.Fields.HasDate(),
		"invoice_no":               s.Fields.InvoiceNo,
		"gst_no":                   s.Fields.GSTNo,
		"hospital_name":            s.Fields.HospitalName,
		"classifier_probability":   input.ClassifierProbability,
		"tamper_score":             s.TamperScore,
		"metadata_suspicious":      s.MetadataSuspicious,
		"software":                 s.Software,
		"medical_keyword_count":    int64(features.KeywordCount(s.MedicalKeywords)),
		"suspicious_keyword_count": int64(features.KeywordCount(s.SuspiciousKeywords)),
		"benford_score":            benfordScore,
		"claimant_claim_count":     input.ClaimantClaimCount,
		"amount_tolerance":         e.settings.AmountTolerance,
		"high_value_threshold":     e.settings.HighValueThreshold,
		"probability_threshold":    e.settings.ProbabilityThreshold,
		"benford_anomaly_score":    BenfordAnomaly,
	}
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{RuleID: rule.Config.ID}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Outcome = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	result.Score = toScore(out)
	result.Outcome = domain.RuleOutcomePass
	if result.Score >= 1.0 {
		result.Outcome = domain.RuleOutcomeFired
		result.Flag = rule.Config.Flag
		result.Reason = rule.Config.Description
	}
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// RulesCount returns the number of loaded rules, built-ins included.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.builtin) + len(e.custom)
}

// GetLoadedRules returns the loaded rule configurations in evaluation order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.builtin)+len(e.custom))
	for _, compiled := range e.builtin {
		rules = append(rules, compiled.Config)
	}
	for _, compiled := range e.custom {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close drops the custom rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func sortRules(rules []*CompiledRule) []*CompiledRule {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].Config, rules[j].Config
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return rules
}
