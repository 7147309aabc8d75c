// Package pipeline runs one claim through scoring, rules, dedup and
// explanation and produces the persisted Assessment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/sentinel/internal/dedup"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/explain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/fusion"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/rules"
)

// EngineVersion is stamped on every assessment.
const EngineVersion = "sentinel-1.0"

var tracer = otel.Tracer("sentinel-pipeline")

// Request is one claim to assess.
type Request struct {
	ClaimID    string
	TenantID   string
	ClaimantID string
	TraceID    string
	Image      image.Image
	Signals    domain.ModalitySignals

	// ClassifierProbability, when set, is used instead of calling the classifier.
	ClassifierProbability *float64
}

// ClaimantCounter reports how many recent claims a claimant has filed.
type ClaimantCounter interface {
	ClaimantCount(ctx context.Context, tenantID, claimantID string) (int64, error)
}

// Assessor wires the scoring stages together.
type Assessor struct {
	index      *dedup.Index
	classifier domain.Classifier
	fusion     *fusion.Engine
	rules      *rules.Engine
	inspector  domain.MetadataInspector
	velocity   ClaimantCounter
	metrics    *metrics.Recorder
	validate   *validator.Validate
	now        func() time.Time
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithInspector sets the metadata inspector applied to the Software tag.
func WithInspector(i domain.MetadataInspector) Option {
	return func(a *Assessor) { a.inspector = i }
}

// WithVelocity binds claimant_claim_count for rules.
func WithVelocity(v ClaimantCounter) Option {
	return func(a *Assessor) { a.velocity = v }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(a *Assessor) { a.metrics = r }
}

// WithFusion replaces the default fusion engine.
func WithFusion(f *fusion.Engine) Option {
	return func(a *Assessor) { a.fusion = f }
}

// NewAssessor creates an assessor. index, classifier and rulesEngine are required.
func NewAssessor(index *dedup.Index, classifier domain.Classifier, rulesEngine *rules.Engine, opts ...Option) (*Assessor, error) {
	if index == nil || classifier == nil || rulesEngine == nil {
		return nil, fmt.Errorf("index, classifier and rules engine are required")
	}
	a := &Assessor{
		index:      index,
		classifier: classifier,
		fusion:     fusion.NewEngine(),
		rules:      rulesEngine,
		validate:   validator.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Index returns the dedup index in use.
func (a *Assessor) Index() *dedup.Index { return a.index }

// Rules returns the rule engine in use.
func (a *Assessor) Rules() *rules.Engine { return a.rules }

// Assess runs the full pipeline. Any error carries the claim id and the
// failing stage; no stage is retried.
func (a *Assessor) Assess(ctx context.Context, req *Request) (*domain.Assessment, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	start := a.now()

	ctx, span := tracer.Start(ctx, "assess",
		trace.WithAttributes(
			attribute.String("claim.id", req.ClaimID),
			attribute.String("tenant.id", req.TenantID),
		),
	)
	defer span.End()

	traceID := req.TraceID
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		traceID = sc.TraceID().String()
	}

	assessment, stage, err := a.run(ctx, req)
	if err != nil {
		err = withClaim(req.ClaimID, stage, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		a.metrics.ObserveFailure(stage)
		slog.Warn("assessment failed",
			"claim_id", req.ClaimID,
			"tenant_id", req.TenantID,
			"stage", stage,
			"error", err,
		)
		return nil, err
	}

	elapsed := a.now().Sub(start)
	assessment.Metadata = domain.AssessmentMetadata{
		TraceID:       traceID,
		TotalMs:       elapsed.Milliseconds(),
		EngineVersion: EngineVersion,
	}

	span.SetAttributes(
		attribute.Float64("assessment.score", assessment.Score),
		attribute.String("assessment.label", string(assessment.Label)),
		attribute.Bool("assessment.duplicate", assessment.Duplicate.IsDuplicate),
	)
	a.metrics.ObserveAssessment(string(assessment.Label), assessment.Duplicate.IsDuplicate, assessment.RuleFlags, elapsed)

	slog.Debug("claim assessed",
		"claim_id", req.ClaimID,
		"tenant_id", req.TenantID,
		"score", assessment.Score,
		"label", assessment.Label,
		"duration_ms", elapsed.Milliseconds(),
	)
	return assessment, nil
}

// run executes the stages in order and returns the stage that failed.
func (a *Assessor) run(ctx context.Context, req *Request) (*domain.Assessment, string, error) {
	var (
		signals   domain.ModalitySignals
		verdict   domain.DuplicateVerdict
		vector    domain.FeatureVector
		prob      float64
		result    domain.FusionResult
		heuristic domain.HeuristicResult
		report    *domain.RuleReport
	)

	err := a.stage(ctx, domain.StageValidate, func(ctx context.Context) error {
		var err error
		signals, err = a.checkRequest(ctx, req)
		return err
	})
	if err != nil {
		return nil, domain.StageValidate, err
	}

	_ = a.stage(ctx, domain.StageFeatures, func(ctx context.Context) error {
		vector = features.Build(signals)
		return nil
	})

	err = a.stage(ctx, domain.StageClassify, func(ctx context.Context) error {
		if req.ClassifierProbability != nil {
			prob = *req.ClassifierProbability
			return nil
		}
		p, err := a.classifier.Predict(ctx, vector)
		if err != nil {
			return err
		}
		if math.IsNaN(p) || p < 0 || p > 1 {
			return &domain.InputValidationError{Field: "classifier_probability", Err: fmt.Errorf("must be in [0,1], got %v", p)}
		}
		prob = p
		return nil
	})
	if err != nil {
		return nil, domain.StageClassify, err
	}

	// Neither the heuristic nor the rules read the duplicate verdict, so
	// they run side by side before the index is touched.
	var heuristicErr, rulesErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		heuristicErr = a.stage(gctx, domain.StageHeuristic, func(context.Context) error {
			var err error
			heuristic, err = a.fusion.Heuristic(signals)
			return err
		})
		return heuristicErr
	})
	g.Go(func() error {
		rulesErr = a.stage(gctx, domain.StageRules, func(ctx context.Context) error {
			var err error
			report, err = a.rules.Evaluate(ctx, &rules.EvaluateInput{
				ClaimID:               req.ClaimID,
				Signals:               signals,
				ClassifierProbability: prob,
				ClaimantClaimCount:    a.claimantCount(ctx, req),
			})
			return err
		})
		return rulesErr
	})
	_ = g.Wait()
	if heuristicErr != nil {
		return nil, domain.StageHeuristic, heuristicErr
	}
	if rulesErr != nil {
		return nil, domain.StageRules, rulesErr
	}

	// Registration is the last step that can fail, so a claim that fails
	// earlier leaves no fingerprint behind and can be resubmitted.
	err = a.stage(ctx, domain.StageDedup, func(ctx context.Context) error {
		var err error
		verdict, err = a.index.LookupOrRegister(ctx, req.ClaimID, req.Image)
		return err
	})
	if err != nil {
		return nil, domain.StageDedup, err
	}

	// Every input to Fuse was range-checked above.
	err = a.stage(ctx, domain.StageFusion, func(context.Context) error {
		var err error
		result, err = a.fusion.Fuse(prob, heuristic, verdict)
		return err
	})
	if err != nil {
		return nil, domain.StageFusion, err
	}

	assessment := &domain.Assessment{
		ID:                    uuid.New().String(),
		ClaimID:               req.ClaimID,
		TenantID:              req.TenantID,
		Score:                 result.Score,
		Label:                 result.Label,
		HeuristicScore:        heuristic.Score,
		ClassifierProbability: prob,
		TamperScore:           signals.TamperScore,
		Features:              vector,
		Duplicate:             verdict,
		Flags:                 result.Flags,
		RuleFlags:             report.Flags,
		RuleResults:           report.Results,
		BenfordScore:          report.BenfordScore,
		Timestamp:             a.now().UTC(),
	}

	_ = a.stage(ctx, domain.StageExplain, func(context.Context) error {
		assessment.Explanation = explain.Compose(result, report.Flags)
		return nil
	})

	return assessment, "", nil
}

// claimantCount is best effort: a failed lookup leaves the count at zero.
func (a *Assessor) claimantCount(ctx context.Context, req *Request) int64 {
	if a.velocity == nil || req.ClaimantID == "" || req.TenantID == "" {
		return 0
	}
	n, err := a.velocity.ClaimantCount(ctx, req.TenantID, req.ClaimantID)
	if err != nil {
		slog.Warn("claimant velocity lookup failed",
			"claim_id", req.ClaimID,
			"claimant_id", req.ClaimantID,
			"error", err,
		)
		return 0
	}
	return n
}

// stage runs fn inside a span and records its latency.
func (a *Assessor) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	a.metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// checkRequest validates the request and resolves metadata suspicion.
func (a *Assessor) checkRequest(ctx context.Context, req *Request) (domain.ModalitySignals, error) {
	s := req.Signals

	if req.ClaimID == "" {
		return s, invalid("claim_id", errors.New("must not be empty"))
	}
	if req.Image == nil {
		return s, invalid("image", errors.New("must not be nil"))
	}
	if err := a.validate.StructCtx(ctx, s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return s, invalid(fe.Namespace(), fmt.Errorf("failed %q check, got %v", fe.Tag(), fe.Value()))
		}
		return s, invalid("signals", err)
	}
	if !finite(s.TamperScore) {
		return s, invalid("tamper_score", fmt.Errorf("must be finite, got %v", s.TamperScore))
	}
	if !finite(s.ClaimedAmount) {
		return s, invalid("claimed_amount", fmt.Errorf("must be finite, got %v", s.ClaimedAmount))
	}
	if t := s.Fields.TotalAmount; t != nil && !finite(*t) {
		return s, invalid("total_amount", fmt.Errorf("must be finite, got %v", *t))
	}
	if p := req.ClassifierProbability; p != nil && (!finite(*p) || *p < 0 || *p > 1) {
		return s, invalid("classifier_probability", fmt.Errorf("must be in [0,1], got %v", *p))
	}

	if a.inspector != nil && s.Software != "" {
		if r := a.inspector.Inspect(ctx, s.Software); r.IsSuspicious {
			s.MetadataSuspicious = true
		}
	}
	return s, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func invalid(field string, err error) error {
	return &domain.InputValidationError{Stage: domain.StageValidate, Field: field, Err: err}
}

// withClaim fills in claim and stage on typed errors and wraps anything else.
func withClaim(claimID, stage string, err error) error {
	var ive *domain.InputValidationError
	if errors.As(err, &ive) {
		if ive.ClaimID == "" {
			ive.ClaimID = claimID
		}
		if ive.Stage == "" {
			ive.Stage = stage
		}
		return err
	}
	var pe *domain.IndexPersistenceError
	if errors.As(err, &pe) {
		if pe.ClaimID == "" {
			pe.ClaimID = claimID
		}
		return err
	}
	return &domain.StageError{ClaimID: claimID, Stage: stage, Err: err}
}
