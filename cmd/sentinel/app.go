package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/claims"
	"github.com/opensource-finance/sentinel/internal/classifier"
	"github.com/opensource-finance/sentinel/internal/dedup"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/forensics"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/velocity"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// app holds every wired component. Cache, Bus and Claims are only set
// for the server.
type app struct {
	cfg      *domain.Config
	repo     *repository.SQLRepository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	index    *dedup.Index
	assessor *pipeline.Assessor
	claims   *claims.Service
	metrics  *metrics.Recorder

	closers []func() error
}

// newApp opens storage and builds the assessment pipeline. With serving
// set it also opens the cache and event bus and builds the claim service.
func newApp(ctx context.Context, cfg *domain.Config, serving bool) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	store, err := a.fingerprintStore()
	if err != nil {
		return nil, err
	}

	a.index, err = dedup.Open(ctx, store, dedup.WithThreshold(cfg.Dedup.Threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to open fingerprint index: %w", err)
	}
	slog.Info("fingerprint index loaded",
		"store", cfg.Dedup.Store,
		"size", a.index.Size(),
		"threshold", a.index.Threshold(),
	)

	a.engine, err = rules.NewEngine(rules.Settings{
		AmountTolerance:      cfg.Rules.AmountTolerance,
		HighValueThreshold:   cfg.Rules.HighValueThreshold,
		ProbabilityThreshold: cfg.Rules.ProbabilityThreshold,
		BenfordMinSamples:    cfg.Rules.BenfordMinSamples,
	}, cfg.Rules.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	if err := loadRulesFromDatabase(ctx, a.repo, a.engine); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", a.engine.RulesCount())

	model, err := classifier.New(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}
	slog.Info("classifier initialized", "type", model.Name())

	a.metrics = metrics.NewRecorder(nil)
	a.assessor, err = pipeline.NewAssessor(a.index, model, a.engine,
		pipeline.WithInspector(forensics.NewSoftwareInspector()),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithVelocity(velocity.NewService(a.repo, time.Duration(cfg.Rules.ClaimantWindowHours)*time.Hour)),
	)
	if err != nil {
		return nil, err
	}

	if !serving {
		return a, nil
	}

	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Close)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	a.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	a.closers = append(a.closers, a.bus.Close)
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	a.claims = claims.NewService(a.repo, a.cache, a.bus, a.assessor, cfg.Cache.AssessmentTTL())
	return a, nil
}

// fingerprintStore returns the repository or a Redis-backed store.
func (a *app) fingerprintStore() (domain.FingerprintStore, error) {
	if a.cfg.Dedup.Store != "redis" {
		return a.repo, nil
	}
	c := a.cfg.Cache
	client, err := cache.NewRedisClient(c.RedisAddr, c.RedisPassword, c.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open redis fingerprint store: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return cache.NewRedisFingerprintStore(client), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// loadRulesFromDatabase loads the stored custom rules into the engine.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	stored, err := repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}
	if len(stored) == 0 {
		return nil
	}
	slog.Info("loading rules from database", "count", len(stored))
	return engine.LoadRules(stored)
}
