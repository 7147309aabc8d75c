// Package claims owns the claim lifecycle: intake, assessment,
// persistence, caching, events and officer review.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/pipeline"
)

// Officer decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

var (
	// ErrInvalidDecision is returned for a decision other than approved or rejected.
	ErrInvalidDecision = errors.New("decision must be approved or rejected")

	// ErrAsyncUnavailable is returned by Enqueue for a tenant no worker consumes.
	ErrAsyncUnavailable = errors.New("async intake is not enabled for tenant")

	// ErrEnqueue wraps a failed publish of a submission.
	ErrEnqueue = errors.New("failed to enqueue claim")
)

// Service coordinates the repository, cache, event bus and assessor.
type Service struct {
	repo          domain.Repository
	cache         domain.Cache
	bus           domain.EventBus
	assessor      *pipeline.Assessor
	assessmentTTL time.Duration
	now           func() time.Time

	mu           sync.RWMutex
	asyncTenants map[string]bool
}

// NewService creates a claim service. cache and bus may be nil.
func NewService(repo domain.Repository, cache domain.Cache, bus domain.EventBus, assessor *pipeline.Assessor, assessmentTTL time.Duration) *Service {
	if assessmentTTL <= 0 {
		assessmentTTL = 10 * time.Minute
	}
	return &Service{
		repo:          repo,
		cache:         cache,
		bus:           bus,
		assessor:      assessor,
		assessmentTTL: assessmentTTL,
		now:           time.Now,
	}
}

// Submit records the claim, assesses it and stores the verdict. The claim
// is left in status failed when assessment fails.
func (s *Service) Submit(ctx context.Context, tenantID string, sub *domain.ClaimSubmission) (*domain.Assessment, error) {
	if sub == nil {
		return nil, fmt.Errorf("submission is required")
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if sub.ClaimID == "" {
		sub.ClaimID = uuid.New().String()
	}

	img, format, err := DecodeImage(sub.ClaimID, sub.Image)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SaveClaim(ctx, tenantID, s.newClaim(tenantID, sub)); err != nil {
		return nil, fmt.Errorf("failed to save claim: %w", err)
	}

	assessment, err := s.assessor.Assess(ctx, &pipeline.Request{
		ClaimID:               sub.ClaimID,
		TenantID:              tenantID,
		ClaimantID:            sub.ClaimantID,
		TraceID:               sub.TraceID,
		Image:                 img,
		Signals:               sub.Signals,
		ClassifierProbability: sub.ClassifierProbability,
	})
	if err != nil {
		if uerr := s.repo.UpdateClaimStatus(ctx, tenantID, sub.ClaimID, domain.ClaimFailed); uerr != nil {
			slog.Error("failed to mark claim failed",
				"claim_id", sub.ClaimID,
				"tenant_id", tenantID,
				"error", uerr,
			)
		}
		return nil, err
	}

	if err := s.repo.SaveAssessment(ctx, tenantID, assessment); err != nil {
		return nil, fmt.Errorf("failed to save assessment: %w", err)
	}
	if err := s.repo.UpdateClaimStatus(ctx, tenantID, sub.ClaimID, domain.ClaimCompleted); err != nil {
		return nil, fmt.Errorf("failed to update claim status: %w", err)
	}

	s.cacheAssessment(ctx, tenantID, assessment)
	s.publish(ctx, tenantID, assessment)

	slog.Info("claim assessed",
		"claim_id", sub.ClaimID,
		"tenant_id", tenantID,
		"format", format,
		"score", assessment.Score,
		"label", assessment.Label,
		"duplicate", assessment.Duplicate.IsDuplicate,
		"duration_ms", assessment.Metadata.TotalMs,
	)
	return assessment, nil
}

// EnableAsync accepts Enqueue for the given tenants. Call it with the
// tenants a worker is subscribed for.
func (s *Service) EnableAsync(tenantIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asyncTenants = make(map[string]bool, len(tenantIDs))
	for _, id := range tenantIDs {
		s.asyncTenants[id] = true
	}
}

// Enqueue stores the claim as processing and publishes it for the worker.
// The image is decoded first so a bad upload is rejected synchronously.
func (s *Service) Enqueue(ctx context.Context, tenantID string, sub *domain.ClaimSubmission) (string, error) {
	if sub == nil {
		return "", fmt.Errorf("submission is required")
	}
	s.mu.RLock()
	enabled := s.asyncTenants[tenantID]
	s.mu.RUnlock()
	if s.bus == nil || !enabled {
		return "", fmt.Errorf("%w: %q", ErrAsyncUnavailable, tenantID)
	}
	if sub.ClaimID == "" {
		sub.ClaimID = uuid.New().String()
	}

	if _, _, err := DecodeImage(sub.ClaimID, sub.Image); err != nil {
		return "", err
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("failed to encode submission: %w", err)
	}

	if err := s.repo.SaveClaim(ctx, tenantID, s.newClaim(tenantID, sub)); err != nil {
		return "", fmt.Errorf("failed to save claim: %w", err)
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicClaimSubmitted, payload); err != nil {
		if uerr := s.repo.UpdateClaimStatus(ctx, tenantID, sub.ClaimID, domain.ClaimFailed); uerr != nil {
			slog.Error("failed to mark claim failed",
				"claim_id", sub.ClaimID,
				"tenant_id", tenantID,
				"error", uerr,
			)
		}
		return "", fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	slog.Info("claim enqueued", "claim_id", sub.ClaimID, "tenant_id", tenantID)
	return sub.ClaimID, nil
}

func (s *Service) newClaim(tenantID string, sub *domain.ClaimSubmission) *domain.Claim {
	now := s.now().UTC()
	return &domain.Claim{
		ID:            sub.ClaimID,
		TenantID:      tenantID,
		ClaimantID:    sub.ClaimantID,
		Filename:      sub.Filename,
		ClaimedAmount: sub.Signals.ClaimedAmount,
		Description:   sub.Description,
		Status:        domain.ClaimProcessing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// GetClaim returns one claim.
func (s *Service) GetClaim(ctx context.Context, tenantID, claimID string) (*domain.Claim, error) {
	return s.repo.GetClaim(ctx, tenantID, claimID)
}

// ListClaims returns claims with their latest assessment, newest first.
func (s *Service) ListClaims(ctx context.Context, tenantID string, status domain.ClaimStatus) ([]*domain.ClaimRecord, error) {
	return s.repo.ListClaims(ctx, tenantID, status)
}

// GetAssessment returns the latest assessment, served from cache when possible.
func (s *Service) GetAssessment(ctx context.Context, tenantID, claimID string) (*domain.Assessment, error) {
	if s.cache != nil {
		cached, err := s.cache.GetAssessment(ctx, tenantID, claimID)
		if err != nil {
			slog.Warn("assessment cache read failed", "claim_id", claimID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	a, err := s.repo.GetAssessment(ctx, tenantID, claimID)
	if err != nil {
		return nil, err
	}
	s.cacheAssessment(ctx, tenantID, a)
	return a, nil
}

// RecordDecision stores the officer's verdict and marks the claim reviewed.
func (s *Service) RecordDecision(ctx context.Context, tenantID, claimID, decision, comments string) error {
	decision = strings.ToLower(strings.TrimSpace(decision))
	if decision != DecisionApproved && decision != DecisionRejected {
		return ErrInvalidDecision
	}
	if err := s.repo.RecordDecision(ctx, tenantID, claimID, decision, strings.TrimSpace(comments)); err != nil {
		return err
	}
	slog.Info("officer decision recorded",
		"claim_id", claimID,
		"tenant_id", tenantID,
		"decision", decision,
	)
	return nil
}

func (s *Service) cacheAssessment(ctx context.Context, tenantID string, a *domain.Assessment) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetAssessment(ctx, tenantID, a.ClaimID, a, s.assessmentTTL); err != nil {
		slog.Warn("failed to cache assessment", "claim_id", a.ClaimID, "error", err)
	}
}

// publish emits the assessed event, and an alert for High risk claims.
func (s *Service) publish(ctx context.Context, tenantID string, a *domain.Assessment) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(a)
	if err != nil {
		slog.Error("failed to encode assessment", "claim_id", a.ClaimID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicClaimAssessed, payload); err != nil {
		slog.Error("failed to publish assessment",
			"claim_id", a.ClaimID,
			"error", err,
		)
	}
	if a.Label == domain.RiskHigh {
		if err := s.bus.Publish(ctx, tenantID, domain.TopicClaimAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"claim_id", a.ClaimID,
				"error", err,
			)
		}
	}
}
