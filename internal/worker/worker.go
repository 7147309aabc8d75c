// Package worker assesses claims submitted asynchronously over the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Submitter is the part of the claim service the worker drives.
type Submitter interface {
	Submit(ctx context.Context, tenantID string, sub *domain.ClaimSubmission) (*domain.Assessment, error)
}

// Worker consumes TopicClaimSubmitted and runs each claim through the service.
type Worker struct {
	bus    domain.EventBus
	claims Submitter

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to consume for.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, claims Submitter) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		claims: claims,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes for every configured tenant. A tenant that fails to
// subscribe is logged and skipped.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return fmt.Errorf("at least one tenant id is required")
	}

	started := 0
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no tenant worker could be started")
	}

	slog.Info("workers started",
		"tenant_count", started,
	)
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicClaimSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processClaim(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicClaimSubmitted,
	)
	return nil
}

// processClaim decodes one submission and assesses it. The claim service
// persists the outcome and publishes the assessed and alert events.
func (w *Worker) processClaim(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var sub domain.ClaimSubmission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		slog.Error("failed to parse claim submission",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sub.TraceID == "" {
		sub.TraceID = msg.ID
	}

	slog.Debug("processing claim",
		"claim_id", sub.ClaimID,
		"tenant_id", tenantID,
		"trace_id", sub.TraceID,
	)

	assessment, err := w.claims.Submit(ctx, tenantID, &sub)
	if err != nil {
		slog.Error("claim assessment failed",
			"claim_id", sub.ClaimID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("claim processed",
		"claim_id", sub.ClaimID,
		"tenant_id", tenantID,
		"label", assessment.Label,
		"score", assessment.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes all tenants.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
