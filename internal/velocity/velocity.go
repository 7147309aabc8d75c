// Package velocity counts how often a claimant has filed claims recently.
package velocity

import (
	"context"
	"fmt"
	"time"
)

// DefaultWindow is the look-back used when none is configured.
const DefaultWindow = 30 * 24 * time.Hour

// ClaimCounter is the repository query the service needs.
type ClaimCounter interface {
	CountClaimsByClaimant(ctx context.Context, tenantID string, claimantID string, since time.Time) (int64, error)
}

// Service calculates claim velocity for claimants.
type Service struct {
	counter ClaimCounter
	window  time.Duration
	now     func() time.Time
}

// NewService creates a velocity service over the given window.
func NewService(counter ClaimCounter, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		counter: counter,
		window:  window,
		now:     time.Now,
	}
}

// Window returns the look-back window.
func (s *Service) Window() time.Duration {
	return s.window
}

// ClaimantCount returns the number of claims the claimant filed within the
// window, the claim being assessed included.
func (s *Service) ClaimantCount(ctx context.Context, tenantID, claimantID string) (int64, error) {
	if tenantID == "" || claimantID == "" {
		return 0, fmt.Errorf("tenantID and claimantID are required")
	}
	if s.counter == nil {
		return 0, fmt.Errorf("no data source available")
	}

	since := s.now().Add(-s.window)
	return s.counter.CountClaimsByClaimant(ctx, tenantID, claimantID, since)
}
