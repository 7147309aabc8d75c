package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

const defaultTimeout = 5 * time.Second

// HTTP asks an external model server for a probability.
type HTTP struct {
	url        string
	httpClient *http.Client
}

type predictRequest struct {
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Probability *float64 `json:"probability"`
	Error       string   `json:"error,omitempty"`
}

// NewHTTP creates a classifier that POSTs the feature vector to url.
func NewHTTP(url string, timeout time.Duration) (*HTTP, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("classifier url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTP{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Predict implements domain.Classifier.
func (h *HTTP) Predict(ctx context.Context, features domain.FeatureVector) (float64, error) {
	body, err := json.Marshal(predictRequest{Features: features.Slice()})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	var out predictResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, out.Error)
	}
	if out.Probability == nil {
		return 0, fmt.Errorf("classifier response has no probability")
	}
	if err := checkProbability(*out.Probability); err != nil {
		return 0, err
	}
	return *out.Probability, nil
}

// Name implements domain.Classifier.
func (h *HTTP) Name() string { return "http" }

var _ domain.Classifier = (*HTTP)(nil)
