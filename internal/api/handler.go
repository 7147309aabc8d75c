package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/sentinel/internal/claims"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/features"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/rules"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

const defaultMaxUploadMB = 10

// Handler contains HTTP handlers for the API.
type Handler struct {
	claims      *claims.Service
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	engine      *rules.Engine
	validate    *validator.Validate
	version     string
	maxUploadMB int
}

// NewHandler creates a new handler. repo, cache and bus may be nil.
func NewHandler(svc *claims.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, version string, maxUploadMB int) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = defaultMaxUploadMB
	}
	return &Handler{
		claims:      svc,
		repo:        repo,
		cache:       cache,
		bus:         bus,
		engine:      engine,
		validate:    validator.New(),
		version:     version,
		maxUploadMB: maxUploadMB,
	}
}

// AssessResponse is returned by POST /claims.
type AssessResponse struct {
	ClaimID     string                  `json:"claimId"`
	Score       float64                 `json:"score"`
	Label       domain.RiskLabel        `json:"label"`
	Reasons     []string                `json:"reasons"`
	Explanation string                  `json:"explanation"`
	Duplicate   domain.DuplicateVerdict `json:"duplicate"`
	Assessment  *domain.Assessment      `json:"assessment"`
}

// SubmitClaim accepts a multipart claim upload and assesses it.
//
// Form fields: file (bill image), amount, claimantId, description, text
// (OCR text for keyword extraction), signals (JSON ModalitySignals),
// probability (precomputed classifier output) and async.
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxUploadMB)<<20)
	if err := r.ParseMultipartForm(int64(h.maxUploadMB) << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	sub, err := h.readSubmission(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub.TraceID = GetTraceID(ctx)

	if async, _ := strconv.ParseBool(r.FormValue("async")); async {
		claimID, err := h.claims.Enqueue(ctx, tenantID, sub)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"claimId": claimID,
			"status":  string(domain.ClaimProcessing),
		})
		return
	}

	a, err := h.claims.Submit(ctx, tenantID, sub)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AssessResponse{
		ClaimID:     a.ClaimID,
		Score:       a.Score,
		Label:       a.Label,
		Reasons:     a.Reasons(),
		Explanation: a.Explanation,
		Duplicate:   a.Duplicate,
		Assessment:  a,
	})
}

func (h *Handler) readSubmission(r *http.Request) (*domain.ClaimSubmission, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("file is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	sub := &domain.ClaimSubmission{
		ClaimID:     r.FormValue("claimId"),
		ClaimantID:  r.FormValue("claimantId"),
		Filename:    header.Filename,
		Description: r.FormValue("description"),
		Image:       data,
	}

	if raw := r.FormValue("signals"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &sub.Signals); err != nil {
			return nil, fmt.Errorf("invalid signals JSON: %w", err)
		}
	}

	if raw := r.FormValue("amount"); raw != "" {
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q", raw)
		}
		sub.Signals.ClaimedAmount = amount
	}

	if text := r.FormValue("text"); text != "" {
		kw := features.MedicalContext(text)
		if len(sub.Signals.MedicalKeywords) == 0 {
			sub.Signals.MedicalKeywords = kw.Medical
		}
		if len(sub.Signals.SuspiciousKeywords) == 0 {
			sub.Signals.SuspiciousKeywords = kw.Suspicious
		}
	}

	if raw := r.FormValue("probability"); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid probability %q", raw)
		}
		sub.ClassifierProbability = &p
	}

	return sub, nil
}

// ListClaims returns the tenant's claims with their latest assessment.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	status := domain.ClaimStatus(r.URL.Query().Get("status"))

	records, err := h.claims.ListClaims(r.Context(), tenantID, status)
	if err != nil {
		slog.Error("failed to list claims", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list claims")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"claims": records,
		"count":  len(records),
	})
}

// GetClaim retrieves a claim by ID.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claimID := chi.URLParam(r, "id")

	claim, err := h.claims.GetClaim(ctx, GetTenantID(ctx), claimID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// GetAssessment retrieves the latest assessment of a claim.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claimID := chi.URLParam(r, "id")

	a, err := h.claims.GetAssessment(ctx, GetTenantID(ctx), claimID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DecisionRequest is the officer's review of a claim.
type DecisionRequest struct {
	Decision string `json:"decision" validate:"required"`
	Comments string `json:"comments"`
}

// RecordDecision stores an officer decision and marks the claim reviewed.
func (h *Handler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	claimID := chi.URLParam(r, "id")

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeError(w, http.StatusBadRequest, "decision is required")
		return
	}

	if err := h.claims.RecordDecision(ctx, tenantID, claimID, req.Decision, req.Comments); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"claimId":  claimID,
		"status":   string(domain.ClaimReviewed),
		"decision": strings.ToLower(strings.TrimSpace(req.Decision)),
	})
}

// Health reports the state of every backing dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	checkDep := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		checkDep("repository", h.repo.Ping)
	}
	if h.cache != nil {
		checkDep("cache", h.cache.Ping)
	}
	if h.bus != nil {
		checkDep("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready": true,
		"rules": h.engine.RulesCount(),
	})
}

// ListRules returns the loaded rules, built-ins first.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression" validate:"required"`
	Flag        string `json:"flag" validate:"required"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule validates, persists and loads a custom rule.
// Rules are stored under the global tenant and apply to every claim.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeError(w, http.StatusBadRequest, "id, name, expression and flag are required")
		return
	}

	cfg := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Flag:        req.Flag,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, cfg); err != nil {
			slog.Error("failed to save rule config", "id", cfg.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save rule")
			return
		}
	}

	if cfg.Enabled {
		if err := h.engine.LoadRule(cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
			return
		}
	}

	slog.Info("rule created", "id", cfg.ID, "name", cfg.Name, "enabled", cfg.Enabled)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":   cfg,
		"loaded": cfg.Enabled,
	})
}

// ReloadRules replaces the custom rules with the ones stored in the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	stored, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(stored))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInputValidation), errors.Is(err, claims.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "claim id already in use")
	case errors.Is(err, claims.ErrAsyncUnavailable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, claims.ErrEnqueue):
		slog.Error("failed to enqueue claim", "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue claim")
	case errors.Is(err, domain.ErrIndexPersistence):
		slog.Error("fingerprint index unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "fingerprint index unavailable")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
