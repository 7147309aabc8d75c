package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/claims"
	"github.com/opensource-finance/sentinel/internal/classifier"
	"github.com/opensource-finance/sentinel/internal/dedup"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/rules"
)

const tenant = "tenant-001"

// createTestServer wires a full stack on a temp SQLite database. Bills are
// fingerprinted by image width so tests choose Hamming distances directly.
func createTestServer(t *testing.T, limits domain.RateLimitConfig) *Server {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	index, err := dedup.Open(ctx, repo, dedup.WithHasher(func(img image.Image) (dedup.Fingerprint, error) {
		return dedup.NewFingerprint(uint64(img.Bounds().Dx())), nil
	}))
	require.NoError(t, err)

	engine, err := rules.NewEngine(rules.DefaultSettings(), 4)
	require.NoError(t, err)
	static, err := classifier.NewStatic(classifier.DefaultProbability)
	require.NoError(t, err)

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	assessor, err := pipeline.NewAssessor(index, static, engine, pipeline.WithMetrics(recorder))
	require.NoError(t, err)

	lru := cache.NewLRUCache(100)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	svc := claims.NewService(repo, lru, b, assessor, 0)
	svc.EnableAsync([]string{tenant})
	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30, MaxUploadMB: 2}

	return NewServer(cfg, limits, Deps{
		Claims:  svc,
		Repo:    repo,
		Cache:   lru,
		Bus:     b,
		Rules:   engine,
		Metrics: recorder,
	}, "test-v1")
}

type claimForm struct {
	id          string
	width       int
	amount      string
	signals     string
	probability string
	text        string
	async       bool
	noFile      bool
}

func genuineForm(id string, width int) claimForm {
	return claimForm{
		id:          id,
		width:       width,
		amount:      "5400",
		signals:     `{"tamperScore":0.1,"fields":{"totalAmount":5400,"date":"12/03/2024"}}`,
		probability: "0.2",
	}
}

func claimRequest(t *testing.T, f claimForm) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if !f.noFile {
		part, err := mw.CreateFormFile("file", "bill.png")
		require.NoError(t, err)
		require.NoError(t, png.Encode(part, image.NewGray(image.Rect(0, 0, f.width, 4))))
	}
	fields := map[string]string{
		"claimId":     f.id,
		"claimantId":  "EMP001",
		"amount":      f.amount,
		"signals":     f.signals,
		"probability": f.probability,
		"text":        f.text,
	}
	if f.async {
		fields["async"] = "true"
	}
	for k, v := range fields {
		if v != "" {
			require.NoError(t, mw.WriteField(k, v))
		}
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/claims", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(TenantIDHeader, tenant)
	return req
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(TenantIDHeader, tenant)
	return do(s, req)
}

func postJSON(s *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, tenant)
	return do(s, req)
}

func TestSubmitClaimEndpoint(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("GenuineClaim", func(t *testing.T) {
		rr := do(server, claimRequest(t, genuineForm("claim-1", 0x0F)))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp AssessResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "claim-1", resp.ClaimID)
		assert.Equal(t, domain.RiskLow, resp.Label)
		assert.False(t, resp.Duplicate.IsDuplicate)
		assert.Empty(t, resp.Reasons)
		assert.NotEmpty(t, rr.Header().Get(TraceIDHeader))
	})

	t.Run("DuplicateBill", func(t *testing.T) {
		require.Equal(t, http.StatusOK, do(server, claimRequest(t, genuineForm("claim-2", 0xF0))).Code)

		rr := do(server, claimRequest(t, genuineForm("claim-3", 0xF1)))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp AssessResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1.0, resp.Score)
		assert.Equal(t, domain.RiskHigh, resp.Label)
		assert.Equal(t, "claim-2", resp.Duplicate.OriginalClaimID)
		assert.Equal(t, domain.FlagDuplicateBill, resp.Reasons[0])
	})

	t.Run("TextFeedsKeywordRules", func(t *testing.T) {
		f := genuineForm("claim-4", 0xF000)
		f.text = "SAMPLE invoice for patient treatment"
		rr := do(server, claimRequest(t, f))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp AssessResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []string{rules.FlagTemplateKeywords}, resp.Assessment.RuleFlags)
		assert.Equal(t, 2.0, resp.Assessment.Features[domain.FeatureMedicalKeywordCount])
	})

	t.Run("Async", func(t *testing.T) {
		f := genuineForm("claim-5", 7)
		f.async = true
		rr := do(server, claimRequest(t, f))
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), "claim-5")

		rr = get(server, "/claims/claim-5")
		require.Equal(t, http.StatusOK, rr.Code)
		var claim domain.Claim
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &claim))
		assert.Equal(t, domain.ClaimProcessing, claim.Status)
	})

	t.Run("AsyncWithoutWorker", func(t *testing.T) {
		f := genuineForm("claim-7", 9)
		f.async = true
		req := claimRequest(t, f)
		req.Header.Set(TenantIDHeader, "tenant-002")
		rr := do(server, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())

		req = httptest.NewRequest(http.MethodGet, "/claims/claim-7", nil)
		req.Header.Set(TenantIDHeader, "tenant-002")
		assert.Equal(t, http.StatusNotFound, do(server, req).Code)
	})

	t.Run("ClaimIDOfAnotherTenant", func(t *testing.T) {
		req := claimRequest(t, genuineForm("claim-1", 0x0F0F))
		req.Header.Set(TenantIDHeader, "tenant-002")
		rr := do(server, req)
		assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
	})

	badRequests := []struct {
		name   string
		mutate func(f *claimForm)
	}{
		{"MissingFile", func(f *claimForm) { f.noFile = true }},
		{"MissingAmount", func(f *claimForm) { f.amount = "" }},
		{"NonNumericAmount", func(f *claimForm) { f.amount = "lots" }},
		{"TamperOutOfRange", func(f *claimForm) { f.signals = `{"tamperScore":1.5}` }},
		{"BadSignalsJSON", func(f *claimForm) { f.signals = `{` }},
		{"ProbabilityOutOfRange", func(f *claimForm) { f.probability = "2" }},
	}
	for _, tc := range badRequests {
		t.Run(tc.name, func(t *testing.T) {
			f := genuineForm("bad-"+tc.name, 3)
			tc.mutate(&f)
			rr := do(server, claimRequest(t, f))
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	t.Run("MissingTenantID", func(t *testing.T) {
		req := claimRequest(t, genuineForm("claim-6", 5))
		req.Header.Del(TenantIDHeader)
		rr := do(server, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestClaimReviewEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})
	require.Equal(t, http.StatusOK, do(server, claimRequest(t, genuineForm("claim-1", 0x0F))).Code)

	t.Run("GetClaim", func(t *testing.T) {
		rr := get(server, "/claims/claim-1")
		require.Equal(t, http.StatusOK, rr.Code)

		var claim domain.Claim
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &claim))
		assert.Equal(t, domain.ClaimCompleted, claim.Status)
		assert.Equal(t, 5400.0, claim.ClaimedAmount)
		assert.Equal(t, "bill.png", claim.Filename)
	})

	t.Run("GetAssessment", func(t *testing.T) {
		rr := get(server, "/claims/claim-1/assessment")
		require.Equal(t, http.StatusOK, rr.Code)

		var a domain.Assessment
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &a))
		assert.Equal(t, "claim-1", a.ClaimID)
		assert.Equal(t, pipeline.EngineVersion, a.Metadata.EngineVersion)
	})

	t.Run("ListCompleted", func(t *testing.T) {
		rr := get(server, "/claims?status=completed")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"count":1`)
	})

	t.Run("UnknownClaim", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(server, "/claims/nope").Code)
		assert.Equal(t, http.StatusNotFound, get(server, "/claims/nope/assessment").Code)
	})

	t.Run("OtherTenantCannotSeeClaim", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/claims/claim-1", nil)
		req.Header.Set(TenantIDHeader, "tenant-002")
		assert.Equal(t, http.StatusNotFound, do(server, req).Code)
	})

	t.Run("InvalidDecision", func(t *testing.T) {
		rr := postJSON(server, "/claims/claim-1/decision", `{"decision":"maybe"}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = postJSON(server, "/claims/claim-1/decision", `{"comments":"no verdict"}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Decision", func(t *testing.T) {
		rr := postJSON(server, "/claims/claim-1/decision", `{"decision":" Approved ","comments":"bill verified"}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		rr = get(server, "/claims/claim-1")
		var claim domain.Claim
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &claim))
		assert.Equal(t, domain.ClaimReviewed, claim.Status)
		assert.Equal(t, claims.DecisionApproved, claim.OfficerDecision)
		assert.Equal(t, "bill verified", claim.OfficerComments)
	})

	t.Run("DecisionOnUnknownClaim", func(t *testing.T) {
		rr := postJSON(server, "/claims/nope/decision", `{"decision":"rejected"}`)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("ListBuiltins", func(t *testing.T) {
		rr := get(server, "/rules")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"count":5`)
	})

	t.Run("GetBuiltin", func(t *testing.T) {
		rr := get(server, "/rules/"+rules.RuleMissingDate)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), rules.FlagMissingDate)
		assert.Equal(t, http.StatusNotFound, get(server, "/rules/unknown").Code)
	})

	t.Run("CreateRule", func(t *testing.T) {
		rr := postJSON(server, "/rules", `{
			"id": "gst-missing",
			"name": "gst-missing",
			"expression": "gst_no == ''",
			"flag": "GST Number Missing",
			"enabled": true
		}`)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		rr = get(server, "/rules/gst-missing")
		assert.Equal(t, http.StatusOK, rr.Code)

		rr = do(server, claimRequest(t, genuineForm("claim-1", 0x0F)))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp AssessResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []string{"GST Number Missing"}, resp.Reasons)
	})

	invalid := []struct {
		name string
		body string
	}{
		{"MalformedJSON", `{`},
		{"MissingFlag", `{"id":"x","name":"x","expression":"true"}`},
		{"BadExpression", `{"id":"x","name":"x","expression":"not valid !!!","flag":"X"}`},
		{"BuiltinID", `{"id":"` + rules.RuleMissingDate + `","name":"x","expression":"true","flag":"X"}`},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, postJSON(server, "/rules", tc.body).Code)
		})
	}

	t.Run("Reload", func(t *testing.T) {
		rr := postJSON(server, "/rules/reload", "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), `"count":6`)
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{})

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(server, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp["status"])
		assert.Equal(t, "test-v1", resp["version"])
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := do(server, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Metrics", func(t *testing.T) {
		do(server, httptest.NewRequest(http.MethodGet, "/health", nil))
		rr := do(server, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `sentinel_api_http_requests_total{method="GET",route="/health",status="200"}`)
	})
}

func TestRateLimit(t *testing.T) {
	server := createTestServer(t, domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1})

	assert.Equal(t, http.StatusOK, get(server, "/rules").Code)
	rr := get(server, "/rules")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	req.Header.Set(TenantIDHeader, "tenant-002")
	assert.Equal(t, http.StatusOK, do(server, req).Code, "quotas are per tenant")

	assert.Equal(t, http.StatusOK, do(server, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var captured string
		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantIDHeader, "my-tenant-123")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, "my-tenant-123", captured)
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var requestID, traceID string
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID, _ = r.Context().Value(RequestIDKey).(string)
			traceID = GetTraceID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, requestID)
		assert.NotEmpty(t, traceID)
		assert.Equal(t, requestID, rr.Header().Get(RequestIDHeader))
	})

	t.Run("TracingMiddlewareKeepsClientRequestID", func(t *testing.T) {
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, "req-42", rr.Header().Get(RequestIDHeader))
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		rr := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}
