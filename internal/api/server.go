package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/sentinel/internal/claims"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/rules"
)

// Deps are the collaborators served by the API. Repo, Cache, Bus and
// Metrics may be nil.
type Deps struct {
	Claims  *claims.Service
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Rules   *rules.Engine
	Metrics *metrics.Recorder
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, limits domain.RateLimitConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps.Claims, deps.Repo, deps.Cache, deps.Bus, deps.Rules, version, cfg.MaxUploadMB)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(deps.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// No tenant required
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)
		if limits.Enabled {
			r.Use(RateLimitMiddleware(limits))
		}

		r.Post("/claims", handler.SubmitClaim)
		r.Get("/claims", handler.ListClaims)
		r.Get("/claims/{id}", handler.GetClaim)
		r.Get("/claims/{id}/assessment", handler.GetAssessment)
		r.Post("/claims/{id}/decision", handler.RecordDecision)

		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
