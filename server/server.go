package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"claimchain/credentials"
	"claimchain/lifecycle"
	"claimchain/middleware"
	"claimchain/recon"
)

// HealthSource reports reconciler liveness for the health endpoint.
type HealthSource interface {
	Health() recon.Health
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB          *gorm.DB
	Manager     *lifecycle.Manager
	Verifier    *credentials.Verifier
	Recon       HealthSource
	RateLimits  map[string]middleware.RateLimit
	Environment string
	Logger      *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db       *gorm.DB
	manager  *lifecycle.Manager
	verifier *credentials.Verifier
	recon    HealthSource
	logger   *slog.Logger
	obs      *middleware.Observability
	router   http.Handler
}

// New constructs a configured HTTP router with idempotency, rate limiting and
// request instrumentation.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:       cfg.DB,
		manager:  cfg.Manager,
		verifier: cfg.Verifier,
		recon:    cfg.Recon,
		logger:   logger,
	}
	srv.obs = middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "claimchain",
		MetricsPrefix: "claimchain",
		LogRequests:   cfg.Environment != "prod",
		Enabled:       true,
	}, logger)
	limits := cfg.RateLimits
	if limits == nil {
		limits = map[string]middleware.RateLimit{
			"api": {RequestsPerMinute: 120, Burst: 20},
		}
	}
	limiter := middleware.NewRateLimiter(limits, logger)
	srv.router = srv.buildRouter(limiter)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(2 * time.Minute))

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(limiter.Middleware("api"))
		api.Use(s.obs.Middleware("api"))
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.db, next) })

		api.Post("/providers", s.OnboardProvider)
		api.Get("/providers/{did}", s.GetProvider)
		api.Post("/providers/{did}/approve", s.ApproveProvider)
		api.Post("/providers/{did}/reject", s.RejectProvider)

		api.Post("/policies", s.SubmitPolicy)
		api.Get("/policies/{id}", s.GetPolicy)
		api.Post("/policies/{id}/approve", s.ApprovePolicy)
		api.Post("/policies/{id}/reject", s.RejectPolicy)

		api.Post("/claims", s.SubmitClaim)
		api.Get("/claims/{id}", s.GetClaim)
		api.Post("/claims/{id}/review", s.ReviewClaim)
		api.Post("/claims/{id}/approve", s.ApproveAndPayClaim)
		api.Post("/claims/{id}/reject", s.RejectClaim)

		api.Post("/credentials/verify", s.VerifyCredential)
	})

	r.Route("/ops", func(ops chi.Router) {
		ops.Use(s.obs.Middleware("ops"))
		ops.Get("/dead-letters", s.ListDeadLetters)
	})

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	return r
}
