package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/agentgw/internal/api/middleware"
	"github.com/flowpbx/agentgw/internal/routing"
	"github.com/flowpbx/agentgw/internal/sip"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionReader gives read access to live routing sessions.
type SessionReader interface {
	Len() int
	Snapshot() []routing.Snapshot
	Lookup(callID string) (*routing.Session, bool)
}

// SessionTerminator hangs up a live session.
type SessionTerminator interface {
	Terminate(ctx context.Context, callID string) error
}

// Originator places API-initiated calls.
type Originator interface {
	Originate(ctx context.Context, r sip.OriginateRequest) (string, error)
}

// TrunkStatusProvider reports trunk reachability.
type TrunkStatusProvider interface {
	GetAllStatuses() []sip.TrunkState
}

// BlockList exposes the partner authentication brute-force guard.
type BlockList interface {
	BlockedIPs() []sip.BlockedIP
	UnblockIP(ip string) bool
}

// Deps are the services the admin API serves. Trunks, Guard and Gatherer
// may be nil; their routes then report empty results or are not mounted.
type Deps struct {
	Sessions   SessionReader
	Terminator SessionTerminator
	Calls      Originator
	Trunks     TrunkStatusProvider
	Guard      BlockList
	Gatherer   prometheus.Gatherer
	JWTSecret  []byte
	TLS        bool
	StartedAt  time.Time
	Logger     *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	deps        Deps
	logger      *slog.Logger
	readLimiter *middleware.IPRateLimiter
	callLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. Call Stop to
// release the rate limiters' cleanup goroutines.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "api")

	s := &Server{
		router:      chi.NewRouter(),
		deps:        deps,
		logger:      logger,
		readLimiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), logger),
		callLimiter: middleware.NewIPRateLimiter(middleware.CallRateLimitConfig(), logger),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Stop terminates the rate limiters' background cleanup.
func (s *Server) Stop() {
	s.readLimiter.Stop()
	s.callLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIHeaders(s.deps.TLS))

		// Unauthenticated read-only routes.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.readLimiter))
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{callID}", s.handleGetSession)
			r.Get("/trunks", s.handleListTrunks)
		})

		// Routes that change call state need a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(s.deps.JWTSecret, s.logger))

			r.With(middleware.RateLimit(s.callLimiter)).Post("/calls", s.handleOriginate)

			r.With(middleware.RateLimit(s.readLimiter)).Delete("/sessions/{callID}", s.handleTerminateSession)

			if s.deps.Guard != nil {
				r.Route("/security/blocked", func(r chi.Router) {
					r.Use(middleware.RateLimit(s.readLimiter))
					r.Get("/", s.handleListBlocked)
					r.Delete("/{ip}", s.handleUnblock)
				})
			}
		})
	})
}

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	StartedAt string `json:"started_at,omitempty"`
	UptimeSec int64  `json:"uptime_sec,omitempty"`
}

// handleHealth returns a simple liveness check with the live session count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Sessions: s.deps.Sessions.Len(),
	}
	if !s.deps.StartedAt.IsZero() {
		resp.StartedAt = s.deps.StartedAt.UTC().Format(time.RFC3339)
		resp.UptimeSec = int64(time.Since(s.deps.StartedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}
