package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vivavoce/viva/pkg/exam/backend"
	"github.com/vivavoce/viva/pkg/exam/session"
	"github.com/vivavoce/viva/pkg/gateway/config"
	"github.com/vivavoce/viva/pkg/gateway/handlers"
	"github.com/vivavoce/viva/pkg/gateway/lifecycle"
	"github.com/vivavoce/viva/pkg/gateway/live/sessions"
	"github.com/vivavoce/viva/pkg/gateway/mw"
	"github.com/vivavoce/viva/pkg/gateway/ratelimit"
)

// Dependencies carries the externally constructed collaborators; the server
// owns only routing and middleware.
type Dependencies struct {
	Backend      backend.Conversation
	Scorer       backend.Scorer
	Store        session.Store
	StorePinger  handlers.Pinger
	NewSessionID func() string
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps      Dependencies
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			MaxSessionsPerPrincipal: cfg.MaxSessionsPerPrincipal,
		}),
		lifecycle: &lifecycle.Lifecycle{},
		tracker:   sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:         s.cfg,
		Lifecycle:      s.lifecycle,
		Store:          s.deps.StorePinger,
		ActiveSessions: s.tracker.Count,
	})

	s.mux.Handle("/v1/sessions", handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Backend:      s.deps.Backend,
		Scorer:       s.deps.Scorer,
		Store:        s.deps.Store,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		Sessions:     s.tracker,
		NewSessionID: s.deps.NewSessionID,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness to not-ready and makes the live handler refuse
// new sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells active candidates the gateway is going away.
func (s *Server) WarnLiveSessionsDraining() {
	n := s.tracker.WarnAll("draining", "the assessment server is shutting down soon")
	if n > 0 {
		s.logger.Info("warned live sessions", "count", n)
	}
}

// WaitLiveSessions blocks until active sessions drain or ctx expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelLiveSessions aborts whatever is still running; their ledgers are
// already persisted write-through.
func (s *Server) CancelLiveSessions() {
	n := s.tracker.CancelAll("server_shutdown")
	if n > 0 {
		s.logger.Info("canceled live sessions", "count", n)
	}
}
