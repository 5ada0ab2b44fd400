// Package ops serves the operational HTTP surface of the daemon: liveness,
// readiness, build info, Prometheus metrics, a manual refresh trigger and a
// websocket tap on the event manager.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/events"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/orchestration"
)

// Orchestrator is the part of the orchestration API the ops surface drives.
type Orchestrator interface {
	Healthy(ctx context.Context) error
	RefreshAll(ctx context.Context) (orchestration.RefreshReport, error)
	ListDeployments(ctx context.Context, forceRefresh bool) ([]entity.WorkflowDeployment, error)
}

// HTTPRecorder records request metrics.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
}

// Config configures the ops server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MetricsPath mounts Metrics; ignored when Metrics is nil.
	MetricsPath string

	Stream StreamConfig
}

// Deps are the collaborators behind the routes. Only Orchestrator is required.
type Deps struct {
	Orchestrator Orchestrator
	Events       events.Manager
	Metrics      http.Handler
	Recorder     HTTPRecorder
	Logger       logger.Logger
}

// Server is the ops HTTP server.
type Server struct {
	cfg    Config
	server *http.Server
	router chi.Router
	stream *streamHandler
	log    logger.Logger
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("ops: orchestrator is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Global().Named("ops")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{cfg: cfg, log: deps.Logger}
	if deps.Events != nil {
		s.stream = newStreamHandler(deps.Events, cfg.Stream, deps.Logger)
	}
	s.router = newRouter(cfg, deps, s.stream)
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln and blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("ops server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("ops server failed", "error", err)
		return fmt.Errorf("serve ops: %w", err)
	}
	return nil
}

// Shutdown closes open event streams and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if s.stream != nil {
		s.stream.closeAll()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Error("ops server shutdown failed", "error", err)
		return fmt.Errorf("shutdown ops: %w", err)
	}
	s.log.Info("ops server stopped")
	return nil
}
