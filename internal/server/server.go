// Package server exposes the orchestrator over HTTP: a JSON REST API for
// issue lifecycle actions and an SSE stream for live session events.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/steveyegge/glass/internal/events"
	"github.com/steveyegge/glass/internal/lifecycle"
	"github.com/steveyegge/glass/internal/sentry"
	"github.com/steveyegge/glass/internal/session"
	"github.com/steveyegge/glass/internal/storage"
)

// Server is the glass HTTP server.
type Server struct {
	orchestrator *lifecycle.Orchestrator
	store        *storage.Storage
	refresher    *sentry.Refresher
	sessions     *session.Registry
	events       *events.Broadcaster
	logger       *log.Logger

	httpServer *http.Server
}

// Config holds server dependencies.
type Config struct {
	Listen       string
	Orchestrator *lifecycle.Orchestrator
	Store        *storage.Storage
	Refresher    *sentry.Refresher // optional; refresh endpoints 503 without it
	Sessions     *session.Registry
	Events       *events.Broadcaster
	Logger       *log.Logger
}

// New creates the server and registers its routes.
func New(cfg *Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event broadcaster is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		orchestrator: cfg.Orchestrator,
		store:        cfg.Store,
		refresher:    cfg.Refresher,
		sessions:     cfg.Sessions,
		events:       cfg.Events,
		logger:       logger,
	}

	mux := http.NewServeMux()
	// Health is served unversioned (clients poll /health) with the
	// versioned path kept as an alias.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/issues", s.handleListIssues)
	mux.HandleFunc("POST /api/v1/issues/refresh", s.handleRefreshAll)
	mux.HandleFunc("GET /api/v1/issues/{id}", s.handleGetIssue)
	mux.HandleFunc("POST /api/v1/issues/{id}/refresh", s.handleRefreshIssue)
	mux.HandleFunc("GET /api/v1/issues/{id}/session", s.handleGetSession)
	mux.HandleFunc("POST /api/v1/issues/{id}/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/v1/issues/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/issues/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/v1/issues/{id}/request-changes", s.handleRequestChanges)
	mux.HandleFunc("POST /api/v1/issues/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /api/v1/issues/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/v1/issues/{id}/message", s.handleMessage)
	mux.HandleFunc("GET /api/v1/issues/{id}/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// ListenAndServe runs the server until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("glass-server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops accepting connections and drains in-flight
// requests (including open SSE streams, which close when their session
// buffers complete or the context expires).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"activeSessions": s.sessions.Len(),
	})
}
