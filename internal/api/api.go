// Package api provides HTTP handlers and the main API server logic for leadflow.
//
// It exposes RESTful endpoints for flow definitions, session progression, and
// the analytics reports derived from the daily aggregates.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/analytics"
	"github.com/geoffroyotegbeye/leadflow/internal/assistant"
	"github.com/geoffroyotegbeye/leadflow/internal/flow"
	"github.com/geoffroyotegbeye/leadflow/internal/models"
)

// Constants for server configuration
const (
	// DefaultAddr is the default listen address for the API server
	DefaultAddr = ":8080"
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP surface to the tracker, reporter, and flow accessor.
type Server struct {
	addr       string
	tracker    *flow.Tracker
	reporter   *analytics.Reporter
	flows      *assistant.Accessor
	httpServer *http.Server
}

// NewServer creates an API server over the given components.
func NewServer(tracker *flow.Tracker, reporter *analytics.Reporter, flows *assistant.Accessor, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating API server", "addr", cfg.Addr)
	return &Server{
		addr:     cfg.Addr,
		tracker:  tracker,
		reporter: reporter,
		flows:    flows,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionHandler)
	mux.HandleFunc("/flows/", s.flowHandler)
	mux.HandleFunc("/analytics/overview", s.overviewHandler)
	mux.HandleFunc("/analytics/time-series", s.timeSeriesHandler)
	mux.HandleFunc("/analytics/node-performance", s.nodePerformanceHandler)
	mux.HandleFunc("/analytics/sources", s.sourcesHandler)
	mux.HandleFunc("/analytics/responses", s.responsesHandler)
	mux.HandleFunc("/analytics/leads", s.leadsHandler)
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	slog.Info("API server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// isValidationError reports whether err is a client input error.
func isValidationError(err error) bool {
	for _, sentinel := range []error{
		models.ErrInvalidFlow,
		models.ErrEmptyFlowID,
		models.ErrEmptyNodeID,
		models.ErrEmptyContent,
		models.ErrContentTooLong,
		models.ErrInvalidSender,
		models.ErrInvalidContentType,
		models.ErrInvalidStatus,
		models.ErrSourceTagTooLong,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
