// Package server exposes the execution core over HTTP: client provisioning,
// the tool surface, search and exploration, and the execute/resume cycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atp-project/atp/pkg/auth"
	"github.com/atp-project/atp/pkg/config"
	"github.com/atp-project/atp/pkg/executor"
	"github.com/atp-project/atp/pkg/tools"
)

// Server is the ATP HTTP server.
type Server struct {
	cfg     *config.Config
	auth    *auth.Service
	core    *executor.Core
	catalog *tools.Catalog
	logger  *slog.Logger
	version string

	server *http.Server
}

// Options wires the server's collaborators.
type Options struct {
	Config  *config.Config
	Auth    *auth.Service
	Core    *executor.Core
	Catalog *tools.Catalog
	Logger  *slog.Logger
	Version string
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     opts.Config,
		auth:    opts.Auth,
		core:    opts.Core,
		catalog: opts.Catalog,
		logger:  logger,
		version: opts.Version,
	}
}

// Handler builds the route tree. Everything under /api except /api/init
// requires a valid client token.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/init", s.handleInit)

		api.Group(func(authed chi.Router) {
			authed.Use(auth.Middleware(s.auth))
			authed.Get("/info", s.handleInfo)
			authed.Get("/definitions", s.handleDefinitions)
			authed.Post("/search", s.handleSearch)
			authed.Post("/explore", s.handleExplore)
			authed.Post("/execute", s.handleExecute)
			authed.Post("/execute-stream", s.handleExecuteStream)
			authed.Post("/resume/{executionId}", s.handleResume)
		})
	})

	return r
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("HTTP server starting", "address", s.cfg.Server.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.cfg.Server.Address()
}

// loggingMiddleware logs requests without wrapping the ResponseWriter, which
// would break http.Flusher for the streaming endpoint.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
