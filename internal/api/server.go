// Package api is the HTTP request layer: REST endpoints, SSE and WebSocket
// event streams, and the per-project MCP tool mount.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/auth"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/mcptools"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattjoyce/appforge/internal/api ProjectService

// ProjectService is the orchestrator surface the API drives.
type ProjectService interface {
	Generate(ctx context.Context, req orchestrator.GenerateRequest) (workspace.Workspace, error)
	Regenerate(ctx context.Context, id, prompt string) (workspace.Workspace, error)
	Cancel(ctx context.Context, id string) (workspace.Workspace, error)
	Delete(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (workspace.Workspace, error)
	Status(ctx context.Context, id string) (orchestrator.Status, error)
	List(ctx context.Context, states ...workspace.State) ([]workspace.Workspace, error)
	ListFiles(ctx context.Context, id string) ([]orchestrator.FileInfo, error)
	PreviewEndpoint(ctx context.Context, id string) (orchestrator.Endpoint, error)
	RestartPreview(ctx context.Context, id string) (supervisor.Process, error)
	Records(ctx context.Context, id string) ([]audit.Record, error)
}

// EventSource opens per-project event subscriptions.
type EventSource interface {
	Subscribe(projectID string, fromSeq uint64) *events.Subscription
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the admin bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens  []auth.TokenConfig
	Version string
}

// Deps are the services behind the endpoints.
type Deps struct {
	Projects ProjectService
	Events   EventSource
	// Tools backs the MCP mount. Nil leaves it unrouted.
	Tools mcptools.Dispatcher
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	keys      *auth.Keyring
	projects  ProjectService
	events    EventSource
	tools     mcptools.Dispatcher
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	keepAlive    time.Duration
	pingInterval time.Duration
}

// New creates a new API server instance.
func New(config Config, d Deps, logger *slog.Logger) *Server {
	return &Server{
		config:       config,
		keys:         auth.NewKeyring(config.APIKey, config.Tokens),
		projects:     d.Projects,
		events:       d.Events,
		tools:        d.Tools,
		logger:       logger,
		startedAt:    time.Now(),
		keepAlive:    15 * time.Second,
		pingInterval: 30 * time.Second,
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: event streams and ?wait=true requests are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		read := r.With(s.requireScopes(auth.ScopeProjectsRead))
		read.Get("/openapi.json", s.handleOpenAPI)
		read.Get("/projects", s.handleListProjects)
		read.Get("/projects/{id}/status", s.handleStatus)
		read.Get("/projects/{id}/files", s.handleFiles)
		read.Get("/projects/{id}/preview", s.handlePreview)
		read.Get("/projects/{id}/events", s.handleEvents)
		read.Get("/projects/{id}/invocations", s.handleInvocations)
		read.Get("/ws/{id}", s.handleWebSocket)

		write := r.With(s.requireScopes(auth.ScopeProjectsWrite))
		write.Post("/generate", s.handleGenerate)
		write.Post("/projects/{id}/regenerate", s.handleRegenerate)
		write.Post("/projects/{id}/cancel", s.handleCancel)
		write.Post("/projects/{id}/preview/restart", s.handleRestartPreview)
		write.Delete("/projects/{id}", s.handleDelete)

		if s.tools != nil {
			mount := mcptools.NewHTTPHandler(s.tools, s.config.Version, func(r *http.Request) string {
				return chi.URLParam(r, "id")
			})
			r.With(s.requireScopes(auth.ScopeTools)).Handle("/projects/{id}/mcp", mount)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
