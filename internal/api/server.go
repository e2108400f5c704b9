package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/sluice/internal/auth"
	"github.com/mattjoyce/sluice/internal/config"
	"github.com/mattjoyce/sluice/internal/router"
)

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.Token
	// PipelineFingerprint is reported by /healthz.
	PipelineFingerprint string
}

// FromGlobalConfig converts the api section of the service config.
func FromGlobalConfig(cfg config.APIConfig) Config {
	tokens := make([]auth.Token, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.Token{Value: t.Token, Scopes: t.Scopes})
	}
	return Config{Listen: cfg.Listen, APIKey: cfg.Auth.APIKey, Tokens: tokens}
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	engine    router.Engine
	runs      RunStore
	registry  RunRegistry
	events    EventSource
	auth      *auth.Authenticator
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, engine router.Engine, runs RunStore, registry RunRegistry, events EventSource, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		engine:    engine,
		runs:      runs,
		registry:  registry,
		events:    events,
		auth:      auth.NewAuthenticator(config.APIKey, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Zero so /events streams are not cut off.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopePlansRead)).Post("/plans/preview", s.handlePreview)
		r.With(s.requireScopes(auth.ScopePlansWrite)).Post("/plans", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeRunsRead)).Get("/runs/{runID}", s.handleGetRun)
		r.With(s.requireScopes(auth.ScopeRunsWrite)).Post("/runs/{runID}/cancel", s.handleCancelRun)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
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

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := s.auth.Authenticate(token)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !principal.Has(required...) {
				s.logger.Warn("insufficient scope", "principal", principal.Name, "path", r.URL.Path, "required", required)
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
