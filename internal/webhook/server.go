package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/sluice/internal/router"
	"github.com/mattjoyce/sluice/internal/trigger"
)

// Server is the webhook HTTP server.
type Server struct {
	config Config
	router EventRouter
	logger *slog.Logger
	server *http.Server

	endpoints map[string]*EndpointConfig
}

// New creates a webhook server.
func New(config Config, r EventRouter, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		if ep.Format == "" {
			ep.Format = FormatDescriptor
		}
		endpoints[ep.Path] = ep
	}
	return &Server{
		config:    config,
		router:    r,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifySignature(body, r.Header.Get(endpoint.SignatureHeader), endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	ev, err := decodeEvent(endpoint.Format, r.Header.Get(GitHubEventHeader), body)
	if errors.Is(err, trigger.ErrIgnoredEvent) {
		s.logger.Debug("webhook delivery ignored", "path", r.URL.Path, "reason", err)
		s.respondJSON(w, http.StatusOK, TriggerResponse{Status: StatusIgnored, Reason: err.Error()})
		return
	}
	if err != nil {
		status := http.StatusBadRequest
		var malformed *trigger.MalformedEventError
		if errors.As(err, &malformed) {
			status = http.StatusUnprocessableEntity
		}
		s.respondError(w, status, err.Error())
		return
	}

	res, err := s.router.Route(r.Context(), router.Request{Event: ev})
	if errors.Is(err, router.ErrNotTriggered) {
		s.respondJSON(w, http.StatusOK, TriggerResponse{Status: StatusIgnored, Reason: err.Error()})
		return
	}
	if err != nil {
		if router.IsPlanningError(err) {
			s.logger.Warn("event could not be planned", "path", r.URL.Path, "error", err)
			s.respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("failed to route webhook event", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to submit plan")
		return
	}

	resp := TriggerResponse{
		PlanID: res.Plan.ID,
		Stages: len(res.Plan.Stages),
		Jobs:   res.Plan.JobCount(),
	}
	if !res.Submitted {
		resp.Status = StatusIgnored
		resp.Reason = "no stages planned"
		s.respondJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = StatusSubmitted
	if res.Handle != nil {
		resp.RunID = res.Handle.RunID()
	}
	s.logger.Info("webhook plan submitted", "path", r.URL.Path, "plan_id", resp.PlanID, "run_id", resp.RunID)
	s.respondJSON(w, http.StatusAccepted, resp)
}

func decodeEvent(format Format, githubEvent string, body []byte) (trigger.Event, error) {
	if format == FormatGitHub {
		return trigger.FromGitHub(githubEvent, body)
	}
	var ev trigger.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return trigger.Event{}, fmt.Errorf("invalid event descriptor: %w", err)
	}
	return ev, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
