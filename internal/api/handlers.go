package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/sluice/internal/auth"
	"github.com/mattjoyce/sluice/internal/queue"
	"github.com/mattjoyce/sluice/internal/router"
)

const maxRequestBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.runs.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to count in-flight runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count in-flight runs")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RunsInFlight:  depth,
		Pipeline:      s.config.PipelineFingerprint,
	})
}

// handlePreview handles POST /plans/preview. The plan is built but never
// submitted.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePlanRequest(w, r)
	if !ok {
		return
	}

	plan, err := s.engine.Plan(r.Context(), req)
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, PlanResponse{Status: StatusPlanned, Plan: plan})
}

// handleSubmit handles POST /plans.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePlanRequest(w, r)
	if !ok {
		return
	}

	res, err := s.engine.Route(r.Context(), req)
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}
	if !res.Submitted {
		respondJSON(w, http.StatusOK, PlanResponse{Status: StatusIgnored, Reason: "no stages planned", Plan: res.Plan})
		return
	}

	resp := PlanResponse{Status: StatusSubmitted, Plan: res.Plan}
	if res.Handle != nil {
		resp.RunID = res.Handle.RunID()
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	s.logger.Info("plan submitted via API", "plan_id", res.Plan.ID, "run_id", resp.RunID, "principal", principal.Name)
	respondJSON(w, http.StatusAccepted, resp)
}

// handleGetRun handles GET /runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.runs.GetRun(r.Context(), runID)
	if errors.Is(err, queue.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleCancelRun handles POST /runs/{runID}/cancel. Only runs executing in
// this process can be cancelled.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if h, ok := s.registry.Get(runID); ok {
		h.Cancel()
		principal, _ := auth.PrincipalFromContext(r.Context())
		s.logger.Info("run cancelled via API", "run_id", runID, "principal", principal.Name)
		respondJSON(w, http.StatusAccepted, CancelResponse{RunID: runID, Status: "cancelling"})
		return
	}

	run, err := s.runs.GetRun(r.Context(), runID)
	switch {
	case errors.Is(err, queue.ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		s.logger.Error("failed to get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
	default:
		s.writeError(w, http.StatusConflict, "run is "+string(run.Status))
	}
}

func (s *Server) decodePlanRequest(w http.ResponseWriter, r *http.Request) (router.Request, bool) {
	var req PlanRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return router.Request{}, false
	}
	return router.Request{Event: req.Event, Parameters: req.Parameters}, true
}

func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, router.ErrNotTriggered):
		respondJSON(w, http.StatusOK, PlanResponse{Status: StatusIgnored, Reason: err.Error()})
	case router.IsPlanningError(err):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("failed to route event", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to plan event")
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
