package api

import (
	"context"

	"github.com/mattjoyce/sluice/internal/dispatch"
	"github.com/mattjoyce/sluice/internal/events"
	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/queue"
	"github.com/mattjoyce/sluice/internal/trigger"
)

// RunStore reads the run ledger.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*queue.Run, error)
	Depth(ctx context.Context) (int, error)
}

// RunRegistry looks up runs that are still executing in this process.
type RunRegistry interface {
	Get(runID string) (*dispatch.Handle, bool)
}

// EventSource is the read side of the event hub.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// PlanRequest is the JSON body for POST /plans and POST /plans/preview.
type PlanRequest struct {
	Event      trigger.Event `json:"event"`
	Parameters []string      `json:"parameters,omitempty"`
}

// PlanResponse statuses.
const (
	StatusPlanned   = "planned"
	StatusSubmitted = "submitted"
	StatusIgnored   = "ignored"
)

// PlanResponse is returned by the plan endpoints. Plan is omitted when the
// event was not triggered.
type PlanResponse struct {
	Status string        `json:"status"`
	RunID  string        `json:"run_id,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Plan   *planner.Plan `json:"plan,omitempty"`
}

// CancelResponse is returned by POST /runs/{runID}/cancel.
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	RunsInFlight  int    `json:"runs_in_flight"`
	Pipeline      string `json:"pipeline_fingerprint,omitempty"`
}
