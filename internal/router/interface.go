package router

import (
	"context"

	"github.com/mattjoyce/sluice/internal/dispatch"
	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/trigger"
)

//go:generate mockgen -destination=mocks/mock_submitter.go -package=mocks github.com/mattjoyce/sluice/internal/router Submitter

// Request is one event to plan, with optional name=value parameter overrides.
type Request struct {
	Event      trigger.Event
	Parameters []string
}

// Result describes a routing decision. Plans without stages are not
// submitted.
type Result struct {
	Plan      *planner.Plan
	Submitted bool
	Handle    *dispatch.Handle
}

// Submitter accepts plans for execution.
type Submitter interface {
	Submit(ctx context.Context, plan *planner.Plan) (*dispatch.Handle, error)
}

// Engine maps events to plans and, for Route, submits them.
type Engine interface {
	// Plan classifies and plans an event without submitting it.
	Plan(ctx context.Context, req Request) (*planner.Plan, error)
	Route(ctx context.Context, req Request) (*Result, error)
}
