package dispatch

import (
	"context"
	"maps"
	"sync"

	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/queue"
)

// Handle tracks one submitted run.
type Handle struct {
	runID  string
	plan   *planner.Plan
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	status       queue.RunStatus
	states       map[string]planner.StageState
	supersededBy string
}

func newHandle(runID string, plan *planner.Plan, cancel context.CancelFunc) *Handle {
	states := make(map[string]planner.StageState, len(plan.Stages))
	for _, s := range plan.Stages {
		states[s.Name] = planner.StatePlanned
	}
	return &Handle{
		runID:  runID,
		plan:   plan,
		cancel: cancel,
		done:   make(chan struct{}),
		status: queue.RunRunning,
		states: states,
	}
}

func (h *Handle) RunID() string         { return h.runID }
func (h *Handle) PlanID() string        { return h.plan.ID }
func (h *Handle) Key() string           { return h.plan.Key }
func (h *Handle) Plan() *planner.Plan   { return h.plan }
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the run status; it is RunRunning until Done is closed.
func (h *Handle) Status() queue.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Outcomes returns a copy of the current stage states.
func (h *Handle) Outcomes() map[string]planner.StageState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.states)
}

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (queue.RunStatus, error) {
	select {
	case <-h.done:
		return h.Status(), nil
	case <-ctx.Done():
		return queue.RunRunning, ctx.Err()
	}
}

// Cancel stops the run. Running agents are terminated and stages that have
// not started are skipped. The run finishes as cancelled.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) transition(stage string, from, to planner.StageState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return planner.Transition(h.states, stage, from, to)
}

func (h *Handle) outcomesOf(stages []string) map[string]planner.StageState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]planner.StageState, len(stages))
	for _, s := range stages {
		out[s] = h.states[s]
	}
	return out
}

// supersede marks the run as replaced by runID and cancels it. It reports
// false when the run already finished.
func (h *Handle) supersede(by string) bool {
	h.mu.Lock()
	if h.status.IsTerminal() || h.supersededBy != "" {
		h.mu.Unlock()
		return false
	}
	h.supersededBy = by
	h.mu.Unlock()
	h.cancel()
	return true
}

func (h *Handle) finish(status queue.RunStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	close(h.done)
}
