package planner

import "fmt"

// StageState is the lifecycle state of one stage for one event.
type StageState string

const (
	StateUnevaluated StageState = "unevaluated"
	StateExcluded    StageState = "excluded"
	StatePlanned     StageState = "planned"
	StateDispatched  StageState = "dispatched"
	StateSkipped     StageState = "skipped"
	StateSucceeded   StageState = "succeeded"
	StateFailed      StageState = "failed"
	StateErrored     StageState = "errored"
)

// IsTerminal reports whether no further transition is possible from s.
func (s StageState) IsTerminal() bool {
	switch s {
	case StateExcluded, StateSkipped, StateSucceeded, StateFailed, StateErrored:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to StageState) bool {
	switch from {
	case StateUnevaluated:
		return to == StateExcluded || to == StatePlanned
	case StatePlanned:
		return to == StateDispatched || to == StateSkipped
	case StateDispatched:
		return to == StateSucceeded || to == StateFailed || to == StateErrored
	default:
		return false
	}
}

// Transition moves stage from one state to another in states. The caller
// supplies the expected prior state so lost updates are observable; states is
// changed only when the transition is legal.
func Transition(states map[string]StageState, stage string, from, to StageState) error {
	cur, ok := states[stage]
	if !ok {
		return fmt.Errorf("unknown stage in state: %q", stage)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", stage, from, cur)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", stage, from, to)
	}
	states[stage] = to
	return nil
}
