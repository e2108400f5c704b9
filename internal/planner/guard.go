package planner

import "github.com/mattjoyce/sluice/internal/pipeline/dsl"

// GuardDecision is the answer of a DeferredGuard for a set of outcomes.
type GuardDecision int

const (
	// GuardPending means at least one dependency has not finished.
	GuardPending GuardDecision = iota
	GuardRun
	GuardSkip
)

func (d GuardDecision) String() string {
	switch d {
	case GuardRun:
		return "run"
	case GuardSkip:
		return "skip"
	default:
		return "pending"
	}
}

// DeferredGuard is the part of a stage's eligibility that cannot be known at
// plan time: whether its dependencies finished with the required result. The
// dispatcher asks it once every dependency is terminal.
type DeferredGuard struct {
	Stage     string     `json:"stage"`
	DependsOn []string   `json:"dependsOn"`
	Result    dsl.Result `json:"result"`
}

// Decide maps dependency outcomes to a decision. Succeeded needs every
// dependency to have succeeded; Failed needs at least one to have failed or
// errored; Always only needs them all finished.
func (g *DeferredGuard) Decide(outcomes map[string]StageState) GuardDecision {
	if g == nil {
		return GuardRun
	}
	anyFailed := false
	allSucceeded := true
	for _, dep := range g.DependsOn {
		state, ok := outcomes[dep]
		if !ok || !state.IsTerminal() {
			return GuardPending
		}
		switch state {
		case StateSucceeded:
		case StateFailed, StateErrored:
			anyFailed = true
			allSucceeded = false
		default:
			allSucceeded = false
		}
	}

	var run bool
	switch g.Result {
	case dsl.ResultFailed:
		run = anyFailed
	case dsl.ResultAlways:
		run = true
	default:
		run = allSucceeded
	}
	if run {
		return GuardRun
	}
	return GuardSkip
}
