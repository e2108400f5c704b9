package planner

import (
	"errors"
	"strings"
)

// ErrCycle is matched by every *CyclicDependencyError.
var ErrCycle = errors.New("cyclic stage dependency")

// CyclicDependencyError reports a dependsOn cycle. Cycle is one witness path
// in dependency direction, closed on its first stage: [A B A] means A depends
// on B and B depends on A.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Cycle) == 0 {
		return ErrCycle.Error()
	}
	return ErrCycle.Error() + ": " + strings.Join(e.Cycle, " -> ")
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCycle }
