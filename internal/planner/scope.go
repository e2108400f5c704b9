package planner

import (
	"github.com/mattjoyce/sluice/internal/expr"
	"github.com/mattjoyce/sluice/internal/pipeline/dsl"
	"github.com/mattjoyce/sluice/internal/trigger"
)

// Scope resolves variables from a trigger context, parameters from a
// parameter set, and optionally one bound loop variable.
type Scope struct {
	trigger trigger.Context
	params  dsl.ParameterSet
	loopVar string
	item    expr.Value
}

// NewScope returns the scope stage conditions are evaluated in.
func NewScope(tc trigger.Context, params dsl.ParameterSet) Scope {
	return Scope{trigger: tc, params: params}
}

// With returns a copy of s with name bound to v.
func (s Scope) With(name string, v expr.Value) Scope {
	s.loopVar = name
	s.item = v
	return s
}

// Resolve implements expr.Scope.
func (s Scope) Resolve(ref expr.Reference) (expr.Value, error) {
	switch {
	case ref.Root == "variables" && len(ref.Path) > 0:
		if v, ok := s.trigger.Lookup(ref.Name()); ok {
			return v, nil
		}
	case ref.Root == "parameters" && len(ref.Path) > 0:
		if v, ok := s.params.Get(ref.Name()); ok {
			return v, nil
		}
	case s.loopVar != "" && ref.Root == s.loopVar && len(ref.Path) == 0:
		return s.item, nil
	}
	return expr.Null, &expr.UnknownIdentifierError{Name: ref.String()}
}
