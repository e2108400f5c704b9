package planner

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/mattjoyce/sluice/internal/expr"
	"github.com/mattjoyce/sluice/internal/pipeline/dsl"
	"github.com/mattjoyce/sluice/internal/trigger"
)

// JobInstance is one concrete job: a template with every parameter resolved.
type JobInstance struct {
	ID         string                `json:"id"`
	Stage      string                `json:"stage"`
	Name       string                `json:"name"`
	Template   string                `json:"template"`
	Index      int                   `json:"index,omitempty"`
	Item       string                `json:"item,omitempty"`
	Parameters map[string]expr.Value `json:"parameters"`
}

// Selection is the stage planner's output: which stages' conditions held and
// the job instances of each selected stage.
type Selection struct {
	Selected map[string]bool
	Jobs     map[string][]JobInstance
}

// Select evaluates every stage condition in declaration order and expands the
// jobs of the stages that hold. Conditions are evaluated even for stages whose
// dependencies will later exclude them, so a bad reference fails every event
// rather than only the events that reach it.
func Select(doc *dsl.Document, tc trigger.Context, params dsl.ParameterSet) (*Selection, error) {
	if params == nil {
		params = doc.Defaults
	}
	scope := NewScope(tc, params)

	sel := &Selection{
		Selected: make(map[string]bool, len(doc.Stages)),
		Jobs:     make(map[string][]JobInstance),
	}
	for _, stage := range doc.Stages {
		ok, err := expr.EvalBool(stage.Condition, scope)
		if err != nil {
			return nil, fmt.Errorf("stage %q condition: %w", stage.Name, err)
		}
		sel.Selected[stage.Name] = ok
	}

	for _, stage := range doc.Stages {
		if !sel.Selected[stage.Name] {
			continue
		}
		jobs := make([]JobInstance, 0, len(stage.Jobs))
		for _, job := range stage.Jobs {
			expanded, err := expandJob(stage.Name, job, scope, params)
			if err != nil {
				return nil, fmt.Errorf("stage %q job %q: %w", stage.Name, job.Name, err)
			}
			jobs = append(jobs, expanded...)
		}
		sel.Jobs[stage.Name] = jobs
	}
	return sel, nil
}

func expandJob(stage string, job dsl.Job, scope Scope, params dsl.ParameterSet) ([]JobInstance, error) {
	base := stage + "/" + job.Name
	if job.Each == "" {
		values, err := resolveParams(job.Parameters, scope)
		if err != nil {
			return nil, err
		}
		return []JobInstance{{
			ID:         base,
			Stage:      stage,
			Name:       job.Name,
			Template:   job.Template,
			Parameters: values,
		}}, nil
	}

	list, ok := params.Get(job.Each)
	if !ok {
		return nil, &expr.UnknownIdentifierError{Name: "parameters." + job.Each}
	}
	if list.Kind() != expr.KindList {
		return nil, fmt.Errorf("each: parameter %q is %s, not a list", job.Each, list.Kind())
	}

	items := list.Items()
	out := make([]JobInstance, 0, len(items))
	for i, item := range items {
		values, err := resolveParams(job.Parameters, scope.With(job.As, expr.String(item)))
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", job.Each, i, err)
		}
		out = append(out, JobInstance{
			ID:         base + "[" + strconv.Itoa(i) + "]",
			Stage:      stage,
			Name:       job.Name,
			Template:   job.Template,
			Index:      i,
			Item:       item,
			Parameters: values,
		})
	}
	return out, nil
}

func resolveParams(in map[string]dsl.ParamValue, scope Scope) (map[string]expr.Value, error) {
	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]expr.Value, len(in))
	for _, name := range names {
		v, err := resolveValue(in[name], scope)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func resolveValue(pv dsl.ParamValue, scope Scope) (expr.Value, error) {
	if pv.Expr == nil {
		return pv.Literal, nil
	}
	return expr.Eval(pv.Expr, scope)
}
