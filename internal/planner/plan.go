package planner

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/sluice/internal/pipeline/dsl"
	"github.com/mattjoyce/sluice/internal/trigger"
	"github.com/zeebo/blake3"
)

// EmptyStagePolicy decides whether a stage that declares jobs but expands to
// none still satisfies its dependents.
type EmptyStagePolicy string

const (
	EmptyStagesSatisfied EmptyStagePolicy = "satisfied"
	EmptyStagesExcluded  EmptyStagePolicy = "excluded"
)

// ParseEmptyStagePolicy accepts "satisfied" (the default when empty) or
// "excluded".
func ParseEmptyStagePolicy(raw string) (EmptyStagePolicy, error) {
	switch EmptyStagePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", EmptyStagesSatisfied:
		return EmptyStagesSatisfied, nil
	case EmptyStagesExcluded:
		return EmptyStagesExcluded, nil
	}
	return "", fmt.Errorf("unknown empty stage policy %q (want satisfied or excluded)", raw)
}

// Options tune plan resolution.
type Options struct {
	EmptyStages EmptyStagePolicy
}

// Notification is a notify block with its values evaluated. It is only sent
// when the owning stage's guard fires.
type Notification struct {
	Channel  string `json:"channel"`
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
}

// PlannedStage is one stage of a Plan.
type PlannedStage struct {
	Name         string         `json:"name"`
	DisplayName  string         `json:"displayName,omitempty"`
	DependsOn    []string       `json:"dependsOn,omitempty"`
	Guard        *DeferredGuard `json:"guard,omitempty"`
	Jobs         []JobInstance  `json:"jobs"`
	Notification *Notification  `json:"notification,omitempty"`
}

// Exclusion records why a defined stage is absent from a plan.
type Exclusion struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Plan is the ordered set of stages to dispatch for one event. Every stage's
// dependencies appear before it.
type Plan struct {
	ID                  string           `json:"id"`
	Key                 string           `json:"key"`
	Trigger             trigger.Context  `json:"trigger"`
	AutoCancel          bool             `json:"autoCancel"`
	DocumentFingerprint string           `json:"documentFingerprint"`
	Parameters          dsl.ParameterSet `json:"parameters"`
	Stages              []PlannedStage   `json:"stages"`
	Excluded            []Exclusion      `json:"excluded,omitempty"`
}

// Stage returns the named planned stage.
func (p *Plan) Stage(name string) (*PlannedStage, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// JobCount is the number of job instances across all stages.
func (p *Plan) JobCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.Jobs)
	}
	return n
}

// Build runs Select then Resolve for a classified trigger context. A nil
// params uses the document defaults.
func Build(doc *dsl.Document, tc trigger.Context, params dsl.ParameterSet, opts Options) (*Plan, error) {
	if params == nil {
		params = doc.Defaults
	}
	sel, err := Select(doc, tc, params)
	if err != nil {
		return nil, err
	}
	return Resolve(doc, sel, tc, params, opts)
}

// Resolve orders the selection and decides which stages are planned. A stage
// is planned when its condition held and every dependency is planned; an
// excluded stage excludes all of its dependents. Stages with dependencies
// carry a DeferredGuard.
func Resolve(doc *dsl.Document, sel *Selection, tc trigger.Context, params dsl.ParameterSet, opts Options) (*Plan, error) {
	order, err := Order(doc.Stages)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = doc.Defaults
	}
	policy := opts.EmptyStages
	if policy == "" {
		policy = EmptyStagesSatisfied
	}

	plan := &Plan{
		Key:                 Key(tc),
		Trigger:             tc,
		AutoCancel:          doc.AutoCancel && tc.Reason == trigger.ReasonPullRequest,
		DocumentFingerprint: doc.Fingerprint,
		Parameters:          params,
		Stages:              make([]PlannedStage, 0, len(doc.Stages)),
	}
	scope := NewScope(tc, params)

	planned := make(map[string]bool, len(doc.Stages))
	for _, idx := range order {
		stage := doc.Stages[idx]
		if reason := exclusionReason(stage, sel, planned, policy); reason != "" {
			plan.Excluded = append(plan.Excluded, Exclusion{Stage: stage.Name, Reason: reason})
			continue
		}
		planned[stage.Name] = true

		ps := PlannedStage{
			Name:        stage.Name,
			DisplayName: stage.DisplayName,
			DependsOn:   append([]string(nil), stage.DependsOn...),
			Jobs:        sel.Jobs[stage.Name],
		}
		if ps.Jobs == nil {
			ps.Jobs = []JobInstance{}
		}
		if len(stage.DependsOn) > 0 {
			ps.Guard = &DeferredGuard{
				Stage:     stage.Name,
				DependsOn: ps.DependsOn,
				Result:    stage.Result,
			}
		}
		if stage.Notify != nil {
			n, err := resolveNotification(stage.Notify, scope)
			if err != nil {
				return nil, fmt.Errorf("stage %q notify: %w", stage.Name, err)
			}
			ps.Notification = n
		}
		plan.Stages = append(plan.Stages, ps)
	}

	id, err := fingerprintPlan(plan)
	if err != nil {
		return nil, err
	}
	plan.ID = id
	return plan, nil
}

func exclusionReason(stage dsl.Stage, sel *Selection, planned map[string]bool, policy EmptyStagePolicy) string {
	if !sel.Selected[stage.Name] {
		return "condition is false"
	}
	for _, dep := range stage.DependsOn {
		if !planned[dep] {
			return fmt.Sprintf("dependency %q is excluded", dep)
		}
	}
	if policy == EmptyStagesExcluded && len(stage.Jobs) > 0 && len(sel.Jobs[stage.Name]) == 0 {
		return "no job instances"
	}
	return ""
}

func resolveNotification(n *dsl.Notification, scope Scope) (*Notification, error) {
	target, err := resolveValue(n.TargetID, scope)
	if err != nil {
		return nil, fmt.Errorf("targetId: %w", err)
	}
	msg, err := resolveValue(n.Message, scope)
	if err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return &Notification{
		Channel:  n.Channel,
		TargetID: target.String(),
		Message:  msg.String(),
	}, nil
}

// Key is the identity shared by every plan for the same repository, reason
// and source branch. A newer plan with the same key supersedes older ones.
func Key(tc trigger.Context) string {
	h := blake3.New()
	for _, part := range []string{tc.RepositoryName, string(tc.Reason), tc.SourceBranch} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}

func fingerprintPlan(p *Plan) (string, error) {
	shape := *p
	shape.ID = ""
	body, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("marshal plan fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
