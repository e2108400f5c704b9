// Package doctor checks a loaded configuration and its pipeline for problems
// that loading alone does not catch.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/sluice/internal/auth"
	"github.com/mattjoyce/sluice/internal/config"
	"github.com/mattjoyce/sluice/internal/pipeline/dsl"
	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/trigger"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against its compiled pipeline.
type Doctor struct {
	cfg *config.Config
	doc *dsl.Document
}

// New creates a Doctor from a loaded config and pipeline document.
func New(cfg *config.Config, doc *dsl.Document) *Doctor {
	return &Doctor{cfg: cfg, doc: doc}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateRunner(r)
	d.validateTokenScopes(r)
	d.validateListeners(r)
	if params, ok := d.validateParameters(r); ok {
		d.validatePlans(r, params)
	}
	d.warnEmptyStages(r)
	d.warnAdminKey(r)
	d.warnSuspiciousSchedule(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateRunner checks that the agent entrypoint can be executed.
func (d *Doctor) validateRunner(r *Result) {
	ep := d.cfg.Runner.Entrypoint
	if ep == "" {
		d.addWarning(r, "runner", "runner.entrypoint", "no agent configured; jobs are logged and reported as succeeded")
		if d.cfg.Runner.WorkspaceDir != "" {
			d.addWarning(r, "runner", "runner.workspace_dir", "workspace_dir has no effect without an agent")
		}
		return
	}
	if !strings.ContainsRune(ep, os.PathSeparator) {
		if _, err := exec.LookPath(ep); err != nil {
			d.addError(r, "runner", "runner.entrypoint", fmt.Sprintf("agent %q not found in PATH", ep))
		}
		return
	}
	info, err := os.Stat(ep)
	if err != nil {
		d.addError(r, "runner", "runner.entrypoint", fmt.Sprintf("agent %q: %v", ep, err))
		return
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		d.addError(r, "runner", "runner.entrypoint", fmt.Sprintf("agent %q is not executable", ep))
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.ValidScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, plans:ro|rw, runs:ro|rw or events:ro|rw)", scope))
			}
		}
	}
}

func (d *Doctor) validateListeners(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.Webhooks == nil {
		return
	}
	if d.cfg.API.Listen == d.cfg.Webhooks.Listen {
		d.addError(r, "listen", "webhooks.listen",
			fmt.Sprintf("webhooks and API both listen on %s", d.cfg.API.Listen))
	}
}

// validateParameters applies the configured overrides to the pipeline
// defaults.
func (d *Doctor) validateParameters(r *Result) (dsl.ParameterSet, bool) {
	params, err := d.doc.Override(d.doc.Defaults, d.cfg.Pipeline.Parameters)
	if err != nil {
		d.addError(r, "parameters", "pipeline.parameters", err.Error())
		return nil, false
	}
	return params, true
}

// sample is a representative event for one trigger.
type sample struct {
	label string
	event trigger.Event
}

// samples derives events from the configured schedules and the pipeline's
// branch filters. Wildcard patterns are filled in with a placeholder name.
func (d *Doctor) samples() []sample {
	var out []sample
	for _, sc := range d.cfg.Schedules {
		out = append(out, sample{
			label: "schedule " + sc.Name,
			event: trigger.Event{Reason: string(trigger.ReasonSchedule), SourceBranch: sc.Branch, RepositoryName: sc.Repository},
		})
	}
	for _, b := range sampleBranches(d.doc.Push) {
		out = append(out, sample{
			label: "push to " + b,
			event: trigger.Event{Reason: string(trigger.ReasonIndividualCI), SourceBranch: b, RepositoryName: "sample/repo"},
		})
	}
	for _, b := range sampleBranches(d.doc.PR) {
		out = append(out, sample{
			label: "pull request into " + b,
			event: trigger.Event{
				Reason:            string(trigger.ReasonPullRequest),
				SourceBranch:      "refs/pull/1/merge",
				PullRequestNumber: 1,
				TargetBranch:      b,
				RepositoryName:    "sample/repo",
			},
		})
	}
	return out
}

func sampleBranches(f dsl.BranchFilter) []string {
	if len(f.Include) == 0 {
		return []string{"main"}
	}
	out := make([]string, 0, len(f.Include))
	for _, p := range f.Include {
		out = append(out, strings.ReplaceAll(p, "*", "sample"))
	}
	return out
}

// validatePlans plans every sample event. Planning failures are errors;
// stages no sample ever plans are warnings.
func (d *Doctor) validatePlans(r *Result, params dsl.ParameterSet) {
	policy, err := planner.ParseEmptyStagePolicy(d.cfg.Planner.EmptyStages)
	if err != nil {
		d.addError(r, "planner", "planner.empty_stages", err.Error())
		return
	}
	opts := planner.Options{EmptyStages: policy}

	planned := make(map[string]bool)
	for _, s := range d.samples() {
		tc, err := trigger.Classify(s.event)
		if err != nil {
			d.addError(r, "pipeline", "", fmt.Sprintf("%s: %v", s.label, err))
			continue
		}
		plan, err := planner.Build(d.doc, tc, params, opts)
		if err != nil {
			d.addError(r, "pipeline", "", fmt.Sprintf("%s: %v", s.label, err))
			continue
		}
		if len(plan.Stages) == 0 && tc.Reason == trigger.ReasonSchedule {
			d.addWarning(r, "schedule", "", fmt.Sprintf("%s plans no stages", s.label))
		}
		for _, st := range plan.Stages {
			planned[st.Name] = true
		}
	}

	var unplanned []string
	for _, st := range d.doc.Stages {
		if !planned[st.Name] {
			unplanned = append(unplanned, st.Name)
		}
	}
	sort.Strings(unplanned)
	for _, name := range unplanned {
		d.addWarning(r, "pipeline", "stages."+name, "not planned by any configured schedule, push or pull request branch")
	}
}

func (d *Doctor) warnEmptyStages(r *Result) {
	for _, st := range d.doc.Stages {
		if len(st.Jobs) == 0 && st.Notify == nil {
			d.addWarning(r, "pipeline", "stages."+st.Name, "stage has no jobs and no notification")
		}
	}
}

func (d *Doctor) warnAdminKey(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants every scope; prefer scoped tokens for clients such as watch")
	}
}

// warnSuspiciousSchedule warns about intervals shorter than the scheduler
// tick, which can never fire on time.
func (d *Doctor) warnSuspiciousSchedule(r *Result) {
	for i, sc := range d.cfg.Schedules {
		interval, err := config.ParseInterval(sc.Every)
		if err != nil {
			continue
		}
		field := fmt.Sprintf("schedules[%d].every", i)
		if interval < time.Minute {
			d.addWarning(r, "schedule", field, fmt.Sprintf("schedule interval %q is very short (< 1m)", sc.Every))
		}
		if interval < d.cfg.Service.TickInterval {
			d.addWarning(r, "schedule", field,
				fmt.Sprintf("schedule interval %q is shorter than service.tick_interval %s", sc.Every, d.cfg.Service.TickInterval))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
