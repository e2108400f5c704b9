package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mattjoyce/sluice/internal/expr"
	"github.com/mattjoyce/sluice/internal/log"
	"github.com/mattjoyce/sluice/internal/pipeline/dsl"
	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/trigger"
)

// ErrNotTriggered is returned for events the document's trigger or pr branch
// filters reject.
var ErrNotTriggered = errors.New("event does not match pipeline triggers")

// Options configure a Router.
type Options struct {
	Planner planner.Options
	// Parameters are name=value overrides applied to every plan before the
	// request's own.
	Parameters []string
	Logger     *slog.Logger
}

// Router is the concrete Engine backed by one compiled pipeline document.
type Router struct {
	doc       *dsl.Document
	submitter Submitter
	opts      planner.Options
	overrides []string
	logger    *slog.Logger
}

var _ Engine = (*Router)(nil)

// LoadFromPath compiles the pipeline at path (file or config directory) and
// builds a Router.
func LoadFromPath(path string, submitter Submitter, opts Options) (*Router, error) {
	doc, err := dsl.Load(path)
	if err != nil {
		return nil, err
	}
	return New(doc, submitter, opts), nil
}

// New creates a Router. submitter may be nil for a router that only plans.
func New(doc *dsl.Document, submitter Submitter, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("router")
	}
	return &Router{
		doc:       doc,
		submitter: submitter,
		opts:      opts.Planner,
		overrides: opts.Parameters,
		logger:    logger,
	}
}

// Document returns the compiled document the router plans against.
func (r *Router) Document() *dsl.Document { return r.doc }

// Plan implements Engine.
func (r *Router) Plan(ctx context.Context, req Request) (*planner.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tc, err := trigger.Classify(req.Event)
	if err != nil {
		return nil, err
	}
	if err := r.accepts(tc); err != nil {
		r.logger.Debug("event not triggered", "reason", tc.Reason, "source_branch", tc.SourceBranch, "error", err)
		return nil, err
	}

	params := r.doc.Defaults
	if overrides := append(slices.Clone(r.overrides), req.Parameters...); len(overrides) > 0 {
		params, err = r.doc.Override(params, overrides)
		if err != nil {
			return nil, err
		}
	}

	plan, err := planner.Build(r.doc, tc, params, r.opts)
	if err != nil {
		r.logger.Error("planning failed", "reason", tc.Reason, "source_branch", tc.SourceBranch, "error", err)
		return nil, err
	}
	r.logger.Info("plan built",
		"plan_id", plan.ID,
		"reason", tc.Reason,
		"source_branch", tc.SourceBranch,
		"stages", len(plan.Stages),
		"jobs", plan.JobCount(),
		"excluded", len(plan.Excluded),
	)
	return plan, nil
}

// Route implements Engine. Plans without stages are returned unsubmitted.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	plan, err := r.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &Result{Plan: plan}
	if len(plan.Stages) == 0 {
		return res, nil
	}
	if r.submitter == nil {
		return nil, fmt.Errorf("router has no submitter")
	}

	handle, err := r.submitter.Submit(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("submit plan %s: %w", plan.ID, err)
	}
	res.Submitted = true
	res.Handle = handle
	if handle != nil {
		r.logger.Info("plan submitted", "plan_id", plan.ID, "run_id", handle.RunID())
	}
	return res, nil
}

// accepts applies the push and pr branch filters. Scheduled events are never
// filtered, and neither are pull requests whose target branch is unknown.
func (r *Router) accepts(tc trigger.Context) error {
	switch tc.Reason {
	case trigger.ReasonIndividualCI:
		if !r.doc.Push.Matches(tc.SourceBranch) {
			return fmt.Errorf("%w: branch %s is not in trigger branches", ErrNotTriggered, tc.SourceBranch)
		}
	case trigger.ReasonPullRequest:
		if tc.PullRequest == nil || tc.PullRequest.TargetBranch == "" {
			return nil
		}
		if target := tc.PullRequest.TargetBranch; !r.doc.PR.Matches(target) {
			return fmt.Errorf("%w: target branch %q is not in pr branches", ErrNotTriggered, target)
		}
	}
	return nil
}

// IsPlanningError reports errors caused by the event, its parameters or the
// pipeline rather than by submission.
func IsPlanningError(err error) bool {
	var (
		malformed *trigger.MalformedEventError
		unknown   *expr.UnknownIdentifierError
		syntax    *expr.SyntaxError
		cycle     *planner.CyclicDependencyError
	)
	return errors.As(err, &malformed) || errors.As(err, &unknown) ||
		errors.As(err, &syntax) || errors.As(err, &cycle) ||
		errors.Is(err, dsl.ErrInvalidOverride)
}
