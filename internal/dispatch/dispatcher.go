package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/sluice/internal/events"
	"github.com/mattjoyce/sluice/internal/log"
	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/queue"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("dispatcher is shut down")

// Ledger is the persistence the dispatcher needs. *queue.Queue implements it.
type Ledger interface {
	CreateRun(ctx context.Context, req queue.CreateRunRequest) error
	ActiveRunsByKey(ctx context.Context, key string) ([]string, error)
	MarkSuperseded(ctx context.Context, runID, by string) error
	SetStageStatus(ctx context.Context, runID, stage string, status planner.StageState) error
	StartJob(ctx context.Context, runID string, req queue.StartJobRequest) error
	CompleteJob(ctx context.Context, runID, jobID string, status queue.JobStatus, lastError *string) error
	CompleteRun(ctx context.Context, runID string, status queue.RunStatus) error
}

var _ Ledger = (*queue.Queue)(nil)

// Config bounds execution.
type Config struct {
	// MaxParallelJobs caps running jobs across all runs. Zero means 4.
	MaxParallelJobs int
	// JobTimeout bounds a single job. Zero means no bound beyond the runner's.
	JobTimeout time.Duration
}

// Dispatcher executes submitted plans.
type Dispatcher struct {
	ledger   Ledger
	runner   JobRunner
	notifier Notifier
	hub      events.Publisher
	cfg      Config
	sem      *semaphore.Weighted
	logger   *slog.Logger

	submitMu sync.Mutex

	mu     sync.Mutex
	active map[string]*Handle
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. hub may be nil.
func New(ledger Ledger, runner JobRunner, notifier Notifier, hub events.Publisher, cfg Config) *Dispatcher {
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = 4
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Dispatcher{
		ledger:   ledger,
		runner:   runner,
		notifier: notifier,
		hub:      hub,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallelJobs)),
		logger:   log.WithComponent("dispatch"),
		active:   make(map[string]*Handle),
	}
}

// Submit records plan as a new run and starts executing it. The returned
// handle tracks the run; execution does not depend on ctx.
func (d *Dispatcher) Submit(ctx context.Context, plan *planner.Plan) (*Handle, error) {
	if err := validate(plan); err != nil {
		return nil, err
	}
	if d.runner == nil {
		return nil, fmt.Errorf("dispatcher has no job runner")
	}
	body, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	runID := uuid.NewString()
	if plan.AutoCancel {
		if err := d.supersede(ctx, plan.Key, runID); err != nil {
			return nil, err
		}
	}

	stages := make([]string, len(plan.Stages))
	for i, s := range plan.Stages {
		stages[i] = s.Name
	}
	tc := plan.Trigger
	if err := d.ledger.CreateRun(ctx, queue.CreateRunRequest{
		RunID:         runID,
		PlanID:        plan.ID,
		Key:           plan.Key,
		Reason:        string(tc.Reason),
		Repository:    tc.RepositoryName,
		SourceBranch:  tc.SourceBranch,
		SourceVersion: tc.SourceVersion,
		Plan:          body,
		Stages:        stages,
	}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := newHandle(runID, plan, cancel)

	d.mu.Lock()
	d.active[runID] = h
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info("run submitted", "run_id", runID, "plan_id", plan.ID, "stages", len(plan.Stages), "jobs", plan.JobCount())
	d.publish(events.PlanSubmitted, map[string]any{
		"run_id":  runID,
		"plan_id": plan.ID,
		"key":     plan.Key,
		"reason":  tc.Reason,
		"stages":  stages,
	})

	go func() {
		defer d.wg.Done()
		d.execute(runCtx, h)
	}()
	return h, nil
}

// Get returns the handle of an active run.
func (d *Dispatcher) Get(runID string) (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.active[runID]
	return h, ok
}

// Wait blocks until every submitted run has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown refuses new submissions, cancels active runs and waits for them
// to record their final status.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for _, h := range d.active {
		h.Cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supersede cancels in-flight runs sharing key, both those this process is
// executing and any the ledger still has as running.
func (d *Dispatcher) supersede(ctx context.Context, key, by string) error {
	d.mu.Lock()
	for _, h := range d.active {
		if h.Key() == key && h.supersede(by) {
			d.logger.Info("superseding run", "run_id", h.RunID(), "superseded_by", by)
		}
	}
	d.mu.Unlock()

	ids, err := d.ledger.ActiveRunsByKey(ctx, key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.ledger.MarkSuperseded(ctx, id, by); err != nil {
			return err
		}
		d.publish(events.PlanSuperseded, map[string]any{
			"run_id":        id,
			"superseded_by": by,
		})
	}
	return nil
}

// execute runs one goroutine per stage and records the final run status.
func (d *Dispatcher) execute(ctx context.Context, h *Handle) {
	logger := log.WithRun(h.RunID())
	plan := h.Plan()

	done := make(map[string]chan struct{}, len(plan.Stages))
	for _, s := range plan.Stages {
		done[s.Name] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for i := range plan.Stages {
		stage := &plan.Stages[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[stage.Name])
			for _, dep := range stage.DependsOn {
				<-done[dep]
			}
			d.runStage(ctx, h, stage, logger)
		}()
	}
	wg.Wait()

	status := d.runStatus(ctx, h)
	if err := d.ledger.CompleteRun(context.Background(), h.RunID(), status); err != nil {
		logger.Error("failed to record run status", "error", err)
	}

	d.mu.Lock()
	delete(d.active, h.RunID())
	d.mu.Unlock()
	h.finish(status)

	logger.Info("run completed", "status", status)
	d.publish(events.PlanCompleted, map[string]any{
		"run_id":  h.RunID(),
		"plan_id": plan.ID,
		"status":  status,
	})
}

func (d *Dispatcher) runStatus(ctx context.Context, h *Handle) queue.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.supersededBy != "" {
		return queue.RunSuperseded
	}
	if ctx.Err() != nil {
		return queue.RunCancelled
	}
	for _, state := range h.states {
		if state == planner.StateFailed || state == planner.StateErrored {
			return queue.RunFailed
		}
	}
	return queue.RunSucceeded
}

func (d *Dispatcher) runStage(ctx context.Context, h *Handle, stage *planner.PlannedStage, logger *slog.Logger) {
	logger = logger.With("stage", stage.Name)

	decision := stage.Guard.Decide(h.outcomesOf(stage.DependsOn))
	if ctx.Err() != nil || decision != planner.GuardRun {
		reason := "guard not satisfied"
		if ctx.Err() != nil {
			reason = "run cancelled"
		}
		d.setStage(h, stage.Name, planner.StatePlanned, planner.StateSkipped, logger)
		logger.Info("stage skipped", "reason", reason)
		d.publish(events.StageSkipped, map[string]any{
			"run_id": h.RunID(),
			"stage":  stage.Name,
			"reason": reason,
		})
		return
	}

	d.setStage(h, stage.Name, planner.StatePlanned, planner.StateDispatched, logger)
	d.publish(events.StageDispatched, map[string]any{
		"run_id": h.RunID(),
		"stage":  stage.Name,
		"jobs":   len(stage.Jobs),
	})

	outcome := planner.StateSucceeded
	if stage.Notification != nil {
		if err := d.notify(ctx, h, stage, logger); err != nil {
			outcome = planner.StateErrored
		}
	}
	if jobs := d.runJobs(ctx, h, stage, logger); worse(jobs, outcome) {
		outcome = jobs
	}

	d.setStage(h, stage.Name, planner.StateDispatched, outcome, logger)
	logger.Info("stage completed", "status", outcome)
	d.publish(events.StageCompleted, map[string]any{
		"run_id": h.RunID(),
		"stage":  stage.Name,
		"status": outcome,
	})
}

func (d *Dispatcher) notify(ctx context.Context, h *Handle, stage *planner.PlannedStage, logger *slog.Logger) error {
	n := *stage.Notification
	d.publish(events.NotificationRequested, map[string]any{
		"run_id":    h.RunID(),
		"stage":     stage.Name,
		"channel":   n.Channel,
		"target_id": n.TargetID,
		"message":   n.Message,
	})
	if err := d.notifier.Notify(ctx, h.RunID(), n); err != nil {
		logger.Error("notification failed", "channel", n.Channel, "target_id", n.TargetID, "error", err)
		return err
	}
	return nil
}

// runJobs runs a stage's jobs concurrently, bounded by the dispatcher-wide
// semaphore, and folds their results into a stage outcome.
func (d *Dispatcher) runJobs(ctx context.Context, h *Handle, stage *planner.PlannedStage, logger *slog.Logger) planner.StageState {
	results := make([]queue.JobStatus, len(stage.Jobs))
	var g errgroup.Group
	for i, job := range stage.Jobs {
		g.Go(func() error {
			results[i] = d.runJob(ctx, h, job, logger)
			return nil
		})
	}
	_ = g.Wait()

	outcome := planner.StateSucceeded
	for _, r := range results {
		switch r {
		case queue.JobErrored, queue.JobCancelled:
			outcome = planner.StateErrored
		case queue.JobFailed:
			if outcome != planner.StateErrored {
				outcome = planner.StateFailed
			}
		}
	}
	return outcome
}

func (d *Dispatcher) runJob(ctx context.Context, h *Handle, job planner.JobInstance, logger *slog.Logger) queue.JobStatus {
	logger = logger.With("job_id", job.ID)
	bg := context.Background()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.completeJob(h, job, queue.JobCancelled, "run cancelled before job started", logger)
		return queue.JobCancelled
	}
	defer d.sem.Release(1)

	if err := d.ledger.StartJob(bg, h.RunID(), queue.StartJobRequest{
		JobID:    job.ID,
		Stage:    job.Stage,
		Template: job.Template,
	}); err != nil {
		logger.Error("failed to record job start", "error", err)
	}

	jobCtx := ctx
	if d.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := d.runner.Run(jobCtx, h.RunID(), job)

	var status queue.JobStatus
	var msg string
	switch {
	case ctx.Err() != nil:
		status, msg = queue.JobCancelled, "run cancelled"
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && jobCtx.Err() != nil && !res.Succeeded):
		status, msg = queue.JobFailed, fmt.Sprintf("job timed out after %v", d.cfg.JobTimeout)
	case err != nil:
		status, msg = queue.JobErrored, err.Error()
	case !res.Succeeded:
		status, msg = queue.JobFailed, res.Message
	default:
		status = queue.JobSucceeded
	}

	logger.Info("job completed", "status", status, "duration", time.Since(start))
	d.completeJob(h, job, status, msg, logger)
	return status
}

func (d *Dispatcher) completeJob(h *Handle, job planner.JobInstance, status queue.JobStatus, msg string, logger *slog.Logger) {
	var lastError *string
	if msg != "" {
		lastError = &msg
	}
	if err := d.ledger.CompleteJob(context.Background(), h.RunID(), job.ID, status, lastError); err != nil {
		logger.Error("failed to record job result", "error", err)
	}
	payload := map[string]any{
		"run_id": h.RunID(),
		"stage":  job.Stage,
		"job_id": job.ID,
		"status": status,
	}
	if msg != "" {
		payload["error"] = msg
	}
	d.publish(events.JobCompleted, payload)
}

func (d *Dispatcher) setStage(h *Handle, stage string, from, to planner.StageState, logger *slog.Logger) {
	if err := h.transition(stage, from, to); err != nil {
		logger.Error("stage transition rejected", "error", err)
		return
	}
	if err := d.ledger.SetStageStatus(context.Background(), h.RunID(), stage, to); err != nil {
		logger.Error("failed to record stage status", "status", to, "error", err)
	}
}

func (d *Dispatcher) publish(eventType string, data map[string]any) {
	if d.hub != nil {
		d.hub.Publish(eventType, data)
	}
}

// worse reports whether a is a worse stage outcome than b.
func worse(a, b planner.StageState) bool {
	rank := func(s planner.StageState) int {
		switch s {
		case planner.StateErrored:
			return 2
		case planner.StateFailed:
			return 1
		}
		return 0
	}
	return rank(a) > rank(b)
}

// validate checks that every dependency of a stage appears before it.
func validate(plan *planner.Plan) error {
	if plan == nil {
		return fmt.Errorf("plan is nil")
	}
	seen := make(map[string]bool, len(plan.Stages))
	for _, s := range plan.Stages {
		if seen[s.Name] {
			return fmt.Errorf("plan %s: duplicate stage %q", plan.ID, s.Name)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan %s: stage %q depends on %q which is not planned before it", plan.ID, s.Name, dep)
			}
		}
		seen[s.Name] = true
	}
	return nil
}
