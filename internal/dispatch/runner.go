package dispatch

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/sluice/internal/log"
	"github.com/mattjoyce/sluice/internal/planner"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/sluice/internal/dispatch JobRunner,Notifier

// JobResult is the outcome of one job. A job that ran and failed is not an
// error; Run returns an error only when the job could not be run at all.
type JobResult struct {
	Succeeded bool
	Message   string
}

// JobRunner executes one job instance.
type JobRunner interface {
	Run(ctx context.Context, runID string, job planner.JobInstance) (JobResult, error)
}

// Notifier delivers a notification requested by a stage whose guard fired.
type Notifier interface {
	Notify(ctx context.Context, runID string, n planner.Notification) error
}

// LogNotifier records notifications in the log and delivers nothing.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, runID string, note planner.Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = log.WithComponent("notify")
	}
	logger.Info("notification requested",
		"run_id", runID,
		"channel", note.Channel,
		"target_id", note.TargetID,
		"message", note.Message,
	)
	return nil
}

// LogRunner records each job in the log and reports it as succeeded. It
// stands in for an agent when none is configured.
type LogRunner struct {
	Logger *slog.Logger
}

var _ JobRunner = LogRunner{}

// Run implements JobRunner.
func (r LogRunner) Run(_ context.Context, runID string, job planner.JobInstance) (JobResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.WithRun(runID)
	}
	logger.Info("job run (no agent configured)",
		"job_id", job.ID,
		"stage", job.Stage,
		"template", job.Template,
	)
	return JobResult{Succeeded: true}, nil
}
