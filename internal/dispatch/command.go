package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/sluice/internal/log"
	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/protocol"
	"github.com/mattjoyce/sluice/internal/workspace"
)

const (
	// maxOutputBytes caps captured agent stderr.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the wait between SIGTERM and SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultJobTimeout = 30 * time.Minute
)

// CommandRunner runs each job by spawning an agent process, one per job. The
// agent receives a protocol.Request on stdin and answers with a
// protocol.Response on stdout; log lines it returns are recorded under the
// job's logger. With Workspaces set, each job gets a fresh directory that
// becomes the agent's working directory.
type CommandRunner struct {
	Entrypoint string
	Args       []string
	Timeout    time.Duration
	Logger     *slog.Logger
	Workspaces workspace.Manager
}

var _ JobRunner = (*CommandRunner)(nil)

// Run implements JobRunner. A non-zero exit, an error status or a timeout
// fail the job; failing to start the agent or to decode its answer is an
// error.
func (r *CommandRunner) Run(ctx context.Context, runID string, job planner.JobInstance) (JobResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.WithRun(runID)
	}
	logger = logger.With("job_id", job.ID, "template", job.Template)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	req := &protocol.Request{
		Protocol:   protocol.Version,
		RunID:      runID,
		Job:        job,
		DeadlineAt: time.Now().Add(timeout).UTC(),
	}
	if r.Workspaces != nil {
		ws, err := r.Workspaces.Create(ctx, runID, job.ID)
		if err != nil {
			return JobResult{}, fmt.Errorf("prepare workspace: %w", err)
		}
		req.WorkspaceDir = ws.Dir
	}

	resp, stderr, err := r.spawn(ctx, req, timeout, logger)
	if errors.Is(err, context.DeadlineExceeded) {
		return JobResult{Message: fmt.Sprintf("agent timed out after %v", timeout)}, nil
	}
	if errors.Is(err, context.Canceled) {
		return JobResult{}, err
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := fmt.Sprintf("agent exited with status %d", exitErr.ExitCode())
		if s := strings.TrimSpace(stderr); s != "" {
			msg += ": " + s
		}
		return JobResult{Message: msg}, nil
	}
	if err != nil {
		return JobResult{}, err
	}

	forwardLogs(logger, resp.Logs)
	if !resp.Succeeded() {
		return JobResult{Message: resp.Error}, nil
	}
	return JobResult{Succeeded: true}, nil
}

// spawn runs the agent and enforces the timeout with SIGTERM, then SIGKILL
// after a grace period. Cancelling ctx terminates the agent the same way.
func (r *CommandRunner) spawn(ctx context.Context, req *protocol.Request, timeout time.Duration, logger *slog.Logger) (*protocol.Response, string, error) {
	if r.Entrypoint == "" {
		return nil, "", fmt.Errorf("runner entrypoint is empty")
	}
	var stdin bytes.Buffer
	if err := protocol.EncodeRequest(&stdin, req); err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	cmd := exec.Command(r.Entrypoint, r.Args...)
	cmd.Dir = req.WorkspaceDir
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning agent", "entrypoint", r.Entrypoint, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start agent: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var stopReason error
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, truncate(stderr.String()), err
		}
		resp, raw, err := protocol.DecodeResponse(&stdout)
		if err != nil {
			logger.Error("failed to decode agent response", "error", err, "stdout", truncate(string(raw)))
			return nil, truncate(stderr.String()), fmt.Errorf("decode agent response: %w", err)
		}
		return resp, truncate(stderr.String()), nil
	case <-timer.C:
		stopReason = context.DeadlineExceeded
		logger.Warn("agent timed out, sending SIGTERM")
	case <-ctx.Done():
		stopReason = ctx.Err()
		logger.Info("run cancelled, sending SIGTERM to agent")
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}
	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-waitErr:
	case <-grace.C:
		logger.Warn("agent did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
	return nil, truncate(stderr.String()), stopReason
}

// forwardLogs records the agent's own log lines at their level.
func forwardLogs(logger *slog.Logger, entries []protocol.LogEntry) {
	for _, e := range entries {
		logger.Log(context.Background(), log.ParseLevel(e.Level), e.Message, "source", "agent")
	}
}

func truncate(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes]
	}
	return s
}
