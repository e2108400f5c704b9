package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSManager lays workspaces out as <base>/<run id>/<stage>/<job>.
type FSManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*FSManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*FSManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &FSManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Create makes the job directory. A job runs once per run, so an existing
// directory is an error.
func (m *FSManager) Create(ctx context.Context, runID, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	path, err := m.workspacePath(runID, jobID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create run workspace %q: %w", runID, err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for job %q: %w", jobID, err)
	}
	return Workspace{RunID: runID, JobID: jobID, Dir: path}, nil
}

func (m *FSManager) Open(ctx context.Context, runID, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	path, err := m.workspacePath(runID, jobID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for job %q: %w", jobID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for job %q is not a directory", jobID)
	}
	return Workspace{RunID: runID, JobID: jobID, Dir: path}, nil
}

// Cleanup judges age by the run directory's modification time, which moves
// each time a stage directory is added.
func (m *FSManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	var report CleanupReport
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove run workspace %q: %w", entry.Name(), err)
		}
		report.DeletedRuns++
	}
	return report, nil
}

// workspacePath maps a job ID such as "Tests/test.yml[1]" onto nested
// directories below the run directory.
func (m *FSManager) workspacePath(runID, jobID string) (string, error) {
	if err := validateSegment("runID", runID); err != nil {
		return "", err
	}
	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("jobID is empty")
	}
	parts := strings.Split(jobID, "/")
	for _, p := range parts {
		if err := validateSegment("jobID", p); err != nil {
			return "", fmt.Errorf("jobID %q: %w", jobID, err)
		}
	}
	return filepath.Join(append([]string{m.baseDir, runID}, parts...)...), nil
}

func validateSegment(what, s string) error {
	trimmed := strings.TrimSpace(s)
	switch {
	case trimmed == "":
		return fmt.Errorf("%s is empty", what)
	case trimmed == "." || trimmed == "..":
		return fmt.Errorf("%s %q is invalid", what, s)
	case strings.ContainsAny(trimmed, `/\`):
		return fmt.Errorf("%s %q must not contain path separators", what, s)
	case trimmed != s:
		return fmt.Errorf("%s %q has surrounding whitespace", what, s)
	}
	return nil
}
