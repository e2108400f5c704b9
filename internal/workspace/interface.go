package workspace

import (
	"context"
	"time"
)

// Workspace is the scratch directory an agent runs a single job in.
//
// The ledger stores only run and job identifiers; absolute paths stay in the
// manager so the workspace root can move without rewriting runs.
type Workspace struct {
	RunID string
	JobID string
	Dir   string
}

// CleanupReport summarizes a cleanup pass.
type CleanupReport struct {
	DeletedRuns int
}

// Manager governs job workspace lifecycle. Workspaces are grouped per run so
// a finished run can be removed as a unit.
type Manager interface {
	// Create initializes a new, empty workspace for a job of runID.
	Create(ctx context.Context, runID, jobID string) (Workspace, error)

	// Open resolves an existing workspace.
	Open(ctx context.Context, runID, jobID string) (Workspace, error)

	// Cleanup removes run directories untouched for longer than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
