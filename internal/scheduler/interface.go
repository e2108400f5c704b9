package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/sluice/internal/router"
	"github.com/mattjoyce/sluice/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/sluice/internal/scheduler EventRouter,RunLedger

// EventRouter plans and submits a Schedule event.
type EventRouter interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
}

// RunLedger is the part of the run ledger the scheduler maintains.
type RunLedger interface {
	RecoverInterrupted(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int, error)
}

// WorkspaceJanitor removes job workspaces of old runs.
type WorkspaceJanitor interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error)
}
