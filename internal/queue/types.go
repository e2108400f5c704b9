package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/sluice/internal/planner"
)

// RunStatus is the lifecycle status of one submitted plan.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunSuperseded  RunStatus = "superseded"
	RunCancelled   RunStatus = "cancelled"
	RunInterrupted RunStatus = "interrupted"
)

// IsTerminal reports whether the run is finished.
func (s RunStatus) IsTerminal() bool { return s != RunRunning }

// JobStatus is the status of one job instance within a run.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobErrored   JobStatus = "errored"
	JobCancelled JobStatus = "cancelled"
)

// CreateRunRequest records a newly submitted plan.
type CreateRunRequest struct {
	RunID         string
	PlanID        string
	Key           string
	Reason        string
	Repository    string
	SourceBranch  string
	SourceVersion string
	Plan          json.RawMessage
	Stages        []string
}

// StartJobRequest records a job instance handed to the runner.
type StartJobRequest struct {
	JobID    string
	Stage    string
	Template string
}

// Run is a ledger row with its stages and jobs.
type Run struct {
	ID            string          `json:"runId"`
	PlanID        string          `json:"planId"`
	Key           string          `json:"key"`
	Reason        string          `json:"reason"`
	Repository    string          `json:"repository"`
	SourceBranch  string          `json:"sourceBranch"`
	SourceVersion string          `json:"sourceVersion,omitempty"`
	Status        RunStatus       `json:"status"`
	Plan          json.RawMessage `json:"plan"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	SupersededBy  *string         `json:"supersededBy,omitempty"`
	Stages        []StageRun      `json:"stages"`
}

// StageRun is the recorded state of one planned stage.
type StageRun struct {
	Name      string             `json:"name"`
	Position  int                `json:"position"`
	Status    planner.StageState `json:"status"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Jobs      []JobRun           `json:"jobs"`
}

// JobRun is the recorded state of one job instance.
type JobRun struct {
	ID          string     `json:"id"`
	Stage       string     `json:"stage"`
	Template    string     `json:"template"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastError   *string    `json:"lastError,omitempty"`
}

var ErrRunNotFound = errors.New("run not found")
