// Package protocol is the wire format between the dispatcher and the job
// agent: one JSON request on the agent's stdin, one JSON response on its
// stdout.
package protocol

import (
	"time"

	"github.com/mattjoyce/sluice/internal/planner"
)

// Version is the only protocol version spoken.
const Version = 1

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is written to the agent's stdin.
type Request struct {
	Protocol   int                 `json:"protocol"`
	RunID      string              `json:"runId"`
	Job        planner.JobInstance `json:"job"`
	DeadlineAt time.Time           `json:"deadlineAt"`
	// WorkspaceDir is the agent's working directory, when workspaces are
	// enabled.
	WorkspaceDir string `json:"workspaceDir,omitempty"`
}

// Response is read from the agent's stdout.
type Response struct {
	Status string     `json:"status"` // ok | error
	Error  string     `json:"error,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log line the agent asks the dispatcher to record.
type LogEntry struct {
	Level   string `json:"level"` // debug | info | warn | error
	Message string `json:"message"`
}

// Succeeded reports whether the agent finished the job successfully.
func (r *Response) Succeeded() bool {
	return r.Status == StatusOK
}
