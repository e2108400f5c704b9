package trigger

import (
	"errors"
	"fmt"
)

// Reason classifies the event that caused plan evaluation.
type Reason string

const (
	ReasonSchedule     Reason = "Schedule"
	ReasonPullRequest  Reason = "PullRequest"
	ReasonIndividualCI Reason = "IndividualCI"
)

// Event is the raw event descriptor accepted by the classifier.
type Event struct {
	Reason            string `json:"reason"`
	SourceBranch      string `json:"sourceBranch"`
	RepositoryName    string `json:"repositoryName"`
	SourceVersion     string `json:"sourceVersion,omitempty"`
	PullRequestNumber int    `json:"pullRequestNumber,omitempty"`
	TargetBranch      string `json:"targetBranch,omitempty"`
}

// PullRequest carries the pull-request fields of a PullRequest trigger.
type PullRequest struct {
	Number       int    `json:"number"`
	TargetBranch string `json:"targetBranch"`
}

// Context is the normalized, immutable view of an event that expressions are
// evaluated against.
type Context struct {
	Reason           Reason       `json:"reason"`
	SourceBranch     string       `json:"sourceBranch"`
	SourceBranchName string       `json:"sourceBranchName"`
	RepositoryName   string       `json:"repositoryName"`
	SourceVersion    string       `json:"sourceVersion,omitempty"`
	PullRequest      *PullRequest `json:"pullRequest,omitempty"`
}

// MalformedEventError reports an event the classifier cannot normalize. No
// plan is ever produced for it.
type MalformedEventError struct {
	Field  string
	Value  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("malformed event: %s %q: %s", e.Field, e.Value, e.Reason)
}

// ErrIgnoredEvent is returned for deliveries that never produce a plan, such
// as webhook pings or closed pull requests.
var ErrIgnoredEvent = errors.New("event ignored")
