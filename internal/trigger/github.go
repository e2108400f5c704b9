package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

type githubRepository struct {
	FullName string `json:"full_name"`
}

type githubPush struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Deleted    bool             `json:"deleted"`
	Repository githubRepository `json:"repository"`
}

type githubPullRequest struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository githubRepository `json:"repository"`
}

type githubMergeGroup struct {
	Action     string `json:"action"`
	MergeGroup struct {
		HeadSHA string `json:"head_sha"`
		HeadRef string `json:"head_ref"`
	} `json:"merge_group"`
	Repository githubRepository `json:"repository"`
}

// pull_request actions that produce a new head commit worth planning for.
var plannedPullRequestActions = map[string]bool{
	"opened":           true,
	"synchronize":      true,
	"reopened":         true,
	"ready_for_review": true,
}

// FromGitHub maps a GitHub webhook delivery (X-GitHub-Event name plus body)
// onto an Event. Deliveries that never plan return ErrIgnoredEvent.
func FromGitHub(eventName string, body []byte) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(eventName)) {
	case "push":
		var p githubPush
		if err := decodeGitHub(body, &p); err != nil {
			return Event{}, err
		}
		if p.Deleted {
			return Event{}, fmt.Errorf("push deleting %s: %w", p.Ref, ErrIgnoredEvent)
		}
		return Event{
			Reason:         string(ReasonIndividualCI),
			SourceBranch:   p.Ref,
			RepositoryName: p.Repository.FullName,
			SourceVersion:  p.After,
		}, nil

	case "pull_request":
		var p githubPullRequest
		if err := decodeGitHub(body, &p); err != nil {
			return Event{}, err
		}
		if !plannedPullRequestActions[p.Action] {
			return Event{}, fmt.Errorf("pull_request action %q: %w", p.Action, ErrIgnoredEvent)
		}
		return Event{
			Reason:            string(ReasonPullRequest),
			SourceBranch:      fmt.Sprintf("refs/pull/%d/merge", p.Number),
			RepositoryName:    p.Repository.FullName,
			SourceVersion:     p.PullRequest.Head.SHA,
			PullRequestNumber: p.Number,
			TargetBranch:      p.PullRequest.Base.Ref,
		}, nil

	case "merge_group":
		var p githubMergeGroup
		if err := decodeGitHub(body, &p); err != nil {
			return Event{}, err
		}
		if p.Action != "" && p.Action != "checks_requested" {
			return Event{}, fmt.Errorf("merge_group action %q: %w", p.Action, ErrIgnoredEvent)
		}
		return Event{
			Reason:         "merge_group",
			SourceBranch:   p.MergeGroup.HeadRef,
			RepositoryName: p.Repository.FullName,
			SourceVersion:  p.MergeGroup.HeadSHA,
		}, nil
	}
	return Event{}, fmt.Errorf("github event %q: %w", eventName, ErrIgnoredEvent)
}

func decodeGitHub(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedEventError{Field: "body", Value: truncate(string(body), 64), Reason: err.Error()}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
