package trigger

import (
	"strconv"
	"strings"
)

const headsPrefix = "refs/heads/"

var reasonAliases = map[string]Reason{
	"schedule":     ReasonSchedule,
	"cron":         ReasonSchedule,
	"pullrequest":  ReasonPullRequest,
	"pull_request": ReasonPullRequest,
	"individualci": ReasonIndividualCI,
	"push":         ReasonIndividualCI,
	"batchedci":    ReasonIndividualCI,
	"merge_group":  ReasonIndividualCI,
}

// ParseReason maps a reason string (case-insensitive, aliases accepted) onto
// a Reason.
func ParseReason(raw string) (Reason, error) {
	r, ok := reasonAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", &MalformedEventError{Field: "reason", Value: raw, Reason: "unrecognized trigger reason"}
	}
	return r, nil
}

// Classify normalizes ev into a Context. It has no side effects.
func Classify(ev Event) (Context, error) {
	reason, err := ParseReason(ev.Reason)
	if err != nil {
		return Context{}, err
	}

	repo := strings.TrimSpace(ev.RepositoryName)
	if repo == "" {
		return Context{}, &MalformedEventError{Field: "repositoryName", Value: ev.RepositoryName, Reason: "repository is required"}
	}

	branch := NormalizeBranch(ev.SourceBranch)
	if branch == "" {
		return Context{}, &MalformedEventError{Field: "sourceBranch", Value: ev.SourceBranch, Reason: "source branch is required"}
	}

	ctx := Context{
		Reason:           reason,
		SourceBranch:     branch,
		SourceBranchName: branchName(branch),
		RepositoryName:   repo,
		SourceVersion:    strings.TrimSpace(ev.SourceVersion),
	}

	if reason == ReasonPullRequest {
		pr := &PullRequest{
			Number:       ev.PullRequestNumber,
			TargetBranch: NormalizeBranch(ev.TargetBranch),
		}
		if pr.Number == 0 {
			pr.Number = pullNumberFromRef(branch)
		}
		ctx.PullRequest = pr
	}
	return ctx, nil
}

// NormalizeBranch turns a bare branch name into a full ref. Values that are
// already refs are kept as is.
func NormalizeBranch(branch string) string {
	branch = strings.TrimSpace(branch)
	if branch == "" || strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return headsPrefix + branch
}

// branchName is the last path segment of a ref, matching Build.SourceBranchName.
func branchName(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// pullNumberFromRef reads N from refs/pull/N/merge or refs/pull/N/head.
func pullNumberFromRef(ref string) int {
	rest, ok := strings.CutPrefix(ref, "refs/pull/")
	if !ok {
		return 0
	}
	num, _, _ := strings.Cut(rest, "/")
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0
	}
	return n
}
