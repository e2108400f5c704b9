package trigger

import (
	"strconv"
	"strings"

	"github.com/mattjoyce/sluice/internal/expr"
)

// Lookup returns the predefined variable name (case-insensitive) for c.
// Pull-request variables are always defined and empty outside PullRequest
// triggers, so one condition can serve every trigger reason.
func (c Context) Lookup(name string) (expr.Value, bool) {
	switch strings.ToLower(name) {
	case "build.reason":
		return expr.String(string(c.Reason)), true
	case "build.sourcebranch":
		return expr.String(c.SourceBranch), true
	case "build.sourcebranchname":
		return expr.String(c.SourceBranchName), true
	case "build.repository.name":
		return expr.String(c.RepositoryName), true
	case "build.sourceversion":
		return expr.String(c.SourceVersion), true
	case "system.pullrequest.pullrequestnumber":
		if c.PullRequest == nil {
			return expr.String(""), true
		}
		return expr.String(strconv.Itoa(c.PullRequest.Number)), true
	case "system.pullrequest.targetbranch":
		if c.PullRequest == nil {
			return expr.String(""), true
		}
		return expr.String(c.PullRequest.TargetBranch), true
	}
	return expr.Null, false
}

// VariableNames lists the variables Lookup can define, for diagnostics.
func VariableNames() []string {
	return []string{
		"Build.Reason",
		"Build.SourceBranch",
		"Build.SourceBranchName",
		"Build.Repository.Name",
		"Build.SourceVersion",
		"System.PullRequest.PullRequestNumber",
		"System.PullRequest.TargetBranch",
	}
}
