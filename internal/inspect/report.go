// Package inspect renders plans and recorded runs for the terminal.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/queue"
)

// RunReader loads a run with its stages and jobs.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*queue.Run, error)
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	stageStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

func field(out *strings.Builder, label, value string) {
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s:", label)), value)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "succeeded":
		return okStyle
	case "failed", "errored", "cancelled", "interrupted":
		return badStyle
	case "skipped", "superseded", "excluded":
		return dimStyle
	default:
		return lipgloss.NewStyle()
	}
}

// PlanReport renders a plan: trigger context, stages in dispatch order with
// their guards, job instances and exclusions.
func PlanReport(plan *planner.Plan) string {
	var out strings.Builder
	tc := plan.Trigger

	out.WriteString(headingStyle.Render("Plan") + "\n")
	field(&out, "ID", plan.ID)
	field(&out, "Key", plan.Key)
	field(&out, "Reason", string(tc.Reason))
	field(&out, "Repository", renderUnset(tc.RepositoryName, "<unset>"))
	field(&out, "Branch", fmt.Sprintf("%s (%s)", tc.SourceBranch, tc.SourceBranchName))
	if tc.PullRequest != nil {
		field(&out, "Pull request", fmt.Sprintf("#%d into %s", tc.PullRequest.Number, tc.PullRequest.TargetBranch))
	}
	field(&out, "Auto-cancel", fmt.Sprintf("%t", plan.AutoCancel))
	field(&out, "Jobs", fmt.Sprintf("%d in %d stages", plan.JobCount(), len(plan.Stages)))

	if names := plan.Parameters.Names(); len(names) > 0 {
		out.WriteString("\n" + headingStyle.Render("Parameters") + "\n")
		for _, name := range names {
			v, _ := plan.Parameters.Get(name)
			fmt.Fprintf(&out, "  %s = %s\n", name, v.String())
		}
	}

	out.WriteString("\n")
	if len(plan.Stages) == 0 {
		out.WriteString(dimStyle.Render("No stages planned.") + "\n")
	}
	for i, s := range plan.Stages {
		name := s.Name
		if s.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", s.Name, s.DisplayName)
		}
		fmt.Fprintf(&out, "[%d] %s\n", i+1, stageStyle.Render(name))
		if s.Guard != nil {
			fmt.Fprintf(&out, "    runs when  : %s of %s\n", s.Guard.Result, strings.Join(s.Guard.DependsOn, ", "))
		}
		if s.Notification != nil {
			fmt.Fprintf(&out, "    notifies   : %s %s\n", s.Notification.Channel, s.Notification.TargetID)
		}
		if len(s.Jobs) == 0 {
			fmt.Fprintf(&out, "    jobs       : %s\n", dimStyle.Render("<none>"))
			continue
		}
		for _, j := range s.Jobs {
			fmt.Fprintf(&out, "    - %s %s%s\n", j.ID, dimStyle.Render(j.Template), formatParams(j.Parameters))
		}
	}

	if len(plan.Excluded) > 0 {
		out.WriteString("\n" + headingStyle.Render("Excluded") + "\n")
		for _, ex := range plan.Excluded {
			fmt.Fprintf(&out, "  %s %s\n", ex.Stage, dimStyle.Render(ex.Reason))
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

func formatParams[V fmt.Stringer](params map[string]V) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k].String()
	}
	return " " + dimStyle.Render("{"+strings.Join(parts, ", ")+"}")
}

// RunReport renders a recorded run with its stage and job states.
func RunReport(ctx context.Context, runs RunReader, runID string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run id is required")
	}
	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load run %q: %w", runID, err)
	}

	var out strings.Builder
	out.WriteString(headingStyle.Render("Run") + "\n")
	field(&out, "Run ID", run.ID)
	field(&out, "Plan ID", run.PlanID)
	field(&out, "Status", statusStyle(string(run.Status)).Render(string(run.Status)))
	field(&out, "Reason", run.Reason)
	field(&out, "Repository", renderUnset(run.Repository, "<unset>"))
	field(&out, "Branch", run.SourceBranch)
	if run.SourceVersion != "" {
		field(&out, "Version", run.SourceVersion)
	}
	field(&out, "Created", run.CreatedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		field(&out, "Completed", fmt.Sprintf("%s (%s)", run.CompletedAt.Format(time.RFC3339), run.CompletedAt.Sub(run.CreatedAt).Round(time.Second)))
	}
	if run.SupersededBy != nil {
		field(&out, "Superseded", *run.SupersededBy)
	}
	out.WriteString("\n")

	for _, s := range run.Stages {
		fmt.Fprintf(&out, "[%d] %s %s\n", s.Position+1, stageStyle.Render(s.Name), statusStyle(string(s.Status)).Render(string(s.Status)))
		for _, j := range s.Jobs {
			line := fmt.Sprintf("    - %s %s", j.ID, statusStyle(string(j.Status)).Render(string(j.Status)))
			if j.CompletedAt != nil {
				line += " " + dimStyle.Render(j.CompletedAt.Sub(j.StartedAt).Round(time.Millisecond).String())
			}
			out.WriteString(line + "\n")
			if j.LastError != nil && *j.LastError != "" {
				fmt.Fprintf(&out, "      %s\n", badStyle.Render(*j.LastError))
			}
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// JSON returns v as indented JSON.
func JSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}
