// Package watch is a terminal dashboard over the API event stream: live
// runs with their stage states, schedule activity and the raw event feed.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour used by the dashboard in one place.
type Theme struct {
	Succeeded lipgloss.Style
	Running   lipgloss.Style
	Failed    lipgloss.Style
	Pending   lipgloss.Style
	Inactive  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Succeeded: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Pending:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Inactive:  lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// Status returns the style for a run, stage or job status.
func (t Theme) Status(status string) lipgloss.Style {
	switch status {
	case "succeeded":
		return t.Succeeded
	case "running", "dispatched":
		return t.Running
	case "failed", "errored", "cancelled", "interrupted":
		return t.Failed
	case "skipped", "superseded":
		return t.Inactive
	default:
		return t.Pending
	}
}
