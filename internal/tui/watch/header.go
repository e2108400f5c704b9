package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks service health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	RunsInFlight  int
	Pipeline      string
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, activity string, lastEvent, lastTick time.Time, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.Succeeded.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.Failed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.Failed.Render("DEGRADED")
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := fmt.Sprintf(" SLUICE WATCH %s", activity)
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	pipeline := health.Pipeline
	if len(pipeline) > 19 {
		pipeline = pipeline[:19]
	}
	statsLine := fmt.Sprintf(" %s  up %s  in flight: %d  pipeline: %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.RunsInFlight,
		theme.Highlight.Render(pipeline),
	)

	activityLine := fmt.Sprintf(" last event: %s  last tick: %s", since(lastEvent), since(lastTick))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
