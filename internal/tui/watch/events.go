package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sluice/internal/events"
)

const eventLogSize = 200

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case e.Type == events.PlanSuperseded, e.Type == events.StageSkipped:
		typeStyle = theme.Inactive
	case strings.HasSuffix(e.Type, ".completed"):
		typeStyle = theme.Status(decodeData(e).Status)
	case e.Type == events.StageDispatched, e.Type == events.PlanSubmitted:
		typeStyle = theme.Running
	case strings.HasPrefix(e.Type, "scheduler."), e.Type == events.NotificationRequested:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-22s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	d := decodeData(e)

	var parts []string
	if d.RunID != "" {
		id := d.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, "["+id+"]")
	}
	if d.Schedule != "" {
		parts = append(parts, d.Schedule)
	}
	if d.Stage != "" {
		parts = append(parts, d.Stage)
	}
	if d.JobID != "" {
		parts = append(parts, d.JobID)
	}
	if d.Status != "" {
		parts = append(parts, d.Status)
	}
	if d.InFlight != nil {
		parts = append(parts, fmt.Sprintf("in_flight=%d", *d.InFlight))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

// eventStreamContent renders the log, newest first, for the viewport.
func eventStreamContent(eventLog []events.Event, theme Theme) string {
	if len(eventLog) == 0 {
		return theme.Dim.Render("Waiting for events...")
	}
	lines := make([]string, len(eventLog))
	for i, e := range eventLog {
		lines[i] = formatEvent(e, theme)
	}
	return strings.Join(lines, "\n")
}
