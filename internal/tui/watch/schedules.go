package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sluice/internal/events"
)

// ScheduleState tracks one configured schedule from scheduler.fired events.
type ScheduleState struct {
	Name      string
	Branch    string
	LastFired time.Time
	LastRunID string
	Submitted bool
	NextFire  time.Time
}

func updateScheduleState(schedules map[string]*ScheduleState, e events.Event) {
	if e.Type != "scheduler.fired" {
		return
	}
	var data struct {
		Schedule  string    `json:"schedule"`
		Branch    string    `json:"branch"`
		RunID     string    `json:"run_id"`
		Submitted bool      `json:"submitted"`
		NextFire  time.Time `json:"next_fire"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Schedule == "" {
		return
	}

	state, ok := schedules[data.Schedule]
	if !ok {
		state = &ScheduleState{Name: data.Schedule}
		schedules[data.Schedule] = state
	}
	state.Branch = data.Branch
	state.LastFired = e.At
	state.LastRunID = data.RunID
	state.Submitted = data.Submitted
	state.NextFire = data.NextFire
}

func renderSchedules(schedules map[string]*ScheduleState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(schedules) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SCHEDULES"),
			theme.Dim.Render("  No schedule has fired yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{theme.Title.Render("SCHEDULES")}
	for i, name := range names {
		if i >= 8 {
			break
		}
		lines = append(lines, renderScheduleRow(schedules[name], theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderScheduleRow(s *ScheduleState, theme Theme) string {
	outcome := theme.Dim.Render("[nothing planned]")
	if s.Submitted {
		id := s.LastRunID
		if len(id) > 8 {
			id = id[:8]
		}
		outcome = theme.Running.Render("[run " + id + "]")
	}

	next := "next: -"
	if !s.NextFire.IsZero() {
		next = fmt.Sprintf("next: %s (%s)", s.NextFire.Local().Format("15:04:05"), formatCountdown(time.Until(s.NextFire)))
	}
	return fmt.Sprintf(" %-20s %-16s %s %s", s.Name, s.Branch, outcome, theme.Dim.Render(next))
}

func formatCountdown(until time.Duration) string {
	if until <= 0 {
		return "due now"
	}
	until = until.Round(time.Second)
	if until < time.Minute {
		return fmt.Sprintf("in %ds", int(until.Seconds()))
	}
	if until < time.Hour {
		return fmt.Sprintf("in %dm%02ds", int(until.Minutes()), int(until.Seconds())%60)
	}
	return fmt.Sprintf("in %dh%02dm", int(until.Hours()), int(until.Minutes())%60)
}
