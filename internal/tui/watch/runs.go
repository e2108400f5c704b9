package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/sluice/internal/events"
)

// RunState tracks one run as seen through the event stream.
type RunState struct {
	ID           string
	PlanID       string
	Reason       string
	Status       string
	SupersededBy string
	Stages       []string
	StageStatus  map[string]string
	JobsDone     int
	Started      time.Time
	Finished     time.Time
}

type eventData struct {
	RunID        string   `json:"run_id"`
	PlanID       string   `json:"plan_id"`
	Reason       string   `json:"reason"`
	Stages       []string `json:"stages"`
	Stage        string   `json:"stage"`
	Status       string   `json:"status"`
	SupersededBy string   `json:"superseded_by"`
	Schedule     string   `json:"schedule"`
	Branch       string   `json:"branch"`
	Submitted    bool     `json:"submitted"`
	InFlight     *int     `json:"in_flight"`
	JobID        string   `json:"job_id"`
}

func decodeData(e events.Event) eventData {
	var d eventData
	_ = json.Unmarshal(e.Data, &d)
	return d
}

// updateRuns applies one event to the tracked runs. Runs first seen mid-way
// (after a reconnect) are created on demand without a stage list.
func updateRuns(runs map[string]*RunState, e events.Event) {
	d := decodeData(e)
	if d.RunID == "" {
		return
	}

	run, ok := runs[d.RunID]
	if !ok {
		run = &RunState{ID: d.RunID, Status: "running", StageStatus: map[string]string{}, Started: e.At}
		runs[d.RunID] = run
	}

	switch e.Type {
	case events.PlanSubmitted:
		run.PlanID = d.PlanID
		run.Reason = d.Reason
		run.Stages = d.Stages
		for _, s := range d.Stages {
			if _, seen := run.StageStatus[s]; !seen {
				run.StageStatus[s] = "planned"
			}
		}
	case events.StageDispatched:
		run.StageStatus[d.Stage] = "dispatched"
	case events.StageSkipped:
		run.StageStatus[d.Stage] = "skipped"
	case events.StageCompleted:
		run.StageStatus[d.Stage] = d.Status
	case events.JobCompleted:
		run.JobsDone++
	case events.PlanSuperseded:
		run.Status = "superseded"
		run.SupersededBy = d.SupersededBy
	case events.PlanCompleted:
		if run.Status != "superseded" {
			run.Status = d.Status
		}
		run.Finished = e.At
	}
	if d.Stage != "" && !contains(run.Stages, d.Stage) {
		run.Stages = append(run.Stages, d.Stage)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortedRuns returns running runs first, then the most recently started.
func sortedRuns(runs map[string]*RunState) []*RunState {
	out := make([]*RunState, 0, len(runs))
	for _, r := range runs {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Status == "running", out[j].Status == "running"
		if ri != rj {
			return ri
		}
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.After(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// pruneRuns drops the oldest finished runs beyond limit.
func pruneRuns(runs map[string]*RunState, limit int) {
	sorted := sortedRuns(runs)
	for i := limit; i < len(sorted); i++ {
		if sorted[i].Status != "running" {
			delete(runs, sorted[i].ID)
		}
	}
}

var runColumns = []table.Column{
	{Title: "Run", Width: 8},
	{Title: "Reason", Width: 12},
	{Title: "Status", Width: 11},
	{Title: "Stages", Width: 40},
	{Title: "Jobs", Width: 5},
	{Title: "Age", Width: 8},
}

func runRows(runs []*RunState, theme Theme, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id,
			r.Reason,
			r.Status,
			stageSummary(r, theme),
			fmt.Sprintf("%d", r.JobsDone),
			formatAge(now.Sub(r.Started)),
		})
	}
	return rows
}

// stageSummary renders one glyph per stage in plan order.
func stageSummary(r *RunState, theme Theme) string {
	var b strings.Builder
	for i, s := range r.Stages {
		if i > 0 {
			b.WriteString(" ")
		}
		status := r.StageStatus[s]
		b.WriteString(theme.Status(status).Render(stageGlyph(status) + s))
	}
	return b.String()
}

func stageGlyph(status string) string {
	switch status {
	case "succeeded":
		return "✓"
	case "failed", "errored":
		return "✗"
	case "dispatched":
		return "▶"
	case "skipped":
		return "–"
	default:
		return "·"
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
