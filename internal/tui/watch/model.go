package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sluice/internal/events"
)

const maxRuns = 50

type tickMsg time.Time

// Model is the BubbleTea model for the watch dashboard.
type Model struct {
	ctx    context.Context
	apiURL string
	apiKey string

	width  int
	height int

	health    HealthState
	runs      map[string]*RunState
	schedules map[string]*ScheduleState
	eventLog  []events.Event
	lastID    int64
	lastEvent time.Time
	lastTick  time.Time

	runTable table.Model
	stream   viewport.Model
	spinner  spinner.Model
	theme    Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the API at apiURL. ctx bounds the event
// subscription.
func New(ctx context.Context, apiURL, apiKey string) Model {
	theme := NewDefaultTheme()

	t := table.New(
		table.WithColumns(runColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		ctx:       ctx,
		apiURL:    apiURL,
		apiKey:    apiKey,
		runs:      make(map[string]*RunState),
		schedules: make(map[string]*ScheduleState),
		runTable:  t,
		stream:    viewport.New(80, 8),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.Running)),
		theme:     theme,
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.stream, cmd = m.stream.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.runTable, cmd = m.runTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(m.width - 6)
		m.runTable.SetHeight(max(5, m.height/3))
		m.stream.Width = m.width - 6
		m.stream.Height = max(4, m.height/4)
		m.refresh()

	case tickMsg:
		m.refresh()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.applyEvent(events.Event(msg))
		m.refresh()
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = HealthState{
			Status:        msg.Status,
			UptimeSeconds: msg.UptimeSeconds,
			RunsInFlight:  msg.RunsInFlight,
			Pipeline:      msg.Pipeline,
			Connected:     m.health.Connected,
			LastCheck:     time.Now(),
		}
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
	}

	return m, nil
}

func (m *Model) applyEvent(e events.Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.lastEvent = time.Now()
	if e.Type == "scheduler.tick" {
		m.lastTick = time.Now()
	}

	updateRuns(m.runs, e)
	pruneRuns(m.runs, maxRuns)
	updateScheduleState(m.schedules, e)

	m.health.Connected = true
	m.lastError = ""
}

// refresh re-renders the table rows and stream content from state.
func (m *Model) refresh() {
	m.runTable.SetRows(runRows(sortedRuns(m.runs), m.theme, time.Now()))
	m.stream.SetContent(eventStreamContent(m.eventLog, m.theme))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	activity := m.theme.Dim.Render("idle")
	if m.health.RunsInFlight > 0 {
		activity = m.spinner.View() + m.theme.Running.Render(fmt.Sprintf(" %d running", m.health.RunsInFlight))
	}

	innerWidth := m.width - 4
	parts := []string{
		renderHeader(m.health, activity, m.lastEvent, m.lastTick, m.theme, m.width),
		m.theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("RUNS"), m.runTable.View())),
		renderSchedules(m.schedules, m.theme, m.width),
		m.theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT STREAM"), m.stream.View())),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Runs • [PgUp/PgDn] Events"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
