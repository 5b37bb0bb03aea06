package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stagerd/internal/events"
)

const maxEventLog = 50

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	src    Source
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	health   HealthState
	running  table.Model
	nRunning int
	eventLog []events.Event
	lastID   int64

	ticker   Ticker
	activity Activity
	theme    Theme
	now      func() time.Time

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model reading from src.
func New(src Source) *Model {
	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		src:       src,
		ctx:       ctx,
		cancel:    cancel,
		running:   newRunningTable(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.src, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchSnapshot(m.src) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "up", "k", "down", "j":
			var cmd tea.Cmd
			m.running, cmd = m.running.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.lastID = max(m.lastID, e.ID)
		m.activity.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case snapshotMsg:
		m.health.Connected = true
		m.health.UptimeSeconds = msg.Health.UptimeSeconds
		m.health.Summary = msg.Summary
		m.health.LastCheck = m.now()
		m.nRunning = len(msg.Running)
		m.running.SetRows(runningRowsFor(msg.Running, m.now()))
		m.lastError = ""
		return m, scheduleSnapshot(m.src, refreshInterval)

	case streamClosedMsg:
		if m.ctx.Err() != nil {
			return m, nil
		}
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.src, m.lastID, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, scheduleSnapshot(m.src, refreshInterval)
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to stagerd..."
	}

	now := m.now()
	header := renderHeader(m.health, m.ticker, m.activity, m.theme, now, m.width)
	running := renderRunning(m.running, m.nRunning, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, running, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll running"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// Run starts the dashboard and blocks until the user quits.
func Run(src Source) error {
	_, err := tea.NewProgram(New(src)).Run()
	return err
}
