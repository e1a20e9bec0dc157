package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/orchestrator"
)

const (
	maxStream     = 50
	maxLogLines   = 500
	statusEvery   = 5 * time.Second
	reconnectWait = 3 * time.Second
	// rows taken by the header, event stream, help line and margins
	chromeRows = 24
)

// Model is the BubbleTea model for the project watch TUI.
type Model struct {
	apiURL    string
	apiKey    string
	projectID string

	width  int
	height int

	project  ProjectState
	eventLog []events.Event
	logs     []logEntry
	logPane  viewport.Model

	ticker Ticker
	pulse  Pulse
	theme  Theme

	ctx       context.Context
	cancel    context.CancelFunc
	hubEvents chan events.Event

	lastError string
}

// New creates a watch model following projectID on the server at apiURL.
func New(apiURL, apiKey, projectID string) *Model {
	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		projectID: projectID,
		project:   ProjectState{ID: projectID},
		logPane:   viewport.New(0, 0),
		ticker:    NewTicker(),
		pulse:     NewPulse(),
		theme:     DefaultTheme(),
		ctx:       ctx,
		cancel:    cancel,
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.projectID, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.pollStatus(0),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) pollStatus(after time.Duration) tea.Cmd {
	fetch := func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey, m.projectID) }
	if after == 0 {
		return fetch
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return fetch() })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.logPane, cmd = m.logPane.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logPane.Width = max(m.width-8, 10)
		m.logPane.Height = max(m.height-chromeRows, 3)
		m.refreshLogs()

	case tickMsg:
		m.ticker.Tick()
		m.pulse.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.handleEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.project.applyStatus(orchestrator.Status(msg), time.Now())
		m.lastError = ""
		return m, m.pollStatus(statusEvery)

	case sseDisconnectedMsg:
		m.project.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.Err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.Err)
		}
		return m, tea.Tick(reconnectWait, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.projectID, m.project.LastSeq, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.pollStatus(statusEvery)
	}

	return m, nil
}

// handleEvent applies one streamed event. Events at or below the last seen
// sequence are replays from a reconnect and are dropped.
func (m *Model) handleEvent(e events.Event) {
	if e.Seq != 0 && e.Seq <= m.project.LastSeq {
		return
	}
	m.pulse.OnEvent()
	m.lastError = ""

	entry, isLog := m.project.applyEvent(e)
	if isLog {
		m.logs = append(m.logs, entry)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		m.refreshLogs()
		return
	}

	// newest first
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxStream {
		m.eventLog = m.eventLog[:maxStream]
	}
}

func (m *Model) refreshLogs() {
	atBottom := m.logPane.AtBottom()
	lines := make([]string, len(m.logs))
	for i, l := range m.logs {
		lines[i] = formatLog(l, m.theme)
	}
	m.logPane.SetContent(strings.Join(lines, "\n"))
	if atBottom {
		m.logPane.GotoBottom()
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to " + m.projectID + "..."
	}

	header := renderHeader(m.project, m.ticker, m.pulse, m.theme, m.width)
	stream := renderEventStream(m.eventLog, m.theme, m.width)

	logBody := m.logPane.View()
	if len(m.logs) == 0 {
		logBody = m.theme.Dim.Render("  No agent output yet")
	}
	logPane := m.theme.Frame.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("AGENT LOG"), logBody),
	)

	parts := []string{header, stream, logPane}
	if m.lastError != "" {
		parts = append(parts, m.theme.Bad.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll log"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
