package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/echelondev/echelon/internal/db"
	"github.com/echelondev/echelon/internal/engine"
	"github.com/echelondev/echelon/internal/hierarchy"
)

// EventMsg wraps engine events for Bubble Tea.
type EventMsg struct {
	Event engine.Event
}

// EventsClosedMsg signals the engine event channel has closed.
type EventsClosedMsg struct{}

// SessionDoneMsg signals the background run has finished.
type SessionDoneMsg struct {
	Session *db.Session
	Err     error
}

// CancelFunc is invoked when the user requests cancellation.
type CancelFunc func() error

// ProgressModel is the model for the live session view: the level hierarchy
// on the left, the event log on the right, the best score in the footer.
type ProgressModel struct {
	session *db.Session
	levels  []hierarchy.Level
	cancel  CancelFunc

	currentLevel int
	iteration    int
	bestScore    float64
	// output is a plain slice so the model stays safe to copy; Bubble Tea
	// passes models by value on every Update.
	output   []string
	viewport viewport.Model
	spinner      spinner.Model
	width        int
	height       int
	completed    bool
	failed       bool
	cancelSent   bool
	err          error
	autoScroll   bool

	events <-chan engine.Event
}

// NewProgressModel creates a progress model for a running session.
func NewProgressModel(session *db.Session, levels []hierarchy.Level, events <-chan engine.Event, cancel CancelFunc) ProgressModel {
	vp := viewport.New(80, 20)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorCyan)

	return ProgressModel{
		session:      session,
		levels:       levels,
		cancel:       cancel,
		currentLevel: session.CurrentLevel,
		iteration:    session.CurrentIteration,
		bestScore:    session.BestScore,
		viewport:     vp,
		spinner:      sp,
		events:       events,
		autoScroll:   true,
	}
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvents)
}

// listenForEvents waits for the next engine event.
func (m ProgressModel) listenForEvents() tea.Msg {
	if m.events == nil {
		return nil
	}
	event, ok := <-m.events
	if !ok {
		return EventsClosedMsg{}
	}
	return EventMsg{Event: event}
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (ProgressModel, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Reserve space for header (2 lines) + footer (2 lines).
		viewportHeight := msg.Height - 6
		if viewportHeight < 3 {
			viewportHeight = 3
		}
		viewportWidth := msg.Width - 32
		if viewportWidth < 20 {
			viewportWidth = 20
		}
		m.viewport.Width = viewportWidth
		m.viewport.Height = viewportHeight
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.handleEvent(msg.Event)
		cmds = append(cmds, m.listenForEvents)

	case EventsClosedMsg:
		if m.err == nil && !m.completed && !m.failed {
			m.completed = true
			m.appendLine("\n--- Session finished ---")
		}
		return m, nil

	case SessionDoneMsg:
		if msg.Session != nil {
			m.session = msg.Session
			m.bestScore = msg.Session.BestScore
		}
		if msg.Err != nil {
			m.err = msg.Err
			m.failed = true
			m.appendLine(fmt.Sprintf("\n--- Error: %v ---", msg.Err))
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if !m.cancelSent && !m.completed && !m.failed && m.cancel != nil {
				m.cancelSent = true
				if err := m.cancel(); err != nil {
					m.appendLine(fmt.Sprintf("Cancel request failed: %v", err))
				} else {
					m.appendLine("Cancel requested; stopping at next iteration boundary")
				}
			}
			return m, nil
		case "up", "k":
			m.viewport.LineUp(1)
			m.autoScroll = false
		case "down", "j":
			m.viewport.LineDown(1)
			if m.viewport.AtBottom() {
				m.autoScroll = true
			}
		case "g", "home":
			m.viewport.GotoTop()
			m.autoScroll = false
		case "G", "end":
			m.viewport.GotoBottom()
			m.autoScroll = true
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleEvent folds one engine event into the view state.
func (m *ProgressModel) handleEvent(event engine.Event) {
	switch event.Type {
	case engine.EventSessionCreated:
		m.appendLine(fmt.Sprintf("Session %s created", shortID(event.SessionID)))

	case engine.EventIterationStarted:
		m.currentLevel = event.Level
		m.iteration = event.Iteration
		m.appendLine(fmt.Sprintf("\n=== Level %d, iteration %d ===", event.Level, event.Iteration))

	case engine.EventStepRecorded:
		m.appendLine(fmt.Sprintf("  %s scored %.1f", event.AgentID, event.Score))

	case engine.EventAnomaly:
		m.appendLine(anomalyStyle.Render(
			fmt.Sprintf("  %s failed: %s", event.AgentID, truncate(event.Message, 80))))

	case engine.EventDegraded:
		m.appendLine(anomalyStyle.Render("  all agents failed this iteration"))

	case engine.EventLevelAdvanced:
		m.currentLevel = event.Level
		m.iteration = event.Iteration
		m.bestScore = event.BestScore
		m.appendLine(fmt.Sprintf("Advancing to level %d (best %.1f)", event.Level, event.BestScore))

	case engine.EventRepeated:
		m.iteration = event.Iteration
		m.bestScore = event.BestScore
		m.appendLine(fmt.Sprintf("Repeating level %d (best %.1f)", event.Level, event.BestScore))

	case engine.EventCompleted:
		m.completed = true
		m.bestScore = event.BestScore
		m.appendLine(fmt.Sprintf("\n--- Converged with best score %.1f ---", event.BestScore))

	case engine.EventCapped:
		m.completed = true
		m.bestScore = event.BestScore
		m.appendLine(fmt.Sprintf("\n--- %s; best score %.1f ---", event.Message, event.BestScore))

	case engine.EventFailed:
		m.failed = true
		m.appendLine(failedStyle.Render(fmt.Sprintf("\n--- Failed: %s ---", event.Message)))
	}
}

func (m *ProgressModel) appendLine(line string) {
	m.output = append(m.output, line)
	m.viewport.SetContent(strings.Join(m.output, "\n"))
	if m.autoScroll {
		m.viewport.GotoBottom()
	}
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	var s strings.Builder

	s.WriteString(m.renderHeader())
	s.WriteString("\n")
	s.WriteString(lipgloss.JoinHorizontal(
		lipgloss.Top,
		levelListStyle.Render(m.renderLevels()),
		outputStyle.Render(m.viewport.View()),
	))
	s.WriteString("\n")
	s.WriteString(m.renderFooter())

	return s.String()
}

func (m ProgressModel) renderHeader() string {
	problem := ""
	if m.session != nil {
		problem = truncate(m.session.ProblemDescription, 60)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render("Echelon"),
		"  ",
		statusStyle.Render(problem),
	)
}

// renderLevels renders the hierarchy sidebar. Levels below the current one
// are done, the current one is active, the rest are pending.
func (m ProgressModel) renderLevels() string {
	var s strings.Builder

	for _, level := range m.levels {
		var style lipgloss.Style
		var icon string
		switch {
		case level.Number < m.currentLevel || m.completed:
			style = levelDoneStyle
			icon = "●"
		case level.Number == m.currentLevel:
			style = levelActiveStyle
			icon = "◐"
		default:
			style = levelPendingStyle
			icon = "○"
		}

		s.WriteString(style.Render(fmt.Sprintf("%s L%d %s", icon, level.Number, level.Name)))
		s.WriteString("\n")
		for _, agent := range level.AgentIDs {
			s.WriteString(levelPendingStyle.Render("    " + truncate(agent, 18)))
			s.WriteString("\n")
		}
	}

	return s.String()
}

func (m ProgressModel) renderFooter() string {
	var left string
	switch {
	case m.failed:
		left = failedStyle.Render("Failed")
	case m.completed:
		left = scoreStyle.Render(fmt.Sprintf("Done (best %.1f)", m.bestScore))
	default:
		left = fmt.Sprintf("%s L%d i%d  best %s",
			m.spinner.View(), m.currentLevel, m.iteration,
			scoreStyle.Render(fmt.Sprintf("%.1f", m.bestScore)))
	}

	right := "c: cancel | j/k: scroll | g/G: top/bottom | q: quit"

	leftWidth := lipgloss.Width(left)
	rightWidth := lipgloss.Width(right)
	spacing := m.width - leftWidth - rightWidth - 4
	if spacing < 1 {
		spacing = 1
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		left,
		strings.Repeat(" ", spacing),
		helpStyle.Render(right),
	)
}

// BestScore returns the best score seen so far.
func (m ProgressModel) BestScore() float64 {
	return m.bestScore
}

// IsCompleted returns whether the session has finished successfully.
func (m ProgressModel) IsCompleted() bool {
	return m.completed
}

// IsFailed returns whether the session has failed.
func (m ProgressModel) IsFailed() bool {
	return m.failed
}

// Output returns the accumulated event log.
func (m ProgressModel) Output() string {
	return strings.Join(m.output, "\n")
}

// shortID returns the first hex group of a UUID.
func shortID(id string) string {
	if i := strings.Index(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}

// truncate truncates a string to the given display width.
// It properly handles Unicode characters by using rune width calculations.
func truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}
