// Package tui renders a live view of a task loop from the events the ranks
// publish on an events.EventBus.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mustard-hep/mustard/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneRanks PaneID = iota
	PaneSummary
	paneCount
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	rankPane    RankPaneModel
	summaryPane SummaryPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
	quitOnDone  bool
}

// New creates a TUI for a world of worldSize ranks publishing on eventBus.
// With quitOnDone the program exits once every rank has left the loop.
func New(eventBus *events.EventBus, worldSize int, quitOnDone bool) Model {
	m := Model{
		rankPane:    NewRankPaneModel(),
		summaryPane: NewSummaryPaneModel(worldSize),
		focusedPane: PaneRanks,
		eventSub:    eventBus.Subscribe(events.TopicLoop, events.LoopBufferSize(worldSize)),
		quitOnDone:  quitOnDone,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneRanks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneSummary
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneRanks {
				var cmd tea.Cmd
				m.rankPane, cmd = m.rankPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.LoopStartedEvent, events.LoopProgressEvent, events.LoopFinishedEvent:
		var cmd tea.Cmd
		m.rankPane, cmd = m.rankPane.Update(msg)
		cmds = append(cmds, cmd)
		m.summaryPane, cmd = m.summaryPane.Update(msg)
		cmds = append(cmds, cmd)

		if m.quitOnDone && m.summaryPane.Done() {
			m.quitting = true
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	content := lipgloss.JoinVertical(lipgloss.Left, m.summaryPane.View(), m.rankPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, content, HelpView())
}

// Summary returns the world summary, for callers that print it after the program exits.
func (m Model) Summary() SummaryPaneModel { return m.summaryPane }

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	availableHeight := m.height - 1 // help bar
	summaryHeight := min(12, availableHeight/2)

	m.summaryPane.SetSize(m.width, summaryHeight)
	m.rankPane.SetSize(m.width, availableHeight-summaryHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.rankPane.SetFocused(m.focusedPane == PaneRanks)
	m.summaryPane.SetFocused(m.focusedPane == PaneSummary)
}
