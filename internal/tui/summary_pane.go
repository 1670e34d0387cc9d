package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mustard-hep/mustard/internal/events"
)

// SummaryPaneModel shows the whole world's progress through the loop.
type SummaryPaneModel struct {
	run       string
	worldSize int
	total     int64
	executed  map[int]int64
	status    map[int]string
	started   time.Time
	elapsed   time.Duration
	bar       progress.Model
	width     int
	height    int
	focused   bool
}

// NewSummaryPaneModel creates a summary for a world of worldSize ranks.
func NewSummaryPaneModel(worldSize int) SummaryPaneModel {
	return SummaryPaneModel{
		worldSize: worldSize,
		executed:  make(map[int]int64),
		status:    make(map[int]string),
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// Update handles messages for the summary pane.
func (m SummaryPaneModel) Update(msg tea.Msg) (SummaryPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case events.LoopStartedEvent:
		if m.started.IsZero() || msg.Timestamp.Before(m.started) {
			m.started = msg.Timestamp
		}
		m.run = msg.Run
		m.total = msg.Total
		m.executed[msg.WorldRank] = 0
		m.status[msg.WorldRank] = statusRunning

	case events.LoopProgressEvent:
		m.executed[msg.WorldRank] = msg.Executed
		m.elapsed = msg.Timestamp.Sub(m.started)

	case events.LoopFinishedEvent:
		m.executed[msg.WorldRank] = msg.Executed
		m.elapsed = max(m.elapsed, msg.Timestamp.Sub(m.started))
		if msg.Err != nil {
			m.status[msg.WorldRank] = statusFailed
		} else {
			m.status[msg.WorldRank] = statusCompleted
		}
	}

	return m, nil
}

// Executed returns the number of tasks executed by all ranks so far.
func (m SummaryPaneModel) Executed() int64 {
	var sum int64
	for _, n := range m.executed {
		sum += n
	}
	return sum
}

// Counts returns the number of ranks running, completed, failed and not yet seen.
func (m SummaryPaneModel) Counts() (running, completed, failed, pending int) {
	for _, s := range m.status {
		switch s {
		case statusRunning:
			running++
		case statusCompleted:
			completed++
		case statusFailed:
			failed++
		}
	}
	pending = max(m.worldSize-len(m.status), 0)
	return running, completed, failed, pending
}

// Done reports whether every rank has left the loop.
func (m SummaryPaneModel) Done() bool {
	running, _, _, pending := m.Counts()
	return len(m.status) > 0 && running == 0 && pending == 0
}

// View renders the summary pane.
func (m SummaryPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("World Progress")
	if m.run != "" {
		title = StyleTitle.Render("World Progress · " + m.run)
	}
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	running, completed, failed, pending := m.Counts()
	executed := m.Executed()

	b.WriteString(fmt.Sprintf("Tasks:     %s/%s\n", humanize.Comma(executed), humanize.Comma(m.total)))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", running))))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", completed))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", failed))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", pending))))
	if m.elapsed > 0 {
		rate := float64(executed) / m.elapsed.Seconds()
		b.WriteString(fmt.Sprintf("Elapsed:   %v (%s tasks/s)\n", m.elapsed.Round(time.Millisecond), humanize.CommafWithDigits(rate, 1)))
	}
	b.WriteString("\n")

	frac := 1.0
	if m.total > 0 {
		frac = float64(executed) / float64(m.total)
	}
	b.WriteString(m.bar.ViewAs(frac))
	b.WriteString("\n")

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *SummaryPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *SummaryPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
