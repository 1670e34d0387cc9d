package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mustard-hep/mustard/internal/events"
)

// Rank statuses shown in the list.
const (
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// RankState is what the pane knows about one rank's loop.
type RankState struct {
	Rank      int
	Status    string
	Total     int64
	Share     int64
	Executed  int64
	StartTime time.Time
	Duration  time.Duration
	Log       []string
}

// Fraction returns the completed part of the rank's share.
func (r *RankState) Fraction() float64 {
	if r.Share <= 0 {
		return 1
	}
	return float64(r.Executed) / float64(r.Share)
}

// RankPaneModel lists the ranks with a bar each and shows the event log of
// the selected one.
type RankPaneModel struct {
	ranks       map[int]*RankState
	rankOrder   []int
	selectedIdx int
	viewport    viewport.Model
	bar         progress.Model
	width       int
	height      int
	focused     bool
}

const listWidth = 44

// NewRankPaneModel creates a new rank pane model.
func NewRankPaneModel() RankPaneModel {
	return RankPaneModel{
		ranks:    make(map[int]*RankState),
		viewport: viewport.New(0, 0),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(16), progress.WithoutPercentage()),
	}
}

// Update handles messages for the rank pane.
func (m RankPaneModel) Update(msg tea.Msg) (RankPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.rankOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.LoopStartedEvent:
		r := m.rank(msg.WorldRank)
		r.Status = statusRunning
		r.Total = msg.Total
		r.Share = msg.Share
		r.Executed = 0
		r.StartTime = msg.Timestamp
		r.Duration = 0
		r.Log = append(r.Log, fmt.Sprintf("[%s] loop of %s tasks, share %s",
			msg.Timestamp.Format(time.TimeOnly), humanize.Comma(msg.Total), humanize.Comma(msg.Share)))
		m.refreshIfSelected(msg.WorldRank)

	case events.LoopProgressEvent:
		r := m.rank(msg.WorldRank)
		r.Executed = msg.Executed
		r.Share = msg.Share

	case events.LoopFinishedEvent:
		r := m.rank(msg.WorldRank)
		r.Executed = msg.Executed
		r.Duration = msg.Duration
		if msg.Err != nil {
			r.Status = statusFailed
			r.Log = append(r.Log, fmt.Sprintf("[Failed after %s tasks: %v]", humanize.Comma(msg.Executed), msg.Err))
		} else {
			r.Status = statusCompleted
			r.Log = append(r.Log, fmt.Sprintf("[Completed %s tasks in %v]", humanize.Comma(msg.Executed), msg.Duration.Round(time.Millisecond)))
		}
		m.refreshIfSelected(msg.WorldRank)
	}

	return m, cmd
}

// rank returns the state of a rank, creating it in rank order.
func (m *RankPaneModel) rank(id int) *RankState {
	if r, ok := m.ranks[id]; ok {
		return r
	}
	r := &RankState{Rank: id}
	m.ranks[id] = r

	selected := m.selectedRank()
	m.rankOrder = append(m.rankOrder, id)
	sort.Ints(m.rankOrder)
	if selected >= 0 {
		m.selectedIdx = sort.SearchInts(m.rankOrder, selected)
	}
	if len(m.rankOrder) == 1 {
		m.updateViewportContent()
	}
	return r
}

// View renders the rank pane.
func (m RankPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderRankList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m RankPaneModel) renderRankList() string {
	var b strings.Builder

	title := StyleTitle.Render("Ranks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.rankOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.rankOrder {
		r := m.ranks[id]
		line := fmt.Sprintf("%s %3d %s %s/%s", StatusIcon(r.Status), id, m.bar.ViewAs(r.Fraction()),
			humanize.Comma(r.Executed), humanize.Comma(r.Share))
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case statusRunning:
		return StyleStatusRunning.Render("●")
	case statusCompleted:
		return StyleStatusComplete.Render("✓")
	case statusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Rank returns the state of a rank and whether the pane has seen it.
func (m RankPaneModel) Rank(id int) (RankState, bool) {
	r, ok := m.ranks[id]
	if !ok {
		return RankState{}, false
	}
	return *r, true
}

// selectedRank returns the rank under the cursor, -1 when there is none.
func (m RankPaneModel) selectedRank() int {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.rankOrder) {
		return m.rankOrder[m.selectedIdx]
	}
	return -1
}

func (m *RankPaneModel) refreshIfSelected(id int) {
	if m.selectedRank() == id {
		m.updateViewportContent()
	}
}

func (m *RankPaneModel) updateViewportContent() {
	r, ok := m.ranks[m.selectedRank()]
	if !ok {
		m.viewport.SetContent("Waiting for ranks...")
		return
	}
	m.viewport.SetContent(strings.Join(r.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *RankPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *RankPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *RankPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
