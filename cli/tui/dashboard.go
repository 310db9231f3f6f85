package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/SasataniLab/miniscope-io/metrics"
)

// pollInterval is how often the dashboard refreshes its snapshot.
const pollInterval = 250 * time.Millisecond

// Stats is the read-only view of a running capture the dashboard polls.
type Stats struct {
	Snapshot   metrics.Snapshot
	QueueLen   int
	QueueCap   int
	OpenFrames int
}

// StatsFunc supplies a fresh Stats on every poll tick.
type StatsFunc func() Stats

// tickMsg drives the poll loop.
type tickMsg time.Time

// DashboardModel is the Bubble Tea model for the live capture dashboard.
type DashboardModel struct {
	device   string
	fetch    StatsFunc
	stats    Stats
	width    int
	height   int
	quitting bool
}

// NewDashboardModel creates a dashboard over a stats supplier.
func NewDashboardModel(device string, fetch StatsFunc) DashboardModel {
	return DashboardModel{
		device: device,
		fetch:  fetch,
		stats:  fetch(),
	}
}

// Init implements tea.Model.
func (m DashboardModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.stats = m.fetch()
		return m, tick()

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m DashboardModel) View() string {
	if m.quitting {
		return ""
	}

	snap := m.stats.Snapshot

	var b strings.Builder
	title := "Capture"
	if m.device != "" {
		title += ": " + m.device
	}
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n\n")

	intake := []string{
		m.renderStatBox("Received", snap.BuffersReceived, highlightColor),
		m.renderStatBox("Accepted", snap.BuffersAccepted, successColor),
		m.renderStatBox("Rejected", snap.BuffersRejected, errorColor),
		m.renderStatBox("Duplicates", snap.DuplicateBlocks, warningColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, intake...))
	b.WriteString("\n")

	assembly := []string{
		m.renderStatBox("Completed", snap.FramesCompleted, successColor),
		m.renderStatBox("Abandoned", snap.FramesAbandoned, errorColor),
		m.renderStatBox("Missing Blocks", snap.MissingBlocks, warningColor),
		m.renderStatBox("Open Frames", int64(m.stats.OpenFrames), highlightColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, assembly...))
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Queue:"),
		ValueStyle.Render(fmt.Sprintf("%d / %d", m.stats.QueueLen, m.stats.QueueCap))))
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Assembled:"),
		ValueStyle.Render(formatBytes(snap.BytesAssembled))))
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Telemetry:"),
		ValueStyle.Render(fmt.Sprintf("battery %d, ewl %d", snap.Battery, snap.EWL))))

	if len(snap.RejectedByReason) > 0 {
		b.WriteString("\n")
		b.WriteString(LabelStyle.Render("Rejections:"))
		b.WriteString("\n")
		for _, reason := range rejectOrder {
			if n := snap.RejectedByReason[reason]; n > 0 {
				b.WriteString(fmt.Sprintf("  %s %s\n",
					LabelStyle.Render(string(reason)),
					ValueStyle.Render(fmt.Sprintf("%d", n))))
			}
		}
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return b.String() + "\n" + help
}

// rejectOrder fixes the rendering order of rejection reasons.
var rejectOrder = []metrics.RejectReason{
	metrics.RejectMalformedHeader,
	metrics.RejectBadMagic,
	metrics.RejectTruncatedPayload,
	metrics.RejectBlockCountOutOfRange,
	metrics.RejectBlockIndexOutOfRange,
	metrics.RejectStaleFrame,
	metrics.RejectInconsistentBlockCount,
}

func (m DashboardModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// NewProgram builds the dashboard program. The caller runs it in the
// foreground and calls Quit when the capture ends.
func NewProgram(device string, fetch StatsFunc) *tea.Program {
	model := NewDashboardModel(device, fetch)
	return tea.NewProgram(model, tea.WithAltScreen())
}
