// Package dashboard renders the operator terminal UI: the ticket queue,
// running agents with step progress, and recently completed work.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/supervisor"
	"github.com/operatorhq/operator/internal/ticket"
	"github.com/operatorhq/operator/internal/workflow"
)

// Panel width (all panels same width)
const (
	panelTotalWidth = 69 // Total visual width including borders
	panelInnerWidth = 65 // panelTotalWidth - 4 (2 borders + 2 padding spaces)
)

// Styles (muted terminal aesthetic)
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6e7681"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699")) // sage green

	awaitingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#c9d1d9"))
)

// Controller is the slice of the supervisor the dashboard drives.
type Controller interface {
	Agents() []supervisor.AgentState
	Paused() bool
	Pause()
	Resume()
}

// Model is the TUI model.
type Model struct {
	store   *ticket.Store
	reg     *schema.Registry
	engine  *workflow.Engine
	control Controller
	version string

	queued    []*ticket.Ticket
	completed []*ticket.Ticket
	agents    []supervisor.AgentState
	paused    bool

	width    int
	height   int
	selected int
	quitting bool
	loadErr  error
}

// NewModel builds a dashboard over the given collaborators.
func NewModel(store *ticket.Store, reg *schema.Registry, control Controller, version string) Model {
	m := Model{
		store:   store,
		reg:     reg,
		engine:  workflow.NewEngine(reg),
		control: control,
		version: version,
	}
	m.refresh()
	return m
}

// tickMsg is sent periodically to refresh the display.
type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// refresh re-reads the tickets directory and the agent snapshot.
func (m *Model) refresh() {
	queued, err := m.store.ListByPriority()
	if err != nil {
		m.loadErr = err
		return
	}
	completed, err := m.store.ListCompleted()
	if err != nil {
		m.loadErr = err
		return
	}
	m.loadErr = nil
	m.queued = queued
	m.completed = completed
	if m.control != nil {
		m.agents = m.control.Agents()
		m.paused = m.control.Paused()
	}
	if m.selected >= len(m.queued) {
		m.selected = len(m.queued) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "j", "down":
			if m.selected < len(m.queued)-1 {
				m.selected++
			}
		case "k", "up":
			if m.selected > 0 {
				m.selected--
			}
		case "p":
			if m.control != nil {
				if m.control.Paused() {
					m.control.Resume()
				} else {
					m.control.Pause()
				}
				m.paused = m.control.Paused()
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.refresh()
		return m, tickCmd()
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Operator stopped.\n"
	}

	var b strings.Builder

	b.WriteString("\n")
	header := fmt.Sprintf("  OPERATOR %s", m.version)
	if m.paused {
		header += awaitingStyle.Render("  [PAUSED]")
	}
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	if m.loadErr != nil {
		b.WriteString(failedStyle.Render("  " + m.loadErr.Error()))
		b.WriteString("\n\n")
	}

	b.WriteString(m.renderAgents())
	b.WriteString("\n")
	b.WriteString(m.renderQueue())
	b.WriteString("\n")
	b.WriteString(m.renderCompleted())
	b.WriteString("\n")

	b.WriteString(helpStyle.Render("q: quit  p: pause/resume  j/k: select"))
	return b.String()
}

// renderAgents shows each live agent with its step progress.
func (m Model) renderAgents() string {
	var content strings.Builder
	if len(m.agents) == 0 {
		content.WriteString(dimStyle.Render("  No agents running"))
	}
	for i, a := range m.agents {
		if i > 0 {
			content.WriteString("\n")
		}
		progress := a.Step
		if tk, err := m.store.FindTicket(a.TicketID); err == nil {
			if p, _, err := m.engine.FormatProgress(tk); err == nil {
				progress = p
			}
		}
		line := fmt.Sprintf("%s %s  %s", m.statusGlyph(a.Status), a.TicketID, progress)
		content.WriteString(dotLeaderStyled(line, string(a.Status), m.statusStyle(a.Status), panelInnerWidth))
	}
	return renderPanel("AGENTS", content.String())
}

// renderQueue lists queued tickets in claim order.
func (m Model) renderQueue() string {
	var content strings.Builder
	if len(m.queued) == 0 {
		content.WriteString(dimStyle.Render("  Queue is empty"))
	}
	for i, tk := range m.queued {
		if i > 0 {
			content.WriteString("\n")
		}
		glyph := "·"
		if it, ok := m.reg.Get(tk.Type); ok && it.Glyph != "" {
			glyph = it.Glyph
		}
		label := fmt.Sprintf("%s %s  %s", glyph, tk.ID, truncate(tk.Summary, 34))
		line := dotLeader(label, tk.Priority, panelInnerWidth)
		if i == m.selected {
			line = selectedStyle.Render(line)
		} else {
			line = labelStyle.Render(line)
		}
		content.WriteString(line)
	}
	return renderPanel("QUEUE", content.String())
}

// renderCompleted shows the most recent finished tickets.
func (m Model) renderCompleted() string {
	var content strings.Builder
	if len(m.completed) == 0 {
		content.WriteString(dimStyle.Render("  Nothing completed yet"))
	}
	shown := m.completed
	if len(shown) > 5 {
		shown = shown[len(shown)-5:]
	}
	for i, tk := range shown {
		if i > 0 {
			content.WriteString("\n")
		}
		label := fmt.Sprintf("✓ %s  %s", tk.ID, truncate(tk.Summary, 40))
		content.WriteString(completedStyle.Render(dotLeader(label, tk.Timestamp, panelInnerWidth)))
	}
	return renderPanel("COMPLETED", content.String())
}

func (m Model) statusGlyph(s supervisor.AgentStatus) string {
	switch s {
	case supervisor.AgentRunning:
		return "●"
	case supervisor.AgentAwaitingInput:
		return "◐"
	case supervisor.AgentCompleting:
		return "◍"
	default:
		return "✗"
	}
}

func (m Model) statusStyle(s supervisor.AgentStatus) lipgloss.Style {
	switch s {
	case supervisor.AgentRunning:
		return runningStyle
	case supervisor.AgentAwaitingInput:
		return awaitingStyle
	case supervisor.AgentCompleting:
		return completedStyle
	case supervisor.AgentFailed:
		return failedStyle
	default:
		return queuedStyle
	}
}

// renderPanel builds a panel manually with guaranteed width.
// Structure: ╭─ TITLE ─...─╮ / │ (space) content (space) │ / ╰─...─╯
func renderPanel(title string, content string) string {
	var lines []string
	lines = append(lines, buildTopBorder(title))
	lines = append(lines, buildEmptyLine())
	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}
	lines = append(lines, buildEmptyLine())
	lines = append(lines, buildBottomBorder())
	return strings.Join(lines, "\n")
}

func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")
	dashCount := panelTotalWidth - prefixWidth - 1
	if dashCount < 0 {
		dashCount = 0
	}
	return borderStyle.Render(prefix) + titleStyle.Render(titleUpper) +
		borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

func buildEmptyLine() string {
	return borderStyle.Render("│") + strings.Repeat(" ", panelTotalWidth-2) + borderStyle.Render("│")
}

func buildContentLine(line string) string {
	width := lipgloss.Width(line)
	padding := panelTotalWidth - 4 - width
	if padding < 0 {
		padding = 0
	}
	return borderStyle.Render("│") + " " + line + strings.Repeat(" ", padding) + " " + borderStyle.Render("│")
}

func buildBottomBorder() string {
	return borderStyle.Render("╰" + strings.Repeat("─", panelTotalWidth-2) + "╯")
}

// dotLeader creates "  label ......... value" at the given total width.
func dotLeader(label string, value string, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	prefixWidth := lipgloss.Width(prefix)
	suffixWidth := lipgloss.Width(suffix)
	dotsNeeded := totalWidth - prefixWidth - suffixWidth
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + dimStyle.Render(strings.Repeat(".", dotsNeeded)) + suffix
}

// dotLeaderStyled is dotLeader with a styled value. Width is calculated on
// the raw value, then the style is applied.
func dotLeaderStyled(label string, value string, style lipgloss.Style, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	prefixWidth := lipgloss.Width(prefix)
	suffixWidth := lipgloss.Width(suffix)
	dotsNeeded := totalWidth - prefixWidth - suffixWidth
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + dimStyle.Render(strings.Repeat(".", dotsNeeded)) + " " + style.Render(value)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// Run starts the TUI and blocks until the user quits.
func Run(store *ticket.Store, reg *schema.Registry, control Controller, version string) error {
	p := tea.NewProgram(
		NewModel(store, reg, control, version),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	return err
}
