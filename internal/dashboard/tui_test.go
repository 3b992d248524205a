package dashboard

import (
	"os"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/supervisor"
	"github.com/operatorhq/operator/internal/ticket"
)

type fakeControl struct {
	agents []supervisor.AgentState
	paused bool
}

func (f *fakeControl) Agents() []supervisor.AgentState { return f.agents }
func (f *fakeControl) Paused() bool                    { return f.paused }
func (f *fakeControl) Pause()                          { f.paused = true }
func (f *fakeControl) Resume()                         { f.paused = false }

func newTestModel(t *testing.T) (Model, *ticket.Store, *fakeControl) {
	t.Helper()
	reg, err := schema.Load(schema.LoadOptions{ActiveCollection: "dev"})
	if err != nil {
		t.Fatal(err)
	}
	paths := config.NewPaths(t.TempDir(), ".tickets")
	for _, dir := range []string{paths.QueueDir(), paths.InProgressDir(), paths.CompletedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	store := ticket.NewStore(paths, reg)
	control := &fakeControl{}
	return NewModel(store, reg, control, "0.1.0"), store, control
}

func TestView_EmptyState(t *testing.T) {
	m, _, _ := newTestModel(t)
	view := m.View()
	if !strings.Contains(view, "Queue is empty") {
		t.Errorf("view missing empty-queue notice:\n%s", view)
	}
	if !strings.Contains(view, "No agents running") {
		t.Errorf("view missing empty-agents notice:\n%s", view)
	}
	if !strings.Contains(view, "OPERATOR 0.1.0") {
		t.Errorf("view missing header:\n%s", view)
	}
}

func TestView_ShowsQueueAndAgents(t *testing.T) {
	m, store, control := newTestModel(t)
	if _, err := store.Create(ticket.CreateOptions{Type: "FEAT", Project: "shop", Summary: "dark mode"}); err != nil {
		t.Fatal(err)
	}
	control.agents = []supervisor.AgentState{{
		TicketID: "FIX-9",
		Step:     "patch",
		Status:   supervisor.AgentRunning,
	}}
	m.refresh()

	view := m.View()
	if !strings.Contains(view, "FEAT-1") || !strings.Contains(view, "dark mode") {
		t.Errorf("view missing queued ticket:\n%s", view)
	}
	if !strings.Contains(view, "FIX-9") {
		t.Errorf("view missing running agent:\n%s", view)
	}
	if !strings.Contains(view, "P2-medium") {
		t.Errorf("view missing priority:\n%s", view)
	}
}

func TestView_PausedBanner(t *testing.T) {
	m, _, control := newTestModel(t)
	control.paused = true
	m.refresh()
	if !strings.Contains(m.View(), "[PAUSED]") {
		t.Error("view missing paused banner")
	}
}

func TestUpdate_PauseToggle(t *testing.T) {
	m, _, control := newTestModel(t)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	m = next.(Model)
	if !control.paused {
		t.Error("p did not pause")
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	m = next.(Model)
	if control.paused {
		t.Error("second p did not resume")
	}
}

func TestUpdate_SelectionBounds(t *testing.T) {
	m, store, _ := newTestModel(t)
	for _, summary := range []string{"one", "two"} {
		if _, err := store.Create(ticket.CreateOptions{Type: "TASK", Project: "shop", Summary: summary}); err != nil {
			t.Fatal(err)
		}
	}
	m.refresh()

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	m = next.(Model)
	if m.selected != 0 {
		t.Errorf("selected = %d after k at top, want 0", m.selected)
	}

	for i := 0; i < 5; i++ {
		next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
		m = next.(Model)
	}
	if m.selected != 1 {
		t.Errorf("selected = %d after repeated j, want 1", m.selected)
	}
}

func TestUpdate_QuitKeys(t *testing.T) {
	m, _, _ := newTestModel(t)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q did not produce a quit command")
	}
	if view := next.(Model).View(); !strings.Contains(view, "Operator stopped") {
		t.Errorf("quitting view = %q", view)
	}
}

func TestRenderPanel_Width(t *testing.T) {
	panel := renderPanel("QUEUE", "  line one\n  line two")
	for _, line := range strings.Split(panel, "\n") {
		if got := lipgloss.Width(line); got != panelTotalWidth {
			t.Errorf("panel line width = %d, want %d: %q", got, panelTotalWidth, line)
		}
	}
}

func TestDotLeader(t *testing.T) {
	line := dotLeader("FEAT-1 dark mode", "P2-medium", panelInnerWidth)
	if got := lipgloss.Width(line); got != panelInnerWidth {
		t.Errorf("dotLeader width = %d, want %d", got, panelInnerWidth)
	}
	if !strings.Contains(line, "...") {
		t.Errorf("dotLeader missing dots: %q", line)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a very long ticket summary", 10); lipgloss.Width(got) > 10 {
		t.Errorf("truncate too wide: %q", got)
	}
}
