package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/status"
	"github.com/operatorhq/operator/internal/ticket"
	"github.com/operatorhq/operator/internal/tmux"
)

type fakeTmux struct {
	calls [][]string
}

func (f *fakeTmux) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if args[0] == "-V" {
		return []byte("tmux 3.4"), nil
	}
	return nil, nil
}

func newLauncher(t *testing.T) (*Launcher, *ticket.Store, *fakeTmux, string) {
	t.Helper()
	reg, err := schema.Load(schema.LoadOptions{ActiveCollection: "dev"})
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	projectDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Projects = []config.ProjectConfig{{Name: "shop", Path: projectDir, BaseBranch: "main"}}
	cfg.Worktrees.BaseDir = filepath.Join(root, "worktrees")

	paths := config.NewPaths(root, ".tickets")
	for _, dir := range []string{paths.QueueDir(), paths.InProgressDir(), paths.CompletedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	store := ticket.NewStore(paths, reg)

	ft := &fakeTmux{}
	client := tmux.NewClientWithRunner(ft.run, tmux.TestSessionPrefix)
	l := New(cfg, paths, reg, store, client)
	l.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return l, store, ft, projectDir
}

func inProgressTicket(t *testing.T, store *ticket.Store) *ticket.Ticket {
	t.Helper()
	tk, err := store.Create(ticket.CreateOptions{Type: "FEAT", Project: "shop", Summary: "Add cart"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.ClaimTicket(tk); err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestPrepare(t *testing.T) {
	l, store, _, projectDir := newLauncher(t)
	tk := inProgressTicket(t, store)

	prepared, err := l.Prepare(context.Background(), tk, Options{})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if prepared.TicketID != "FEAT-1" {
		t.Errorf("TicketID = %q, want FEAT-1", prepared.TicketID)
	}
	if prepared.Step != "plan" {
		t.Errorf("Step = %q, want plan (first step)", prepared.Step)
	}
	if prepared.WorkDir != projectDir {
		t.Errorf("WorkDir = %q, want project path %q", prepared.WorkDir, projectDir)
	}
	if prepared.SessionName != "optest-FEAT-1" {
		t.Errorf("SessionName = %q, want optest-FEAT-1", prepared.SessionName)
	}
	if prepared.SessionID == "" {
		t.Error("SessionID is empty")
	}

	// The prompt file exists and carries the status trailer.
	promptData, err := os.ReadFile(filepath.Join(l.paths.PromptsDir(), prepared.SessionID+".txt"))
	if err != nil {
		t.Fatalf("prompt file missing: %v", err)
	}
	if !strings.Contains(string(promptData), status.BlockStart) {
		t.Error("prompt file missing status trailer")
	}
	if !strings.Contains(prepared.Command, prepared.SessionID) {
		t.Errorf("Command = %q, want session id interpolated", prepared.Command)
	}

	// The launch script cds into the project and execs the command.
	script, err := os.ReadFile(prepared.ScriptPath)
	if err != nil {
		t.Fatalf("launch script missing: %v", err)
	}
	text := string(script)
	if !strings.HasPrefix(text, "#!/bin/bash\n") {
		t.Errorf("script = %q, want bash shebang", text)
	}
	if !strings.Contains(text, "cd '"+projectDir+"'") {
		t.Errorf("script = %q, want quoted cd into project", text)
	}
	if !strings.Contains(text, "exec ") {
		t.Errorf("script = %q, want exec", text)
	}
	info, err := os.Stat(prepared.ScriptPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("script mode = %o, want 0755", info.Mode().Perm())
	}
}

func TestPrepare_Yolo(t *testing.T) {
	l, store, _, _ := newLauncher(t)
	tk := inProgressTicket(t, store)

	prepared, err := l.Prepare(context.Background(), tk, Options{Yolo: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prepared.Command, "--dangerously-skip-permissions") {
		t.Errorf("Command = %q, want yolo flags present", prepared.Command)
	}

	prepared, err = l.Prepare(context.Background(), tk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(prepared.Command, "--dangerously-skip-permissions") {
		t.Errorf("Command = %q, want no yolo flags by default", prepared.Command)
	}
}

func TestPrepare_UnknownProvider(t *testing.T) {
	l, store, _, _ := newLauncher(t)
	tk := inProgressTicket(t, store)

	if _, err := l.Prepare(context.Background(), tk, Options{Provider: "cursor"}); err == nil {
		t.Error("Prepare() = nil error for unknown provider")
	}
}

func TestPrepare_UnconfiguredProject(t *testing.T) {
	l, store, _, _ := newLauncher(t)
	tk, err := store.Create(ticket.CreateOptions{Type: "INV", Summary: "Check alert"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Prepare(context.Background(), tk, Options{}); err == nil {
		t.Error("Prepare() = nil error for unconfigured project")
	}
	// An explicit override sidesteps project resolution.
	override := t.TempDir()
	prepared, err := l.Prepare(context.Background(), tk, Options{ProjectOverride: override})
	if err != nil {
		t.Fatalf("Prepare() with override error = %v", err)
	}
	if prepared.WorkDir != override {
		t.Errorf("WorkDir = %q, want override %q", prepared.WorkDir, override)
	}
}

func TestPrepare_DockerRequiresImage(t *testing.T) {
	l, store, _, _ := newLauncher(t)
	tk := inProgressTicket(t, store)

	if _, err := l.Prepare(context.Background(), tk, Options{Docker: true}); err == nil {
		t.Error("Prepare() = nil error for docker without image")
	}

	l.cfg.Tools.Docker.Image = "operator/agent:latest"
	prepared, err := l.Prepare(context.Background(), tk, Options{Docker: true})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	for _, want := range []string{
		"docker run --rm -it -v",
		":" + l.cfg.Tools.Docker.Mount + ":rw",
		"-w " + l.cfg.Tools.Docker.Mount,
		"operator/agent:latest",
		`sh -c "`,
	} {
		if !strings.Contains(prepared.Command, want) {
			t.Errorf("Command = %q, missing %q", prepared.Command, want)
		}
	}
}

func TestLaunch_MissingToolBinary(t *testing.T) {
	l, store, ft, _ := newLauncher(t)
	tk := inProgressTicket(t, store)
	l.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }

	if _, err := l.Launch(context.Background(), tk, Options{}); err == nil {
		t.Fatal("Launch() = nil error with tool missing from PATH")
	}
	for _, call := range ft.calls {
		if call[1] == "new-session" {
			t.Errorf("tmux calls = %v, want no new-session after failed tool check", ft.calls)
		}
	}
}

func TestLaunch_CreatesSession(t *testing.T) {
	l, store, ft, _ := newLauncher(t)
	tk := inProgressTicket(t, store)

	prepared, err := l.Launch(context.Background(), tk, Options{})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	var sawVersion, sawSession bool
	for _, call := range ft.calls {
		switch call[1] {
		case "-V":
			sawVersion = true
		case "new-session":
			sawSession = true
			if call[4] != "optest-FEAT-1" {
				t.Errorf("session name = %q, want optest-FEAT-1", call[4])
			}
			if !strings.HasPrefix(call[5], "bash ") {
				t.Errorf("session command = %q, want bash <script>", call[5])
			}
		}
	}
	if !sawVersion || !sawSession {
		t.Errorf("tmux calls = %v, want version check and new-session", ft.calls)
	}

	// The session id lands on the ticket for the launched step.
	reloaded, err := store.Reload(tk)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Sessions["plan"]; got != prepared.SessionID {
		t.Errorf("Sessions[plan] = %q, want %q", got, prepared.SessionID)
	}
}

func TestInterpolate_EmptyModelDropsFlag(t *testing.T) {
	tool := config.ToolConfig{
		CommandTemplate: "claude {{model_flag}} {{model}} --session-id {{session_id}} {{prompt_file}}",
		ModelFlag:       "--model",
	}
	got := interpolate(tool, nil, "sess", "/p.txt", false)
	if strings.Contains(got, "--model") {
		t.Errorf("interpolate() = %q, want model flag dropped when model empty", got)
	}
	if got != "claude --session-id sess /p.txt" {
		t.Errorf("interpolate() = %q", got)
	}
}

func TestCollapseSpaces_PreservesQuotedRuns(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude  --flag   x", "claude --flag x"},
		{`claude --add-dir '/home/my  project' run`, `claude --add-dir '/home/my  project' run`},
		{`a  "b   c"  d`, `a "b   c" d`},
		{"  leading and trailing  ", "leading and trailing"},
	}
	for _, tt := range tests {
		if got := collapseSpaces(tt.in); got != tt.want {
			t.Errorf("collapseSpaces(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
