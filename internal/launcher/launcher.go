// Package launcher turns a ticket into a running agent session: compose the
// prompt, resolve permissions, build the provider command, write the launch
// script, and hand it to tmux.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/logging"
	"github.com/operatorhq/operator/internal/permissions"
	"github.com/operatorhq/operator/internal/prompt"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/ticket"
	"github.com/operatorhq/operator/internal/tmux"
	"github.com/operatorhq/operator/internal/workflow"
	"github.com/operatorhq/operator/internal/worktree"
)

// Options modifies one launch.
type Options struct {
	// Provider overrides the configured default LLM tool.
	Provider string
	// Model overrides the tool's configured model.
	Model string
	// Docker wraps the command in a container.
	Docker bool
	// Yolo enables the tool's skip-permission flags.
	Yolo bool
	// ProjectOverride forces the working directory.
	ProjectOverride string
	// UseWorktree materializes a per-ticket worktree and runs inside it.
	UseWorktree bool
	// Carry threads the previous step's summary into the prompt.
	Carry *prompt.Carry
	// ExtraSections are appended to the prompt before the status trailer.
	ExtraSections []string
}

// PreparedLaunch is everything needed to run the session, with or without
// the multiplexer step. Editor integrations consume this directly.
type PreparedLaunch struct {
	AgentID         string
	TicketID        string
	WorkDir         string
	Command         string
	ScriptPath      string
	SessionName     string
	SessionID       string
	Step            string
	WorktreeCreated bool
	Branch          string
}

// Launcher builds and starts agent sessions.
type Launcher struct {
	cfg       *config.Config
	paths     config.Paths
	reg       *schema.Registry
	engine    *workflow.Engine
	composer  *prompt.Composer
	resolver  *permissions.Resolver
	tmux      *tmux.Client
	worktrees *worktree.Manager
	store     *ticket.Store

	// lookPath is swapped in tests.
	lookPath func(string) (string, error)
}

// New wires a launcher from its collaborators.
func New(cfg *config.Config, paths config.Paths, reg *schema.Registry, store *ticket.Store, tm *tmux.Client) *Launcher {
	return &Launcher{
		cfg:       cfg,
		paths:     paths,
		reg:       reg,
		engine:    workflow.NewEngine(reg),
		composer:  prompt.NewComposer(paths),
		resolver:  permissions.NewResolver(paths),
		tmux:      tm,
		worktrees: worktree.NewManager(cfg.Worktrees.BaseDir),
		store:     store,
		lookPath:  exec.LookPath,
	}
}

// Prepare runs every launch step except creating the tmux session.
func (l *Launcher) Prepare(ctx context.Context, t *ticket.Ticket, opts Options) (*PreparedLaunch, error) {
	it, ok := l.reg.Get(t.Type)
	if !ok {
		return nil, fmt.Errorf("unknown issue type %q for %s", t.Type, t.ID)
	}
	step, err := l.engine.CurrentStep(t)
	if err != nil {
		return nil, err
	}

	provider := opts.Provider
	if provider == "" {
		provider = l.cfg.Tools.DefaultProvider
	}
	tool, err := l.cfg.Tool(provider)
	if err != nil {
		return nil, err
	}
	if opts.Model != "" {
		tool.Model = opts.Model
	}

	sessionID := uuid.NewString()

	workDir, created, branch, err := l.resolveWorkDir(ctx, t, opts)
	if err != nil {
		return nil, err
	}

	composed, err := l.composer.Compose(prompt.Request{
		Ticket:        t,
		Type:          it,
		Step:          step,
		CWD:           workDir,
		Carry:         opts.Carry,
		ExtraSections: opts.ExtraSections,
	})
	if err != nil {
		return nil, err
	}
	promptFile, err := l.writePrompt(sessionID, composed)
	if err != nil {
		return nil, err
	}

	gen, err := l.resolver.Resolve(permissions.Request{
		ProjectPath: workDir,
		Step:        step,
		Provider:    provider,
		TicketID:    t.ID,
		SessionID:   sessionID,
	})
	if err != nil {
		return nil, err
	}

	command := interpolate(tool, gen.Flags, sessionID, promptFile, opts.Yolo)
	if opts.Docker {
		command, err = l.wrapDocker(command, workDir)
		if err != nil {
			return nil, err
		}
	}

	scriptPath, err := l.writeScript(sessionID, workDir, command)
	if err != nil {
		return nil, err
	}

	return &PreparedLaunch{
		AgentID:         "agent-" + sessionID[:8],
		TicketID:        t.ID,
		WorkDir:         workDir,
		Command:         command,
		ScriptPath:      scriptPath,
		SessionName:     l.tmux.SessionName(t.ID),
		SessionID:       sessionID,
		Step:            step.Name,
		WorktreeCreated: created,
		Branch:          branch,
	}, nil
}

// Launch prepares the session and starts it detached under tmux. The
// session id is recorded on the ticket for the step being run.
func (l *Launcher) Launch(ctx context.Context, t *ticket.Ticket, opts Options) (*PreparedLaunch, error) {
	if err := l.tmux.EnsureInstalled(ctx); err != nil {
		return nil, err
	}
	if err := l.ensureTool(opts.Provider); err != nil {
		return nil, err
	}
	prepared, err := l.Prepare(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(prepared.WorkDir); err != nil {
		return nil, fmt.Errorf("project path does not exist: %s", prepared.WorkDir)
	}

	if err := l.tmux.NewSession(ctx, prepared.SessionName, "bash "+prepared.ScriptPath); err != nil {
		return nil, err
	}
	if err := l.store.SetSessionID(t, prepared.Step, prepared.SessionID); err != nil {
		logging.WithTicket(t.ID).Warn("failed to record session id", "error", err)
	}
	logging.WithTicket(t.ID).Info("agent session started",
		"session", prepared.SessionName, "step", prepared.Step, "workdir", prepared.WorkDir)
	return prepared, nil
}

// ensureTool verifies the provider's binary is on PATH before anything is
// claimed or written.
func (l *Launcher) ensureTool(provider string) error {
	if provider == "" {
		provider = l.cfg.Tools.DefaultProvider
	}
	tool, err := l.cfg.Tool(provider)
	if err != nil {
		return err
	}
	if _, err := l.lookPath(tool.Command); err != nil {
		return fmt.Errorf("%s not found on PATH: install it or change tools.default_provider", tool.Command)
	}
	return nil
}

// resolveWorkDir picks the directory the agent runs in: explicit override,
// existing or fresh worktree, or the project checkout.
func (l *Launcher) resolveWorkDir(ctx context.Context, t *ticket.Ticket, opts Options) (dir string, created bool, branch string, err error) {
	if opts.ProjectOverride != "" {
		return opts.ProjectOverride, false, t.Branch, nil
	}
	if t.WorktreePath != "" {
		return t.WorktreePath, false, t.Branch, nil
	}

	project, ok := l.cfg.Project(t.Project)
	if !ok {
		return "", false, "", fmt.Errorf("project %q is not configured", t.Project)
	}
	if !opts.UseWorktree {
		return project.Path, false, t.Branch, nil
	}

	branch = worktree.BranchForTicket(t.Type, t.ID)
	base := project.BaseBranch
	if base == "" {
		base = "main"
	}
	info, err := l.worktrees.EnsureExists(ctx, project.Path, t.Project, t.ID, branch, base)
	if err != nil {
		return "", false, "", err
	}
	if err := l.store.UpdateField(t, "worktree_path", info.Path); err != nil {
		return "", false, "", err
	}
	if err := l.store.UpdateField(t, "branch", info.Branch); err != nil {
		return "", false, "", err
	}
	return info.Path, true, info.Branch, nil
}

func (l *Launcher) writePrompt(sessionID, content string) (string, error) {
	if err := os.MkdirAll(l.paths.PromptsDir(), 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(l.paths.PromptsDir(), sessionID+".txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write prompt: %w", err)
	}
	return path, nil
}

// writeScript emits the executable launch script. The cd path is
// single-quote escaped; the command itself is written verbatim.
func (l *Launcher) writeScript(sessionID, workDir, command string) (string, error) {
	if err := os.MkdirAll(l.paths.CommandsDir(), 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(l.paths.CommandsDir(), sessionID+".sh")
	script := "#!/bin/bash\ncd " + tmux.ShellQuote(workDir) + "\nexec " + command + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("failed to write launch script: %w", err)
	}
	return path, nil
}

// interpolate fills the tool's command template. Yolo flags only appear
// when requested; the template decides their position.
func interpolate(tool config.ToolConfig, configFlags []string, sessionID, promptFile string, yolo bool) string {
	yoloFlags := ""
	if yolo {
		yoloFlags = strings.Join(tool.YoloFlags, " ")
	}
	modelFlag, model := tool.ModelFlag, tool.Model
	if model == "" {
		modelFlag = ""
	}

	replacer := strings.NewReplacer(
		"{{config_flags}}", strings.Join(quoteFlags(configFlags), " "),
		"{{yolo_flags}}", yoloFlags,
		"{{model_flag}}", modelFlag,
		"{{model}}", model,
		"{{session_id}}", sessionID,
		"{{prompt_file}}", promptFile,
	)
	return collapseSpaces(replacer.Replace(tool.CommandTemplate))
}

// quoteFlags shell-quotes flag values that contain spaces or metacharacters.
func quoteFlags(flags []string) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		if strings.ContainsAny(f, " \t'\"$&|;()<>*?") && !strings.HasPrefix(f, "'") {
			out[i] = tmux.ShellQuote(f)
		} else {
			out[i] = f
		}
	}
	return out
}

// collapseSpaces tidies the gaps left by empty placeholders. Runs of
// whitespace inside quoted values are part of the value and kept intact.
func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	pendingSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == ' ' || c == '\t' {
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteByte(c)
		if c == '\'' || c == '"' {
			quote = c
		}
	}
	return b.String()
}

// wrapDocker encloses the command in a docker run invocation mounting the
// project at the configured mount point.
func (l *Launcher) wrapDocker(command, workDir string) (string, error) {
	docker := l.cfg.Tools.Docker
	if docker.Image == "" {
		return "", fmt.Errorf("docker launch requested but no image is configured")
	}
	mount := docker.Mount
	if mount == "" {
		mount = "/workspace"
	}

	var b strings.Builder
	b.WriteString("docker run --rm -it -v ")
	b.WriteString(workDir + ":" + mount + ":rw")
	b.WriteString(" -w " + mount)
	for _, env := range docker.Env {
		b.WriteString(" -e " + env)
	}
	b.WriteString(" " + docker.Image)
	b.WriteString(` sh -c "` + strings.ReplaceAll(command, `"`, `\"`) + `"`)
	return b.String(), nil
}
