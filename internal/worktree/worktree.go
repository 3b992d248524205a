// Package worktree materializes per-ticket git worktrees so agents never
// touch a developer's checkout. Paths are deterministic:
// <base>/<project>/<ticket_id_lowercased>.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Info describes one materialized worktree.
type Info struct {
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	BaseCommit string `json:"base_commit"`
	BaseBranch string `json:"base_branch"`
}

// Runner executes one git invocation in a directory and returns combined
// output. Injectable for tests.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func gitRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Manager creates and removes worktrees under a fixed base directory.
type Manager struct {
	baseDir string
	run     Runner
}

// NewManager creates a worktree manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir, run: gitRunner}
}

// NewManagerWithRunner creates a manager with an injected git runner.
func NewManagerWithRunner(baseDir string, run Runner) *Manager {
	return &Manager{baseDir: baseDir, run: run}
}

// Path returns the deterministic worktree location for a ticket.
func (m *Manager) Path(project, ticketID string) string {
	return filepath.Join(m.baseDir, project, strings.ToLower(ticketID))
}

// CreateForTicket adds a worktree with a fresh branch forked from
// baseBranch. The target directory must not already exist.
func (m *Manager) CreateForTicket(ctx context.Context, repo, project, ticketID, branch, baseBranch string) (*Info, error) {
	if _, err := os.Stat(filepath.Join(repo, ".git")); err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repo)
	}

	path := m.Path(project, ticketID)
	if _, err := os.Stat(path); err == nil {
		if m.isWorktree(ctx, path) {
			return nil, fmt.Errorf("worktree already exists at %s", path)
		}
		return nil, fmt.Errorf("directory %s exists and is not a git worktree", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	baseCommit, err := m.revParse(ctx, repo, baseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base branch %s: %w", baseBranch, err)
	}

	out, err := m.run(ctx, repo, "worktree", "add", "-b", branch, path, baseBranch)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "already checked out") || strings.Contains(msg, "already used by worktree") {
			return nil, fmt.Errorf("branch %s is already checked out in another worktree", branch)
		}
		return nil, fmt.Errorf("failed to add worktree: %v: %s", err, msg)
	}

	return &Info{Path: path, Branch: branch, BaseCommit: baseCommit, BaseBranch: baseBranch}, nil
}

// EnsureExists returns the existing worktree's info when the path already
// holds a valid worktree, otherwise creates it. Idempotent.
func (m *Manager) EnsureExists(ctx context.Context, repo, project, ticketID, branch, baseBranch string) (*Info, error) {
	path := m.Path(project, ticketID)
	if _, err := os.Stat(path); err == nil {
		if !m.isWorktree(ctx, path) {
			return nil, fmt.Errorf("directory %s exists and is not a git worktree", path)
		}
		existing, err := m.currentBranch(ctx, path)
		if err != nil {
			return nil, err
		}
		baseCommit, _ := m.revParse(ctx, repo, baseBranch)
		return &Info{Path: path, Branch: existing, BaseCommit: baseCommit, BaseBranch: baseBranch}, nil
	}
	return m.CreateForTicket(ctx, repo, project, ticketID, branch, baseBranch)
}

// ListProject enumerates worktree paths under one project's base directory.
func (m *Manager) ListProject(project string) ([]string, error) {
	dir := filepath.Join(m.baseDir, project)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths, nil
}

// Cleanup removes one worktree, optionally deleting its branch.
func (m *Manager) Cleanup(ctx context.Context, repo string, info *Info, deleteBranch, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, info.Path)
	if out, err := m.run(ctx, repo, args...); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %v: %s", info.Path, err, strings.TrimSpace(string(out)))
	}
	if deleteBranch && info.Branch != "" {
		flag := "-d"
		if force {
			flag = "-D"
		}
		if out, err := m.run(ctx, repo, "branch", flag, info.Branch); err != nil {
			return fmt.Errorf("failed to delete branch %s: %v: %s", info.Branch, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// CleanupProject removes every worktree under one project's base directory.
func (m *Manager) CleanupProject(ctx context.Context, repo, project string) error {
	paths, err := m.ListProject(project)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if out, err := m.run(ctx, repo, "worktree", "remove", "--force", path); err != nil {
			return fmt.Errorf("failed to remove worktree %s: %v: %s", path, err, strings.TrimSpace(string(out)))
		}
	}
	// Drop stale administrative entries for paths deleted out-of-band.
	_, _ = m.run(ctx, repo, "worktree", "prune")
	return nil
}

// IsDirty reports whether the worktree has uncommitted changes.
func (m *Manager) IsDirty(ctx context.Context, info *Info) (bool, error) {
	out, err := m.run(ctx, info.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check worktree status: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// isWorktree reports whether path is inside a git work tree. A worktree
// checkout has a .git file (not directory) pointing at the parent repo.
func (m *Manager) isWorktree(ctx context.Context, path string) bool {
	out, err := m.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func (m *Manager) currentBranch(ctx context.Context, path string) (string, error) {
	out, err := m.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read branch at %s: %v", path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (m *Manager) revParse(ctx context.Context, repo, ref string) (string, error) {
	out, err := m.run(ctx, repo, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("rev-parse %s: %v: %s", ref, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// BranchForTicket derives the conventional branch name for a ticket.
func BranchForTicket(typeKey, ticketID string) string {
	return strings.ToLower(typeKey) + "/" + strings.ToLower(ticketID)
}
