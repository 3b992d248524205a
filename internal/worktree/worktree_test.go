package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeGit replays canned responses keyed by the first git argument and
// records every call.
type fakeGit struct {
	calls     [][]string
	responses map[string]struct {
		out string
		err error
	}
}

func (f *fakeGit) run(_ context.Context, dir string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{dir}, args...))
	if r, ok := f.responses[args[0]]; ok {
		return []byte(r.out), r.err
	}
	return nil, nil
}

func (f *fakeGit) respond(cmd, out string, err error) {
	f.responses[cmd] = struct {
		out string
		err error
	}{out, err}
}

func newFakeManager(t *testing.T) (*fakeGit, *Manager) {
	t.Helper()
	f := &fakeGit{responses: make(map[string]struct {
		out string
		err error
	})}
	return f, NewManagerWithRunner(t.TempDir(), f.run)
}

func fakeRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return repo
}

func TestPath_Deterministic(t *testing.T) {
	m := NewManager("/var/worktrees")
	got := m.Path("shop", "FEAT-7")
	want := filepath.Join("/var/worktrees", "shop", "feat-7")
	if got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
	if m.Path("shop", "FEAT-7") != got {
		t.Error("Path() not deterministic")
	}
}

func TestCreateForTicket(t *testing.T) {
	f, m := newFakeManager(t)
	repo := fakeRepo(t)
	f.respond("rev-parse", "abc123\n", nil)

	info, err := m.CreateForTicket(context.Background(), repo, "shop", "FEAT-7", "feat/feat-7", "main")
	if err != nil {
		t.Fatalf("CreateForTicket() error = %v", err)
	}
	if info.Branch != "feat/feat-7" || info.BaseBranch != "main" || info.BaseCommit != "abc123" {
		t.Errorf("CreateForTicket() = %+v", info)
	}
	if !strings.HasSuffix(info.Path, filepath.Join("shop", "feat-7")) {
		t.Errorf("Path = %q, want <base>/shop/feat-7", info.Path)
	}

	var sawAdd bool
	for _, call := range f.calls {
		if call[1] == "worktree" && call[2] == "add" {
			sawAdd = true
			if call[3] != "-b" || call[4] != "feat/feat-7" {
				t.Errorf("worktree add args = %v, want -b feat/feat-7", call)
			}
		}
	}
	if !sawAdd {
		t.Error("git worktree add never ran")
	}
}

func TestCreateForTicket_BadRepo(t *testing.T) {
	_, m := newFakeManager(t)
	_, err := m.CreateForTicket(context.Background(), t.TempDir(), "shop", "FEAT-7", "b", "main")
	if err == nil || !strings.Contains(err.Error(), "not a git repository") {
		t.Errorf("CreateForTicket() error = %v, want bad-repo failure", err)
	}
}

func TestCreateForTicket_ExistingNonWorktreeDir(t *testing.T) {
	f, m := newFakeManager(t)
	repo := fakeRepo(t)
	// rev-parse fails inside the occupied path, so it is not a worktree.
	f.respond("rev-parse", "", errors.New("not a git repo"))

	path := m.Path("shop", "FEAT-7")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := m.CreateForTicket(context.Background(), repo, "shop", "FEAT-7", "b", "main")
	if err == nil || !strings.Contains(err.Error(), "not a git worktree") {
		t.Errorf("CreateForTicket() error = %v, want not-a-worktree failure", err)
	}
}

func TestCreateForTicket_BranchCheckedOutElsewhere(t *testing.T) {
	f, m := newFakeManager(t)
	repo := fakeRepo(t)
	f.respond("rev-parse", "abc123\n", nil)
	f.respond("worktree", "fatal: 'feat/x' is already checked out at '/other'", errors.New("exit status 128"))

	_, err := m.CreateForTicket(context.Background(), repo, "shop", "FEAT-7", "feat/x", "main")
	if err == nil || !strings.Contains(err.Error(), "already checked out") {
		t.Errorf("CreateForTicket() error = %v, want already-checked-out failure", err)
	}
}

func TestEnsureExists_Idempotent(t *testing.T) {
	f, m := newFakeManager(t)
	repo := fakeRepo(t)

	path := m.Path("shop", "FEAT-7")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	// The existing dir answers as a valid worktree on branch feat/feat-7.
	f.responses["rev-parse"] = struct {
		out string
		err error
	}{"true\n", nil}

	info, err := m.EnsureExists(context.Background(), repo, "shop", "FEAT-7", "feat/feat-7", "main")
	if err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	if info.Path != path {
		t.Errorf("EnsureExists().Path = %q, want %q", info.Path, path)
	}
	for _, call := range f.calls {
		if call[1] == "worktree" {
			t.Error("worktree add ran for an existing worktree")
		}
	}
}

func TestListProject(t *testing.T) {
	_, m := newFakeManager(t)
	for _, id := range []string{"feat-1", "fix-2"} {
		if err := os.MkdirAll(filepath.Join(m.baseDir, "shop", id), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	paths, err := m.ListProject("shop")
	if err != nil {
		t.Fatalf("ListProject() error = %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("len(ListProject()) = %d, want 2", len(paths))
	}

	paths, err = m.ListProject("ghost")
	if err != nil || paths != nil {
		t.Errorf("ListProject(ghost) = (%v, %v), want (nil, nil)", paths, err)
	}
}

func TestIsDirty(t *testing.T) {
	f, m := newFakeManager(t)
	info := &Info{Path: "/w/shop/feat-1"}

	f.respond("status", " M main.go\n", nil)
	dirty, err := m.IsDirty(context.Background(), info)
	if err != nil || !dirty {
		t.Errorf("IsDirty() = (%v, %v), want (true, nil)", dirty, err)
	}

	f.respond("status", "\n", nil)
	dirty, err = m.IsDirty(context.Background(), info)
	if err != nil || dirty {
		t.Errorf("IsDirty() = (%v, %v), want (false, nil)", dirty, err)
	}
}

func TestCleanup_DeletesBranch(t *testing.T) {
	f, m := newFakeManager(t)
	info := &Info{Path: "/w/shop/feat-1", Branch: "feat/feat-1"}

	if err := m.Cleanup(context.Background(), "/repo", info, true, true); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	var sawRemove, sawBranch bool
	for _, call := range f.calls {
		switch call[1] {
		case "worktree":
			sawRemove = true
			if call[2] != "remove" || call[3] != "--force" {
				t.Errorf("worktree call = %v, want remove --force", call)
			}
		case "branch":
			sawBranch = true
			if call[2] != "-D" {
				t.Errorf("branch call = %v, want -D under force", call)
			}
		}
	}
	if !sawRemove || !sawBranch {
		t.Errorf("Cleanup() calls = %v, want worktree remove and branch delete", f.calls)
	}
}

func TestBranchForTicket(t *testing.T) {
	if got := BranchForTicket("FEAT", "FEAT-7"); got != "feat/feat-7" {
		t.Errorf("BranchForTicket() = %q, want feat/feat-7", got)
	}
}
