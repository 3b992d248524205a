package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/operatorhq/operator/internal/config"
)

func newWatcher(t *testing.T) (*QueueWatcher, config.Paths, context.CancelFunc) {
	t.Helper()
	paths := config.NewPaths(t.TempDir(), ".tickets")
	for _, dir := range []string{paths.QueueDir(), paths.InProgressDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	qw, err := New(paths)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = qw.Run(ctx) }()
	// Give the poller a cycle to take its baseline snapshot.
	time.Sleep(1500 * time.Millisecond)
	return qw, paths, cancel
}

func waitFor(t *testing.T, qw *QueueWatcher, want Op, path string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-qw.Events():
			if event.Op == want && event.Path == path {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event for %s within deadline", want, path)
		}
	}
}

func TestWatcher_AddedEvent(t *testing.T) {
	qw, paths, cancel := newWatcher(t)
	defer cancel()

	path := filepath.Join(paths.QueueDir(), "20260830-1000-TASK-shop-one.md")
	if err := os.WriteFile(path, []byte("---\nid: TASK-1\n---\nx\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, qw, Added, path)
}

func TestWatcher_IgnoresNonMarkdown(t *testing.T) {
	qw, paths, cancel := newWatcher(t)
	defer cancel()

	noise := filepath.Join(paths.QueueDir(), "notes.txt")
	if err := os.WriteFile(noise, []byte("not a ticket"), 0o644); err != nil {
		t.Fatal(err)
	}
	ticket := filepath.Join(paths.QueueDir(), "20260830-1000-TASK-shop-two.md")
	if err := os.WriteFile(ticket, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The .md event arrives; the .txt event must never precede it.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-qw.Events():
			if event.Path == noise {
				t.Fatalf("received event for non-markdown file %s", noise)
			}
			if event.Path == ticket {
				return
			}
		case <-deadline:
			t.Fatal("no event for the markdown file within deadline")
		}
	}
}

func TestWatcher_RemovedEvent(t *testing.T) {
	qw, paths, cancel := newWatcher(t)
	defer cancel()

	path := filepath.Join(paths.QueueDir(), "20260830-1000-TASK-shop-three.md")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, qw, Added, path)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, qw, Removed, path)
}
