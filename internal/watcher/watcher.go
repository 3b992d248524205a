// Package watcher emits filesystem events for the ticket directories. It is
// polling-backed so it behaves the same on platforms with unreliable
// notification kernels; consumers debounce on their side.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	rwatcher "github.com/radovskyb/watcher"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/logging"
)

// Op is the kind of change observed.
type Op string

const (
	Added    Op = "added"
	Modified Op = "modified"
	Removed  Op = "removed"
)

// Event is one observed ticket-file change.
type Event struct {
	Op   Op
	Path string
}

// pollInterval is fixed at one second: fast enough for an interactive
// queue, slow enough to be free.
const pollInterval = time.Second

// QueueWatcher watches queue/ and in-progress/ for .md changes.
type QueueWatcher struct {
	w      *rwatcher.Watcher
	events chan Event
}

// New creates a watcher over the ticket directories. Watched directories
// are not recursed into.
func New(paths config.Paths) (*QueueWatcher, error) {
	w := rwatcher.New()
	w.FilterOps(rwatcher.Create, rwatcher.Write, rwatcher.Remove, rwatcher.Rename, rwatcher.Move)

	for _, dir := range []string{paths.QueueDir(), paths.InProgressDir()} {
		if err := w.Add(dir); err != nil {
			return nil, err
		}
	}
	return &QueueWatcher{w: w, events: make(chan Event, 64)}, nil
}

// Events is the outgoing event stream. Closed when Run returns.
func (q *QueueWatcher) Events() <-chan Event {
	return q.events
}

// Run pumps watcher events until the context is cancelled. Non-markdown
// files and directory-level noise are filtered here.
func (q *QueueWatcher) Run(ctx context.Context) error {
	log := logging.WithComponent("watcher")

	go func() {
		defer close(q.events)
		for {
			select {
			case <-ctx.Done():
				q.w.Close()
				return
			case event, ok := <-q.w.Event:
				if !ok {
					return
				}
				if event.IsDir() || !strings.HasSuffix(event.Path, ".md") {
					continue
				}
				out := Event{Path: event.Path}
				switch event.Op {
				case rwatcher.Create:
					out.Op = Added
				case rwatcher.Write:
					out.Op = Modified
				case rwatcher.Remove:
					out.Op = Removed
				case rwatcher.Rename, rwatcher.Move:
					// A rename between watched dirs surfaces as a move; the
					// old path is gone from its directory.
					out.Op = Removed
					out.Path = event.OldPath
					if out.Path == "" {
						out.Path = event.Path
					}
				default:
					continue
				}
				log.Debug("ticket file changed", "op", out.Op, "file", filepath.Base(out.Path))
				select {
				case q.events <- out:
				case <-ctx.Done():
				}
			case err, ok := <-q.w.Error:
				if !ok {
					return
				}
				log.Warn("watcher error", "error", err)
			}
		}
	}()

	return q.w.Start(pollInterval)
}
