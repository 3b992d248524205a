package ticket

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/schema"
)

// Sentinel errors surfaced by the store.
var (
	ErrNotFound       = errors.New("ticket not found")
	ErrAlreadyClaimed = errors.New("ticket already claimed")
)

// Store reads and mutates tickets on disk. It keeps no cache; every list
// call re-reads the directories so external edits are always visible.
type Store struct {
	paths config.Paths
	reg   *schema.Registry
}

// NewStore creates a ticket store over the given workspace paths.
func NewStore(paths config.Paths, reg *schema.Registry) *Store {
	return &Store{paths: paths, reg: reg}
}

// ListQueue returns the tickets waiting in queue/.
func (s *Store) ListQueue() ([]*Ticket, error) {
	return s.listDir(s.paths.QueueDir())
}

// ListInProgress returns the tickets in in-progress/.
func (s *Store) ListInProgress() ([]*Ticket, error) {
	return s.listDir(s.paths.InProgressDir())
}

// ListCompleted returns the tickets in completed/.
func (s *Store) ListCompleted() ([]*Ticket, error) {
	return s.listDir(s.paths.CompletedDir())
}

func (s *Store) listDir(dir string) ([]*Ticket, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var tickets []*Ticket
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		tickets = append(tickets, Parse(path, content))
	}
	return tickets, nil
}

// ListByPriority returns the queue sorted by (issue-type priority, timestamp)
// ascending: the first element is the next ticket to run.
func (s *Store) ListByPriority() ([]*Ticket, error) {
	tickets, err := s.ListQueue()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tickets, func(i, j int) bool {
		pi := s.reg.PriorityIndex(tickets[i].Type)
		pj := s.reg.PriorityIndex(tickets[j].Type)
		if pi != pj {
			return pi < pj
		}
		return tickets[i].Timestamp < tickets[j].Timestamp
	})
	return tickets, nil
}

// NextTicket returns the highest-priority queued ticket, or nil when the
// queue is empty.
func (s *Store) NextTicket() (*Ticket, error) {
	tickets, err := s.ListByPriority()
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, nil
	}
	return tickets[0], nil
}

// FindTicket searches all three directories for a ticket by id.
func (s *Store) FindTicket(id string) (*Ticket, error) {
	for _, list := range []func() ([]*Ticket, error){s.ListQueue, s.ListInProgress, s.ListCompleted} {
		tickets, err := list()
		if err != nil {
			return nil, err
		}
		for _, t := range tickets {
			if t.ID == id {
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ClaimTicket moves a queued ticket into in-progress/ and marks it
// in-progress. A ticket whose file has already left the queue returns
// ErrAlreadyClaimed, which is how concurrent claimers lose the race.
func (s *Store) ClaimTicket(t *Ticket) error {
	src := filepath.Join(s.paths.QueueDir(), t.Filename)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyClaimed, t.ID)
		}
		return err
	}
	dst := filepath.Join(s.paths.InProgressDir(), t.Filename)
	if err := os.MkdirAll(s.paths.InProgressDir(), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		// The source vanished between the stat and the rename: another
		// claimer won. The rename is what actually decides the race.
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyClaimed, t.ID)
		}
		return fmt.Errorf("failed to claim %s: %w", t.ID, err)
	}
	t.Path = dst
	return s.UpdateField(t, "status", string(StatusInProgress))
}

// CompleteTicket moves a ticket into completed/ and marks it completed.
func (s *Store) CompleteTicket(t *Ticket) error {
	if err := s.UpdateField(t, "status", string(StatusCompleted)); err != nil {
		return err
	}
	return s.move(t, s.paths.CompletedDir())
}

// ReturnToQueue moves a ticket back into queue/ and re-queues it.
func (s *Store) ReturnToQueue(t *Ticket) error {
	if err := s.UpdateField(t, "status", string(StatusQueued)); err != nil {
		return err
	}
	return s.move(t, s.paths.QueueDir())
}

func (s *Store) move(t *Ticket, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dir, t.Filename)
	if err := os.Rename(t.Path, dst); err != nil {
		return fmt.Errorf("failed to move %s: %w", t.ID, err)
	}
	t.Path = dst
	return nil
}

// Reload re-reads a ticket from disk, looking it up by id if the previous
// path has moved.
func (s *Store) Reload(t *Ticket) (*Ticket, error) {
	content, err := os.ReadFile(t.Path)
	if err == nil {
		return Parse(t.Path, content), nil
	}
	return s.FindTicket(t.ID)
}

// UpdateField sets one frontmatter key and rewrites the file in place. The
// in-memory mirror is refreshed for the hot keys.
func (s *Store) UpdateField(t *Ticket, key, value string) error {
	t.Fields[key] = value
	t.mirrorFields()
	return s.write(t)
}

// SetSessionID records the session UUID that ran a given step.
func (s *Store) SetSessionID(t *Ticket, step, sessionID string) error {
	t.Sessions[step] = sessionID
	return s.write(t)
}

// AppendHistory appends a bullet to the ticket's ## History section,
// creating the section at the end of the body if missing.
func (s *Store) AppendHistory(t *Ticket, entry string) error {
	const heading = "## History"
	bullet := "- " + entry

	if idx := strings.Index(t.Body, heading); idx >= 0 {
		section := t.Body[idx:]
		end := len(t.Body)
		if next := strings.Index(section[len(heading):], "\n## "); next >= 0 {
			end = idx + len(heading) + next + 1
		}
		existing := strings.TrimRight(t.Body[:end], "\n")
		t.Body = existing + "\n" + bullet + "\n" + t.Body[end:]
	} else {
		body := strings.TrimRight(t.Body, "\n")
		if body != "" {
			body += "\n\n"
		}
		t.Body = body + heading + "\n\n" + bullet + "\n"
	}
	return s.write(t)
}

// AddAwaitingEntry appends the standard awaiting-input history entry.
func (s *Store) AddAwaitingEntry(t *Ticket, stepDisplay string) error {
	stamp := time.Now().Format("2006-01-02 15:04")
	return s.AppendHistory(t, fmt.Sprintf("%s - Awaiting input: %s", stamp, stepDisplay))
}

// AdvanceStep moves the ticket to its current step's next_step. It returns
// the new step name and true, or "" and false when the current step is
// terminal.
func (s *Store) AdvanceStep(t *Ticket) (string, bool, error) {
	it, ok := s.reg.Get(t.Type)
	if !ok {
		return "", false, fmt.Errorf("unknown issue type %q for %s", t.Type, t.ID)
	}
	current := t.Step
	if current == "" {
		first := it.FirstStep()
		if first == nil {
			return "", false, fmt.Errorf("issue type %q has no steps", t.Type)
		}
		current = first.Name
	}
	step, ok := it.Step(current)
	if !ok {
		return "", false, fmt.Errorf("ticket %s references unknown step %q", t.ID, current)
	}
	if step.NextStep == "" {
		return "", false, nil
	}
	if err := s.UpdateField(t, "step", step.NextStep); err != nil {
		return "", false, err
	}
	return step.NextStep, true, nil
}

// write rewrites the whole ticket file. Plain truncate-and-write: callers
// that need crash safety fsync on their own.
func (s *Store) write(t *Ticket) error {
	if err := os.WriteFile(t.Path, []byte(t.Content()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", t.ID, err)
	}
	return nil
}
