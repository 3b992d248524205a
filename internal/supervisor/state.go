package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/ticket"
)

// persistedState is the on-disk shape of the supervisor's agent set.
type persistedState struct {
	Paused  bool         `json:"paused"`
	SavedAt time.Time    `json:"saved_at"`
	Agents  []AgentState `json:"agents"`
}

// persist writes the agent set to the state file.
func (s *Supervisor) persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

// persistLocked writes the state file under the already-held lock, so
// snapshots can never land out of order. The file is small; the write is
// cheap enough to hold the lock across.
func (s *Supervisor) persistLocked() {
	state := persistedState{Paused: s.paused, SavedAt: s.now()}
	for _, a := range s.agents {
		state.Agents = append(state.Agents, *a)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.log.Error("failed to marshal state", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.paths.StateFile()), 0o755); err != nil {
		s.log.Error("failed to create state dir", "error", err)
		return
	}
	if err := os.WriteFile(s.paths.StateFile(), data, 0o644); err != nil {
		s.log.Error("failed to write state file", "error", err)
	}
}

// loadState reloads persisted agents and reconciles them against the live
// tmux sessions: records without a session are marked failed and their
// tickets requeued; live op- sessions without a record are adopted when
// their ticket is still in progress.
func (s *Supervisor) loadState(ctx context.Context) error {
	data, err := os.ReadFile(s.paths.StateFile())
	if err != nil {
		if os.IsNotExist(err) {
			return s.adoptOrphanSessions(ctx)
		}
		return err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("state file is corrupt: %w", err)
	}

	s.mu.Lock()
	s.paused = state.Paused
	s.mu.Unlock()

	for i := range state.Agents {
		a := state.Agents[i]
		if s.tmux.SessionExists(ctx, a.SessionName) {
			s.mu.Lock()
			s.agents[a.TicketID] = &a
			s.mu.Unlock()
			s.log.Info("recovered agent", "ticket_id", a.TicketID, "step", a.Step)
			continue
		}
		// Orphaned record: the session died while we were down.
		s.log.Warn("agent session is gone, failing record", "ticket_id", a.TicketID)
		if tk, err := s.store.FindTicket(a.TicketID); err == nil && tk.Status != ticket.StatusCompleted {
			if err := s.store.ReturnToQueue(tk); err != nil {
				s.log.Error("failed to requeue orphaned ticket", "ticket_id", a.TicketID, "error", err)
			}
		}
	}

	if err := s.adoptOrphanSessions(ctx); err != nil {
		return err
	}
	s.persist()
	return nil
}

// Reload re-reads persisted state and reconciles it with live sessions.
func (s *Supervisor) Reload(ctx context.Context) error {
	return s.loadState(ctx)
}

// LoadPersisted reads the persisted paused flag and agent set without a
// running supervisor. A missing state file is an empty set.
func LoadPersisted(paths config.Paths) (bool, []AgentState, error) {
	data, err := os.ReadFile(paths.StateFile())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return false, nil, fmt.Errorf("state file is corrupt: %w", err)
	}
	return state.Paused, state.Agents, nil
}

// SetPausedFlag rewrites the persisted paused flag in place, preserving
// the recorded agents. Used by the pause and resume commands when no
// supervisor is running in this process.
func SetPausedFlag(paths config.Paths, paused bool) error {
	_, agents, err := LoadPersisted(paths)
	if err != nil {
		return err
	}
	state := persistedState{Paused: paused, SavedAt: time.Now(), Agents: agents}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(paths.StateFile()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(paths.StateFile(), data, 0o644)
}

// adoptOrphanSessions claims live sessions we have no record of, as long
// as the name matches a ticket that is still in progress.
func (s *Supervisor) adoptOrphanSessions(ctx context.Context) error {
	names, err := s.tmux.ListSessions(ctx)
	if err != nil {
		return err
	}
	inProgress, err := s.store.ListInProgress()
	if err != nil {
		return err
	}
	byID := make(map[string]*ticket.Ticket, len(inProgress))
	for _, tk := range inProgress {
		byID[tk.ID] = tk
	}

	for _, name := range names {
		ticketID := strings.TrimPrefix(name, s.tmux.SessionName(""))
		s.mu.Lock()
		_, known := s.agents[ticketID]
		s.mu.Unlock()
		if known {
			continue
		}
		tk, ok := byID[ticketID]
		if !ok {
			s.log.Warn("ignoring orphan session with no in-progress ticket", "session", name)
			continue
		}

		now := s.now()
		a := &AgentState{
			AgentID:     "adopted-" + ticketID,
			TicketID:    tk.ID,
			TicketType:  tk.Type,
			Project:     tk.Project,
			SessionName: name,
			Step:        tk.Step,
			Status:      AgentRunning,
			StartedAt:   now,
			LastChange:  now,
		}
		s.mu.Lock()
		s.agents[tk.ID] = a
		s.mu.Unlock()
		s.log.Info("adopted orphan session", "ticket_id", tk.ID, "session", name)
	}
	return nil
}
