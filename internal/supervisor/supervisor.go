// Package supervisor owns the running agents: it claims tickets off the
// queue, launches sessions, watches their panes, and drives each ticket
// through its workflow based on the status blocks agents emit.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/launcher"
	"github.com/operatorhq/operator/internal/logging"
	"github.com/operatorhq/operator/internal/notify"
	"github.com/operatorhq/operator/internal/prompt"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/ticket"
	"github.com/operatorhq/operator/internal/tmux"
	"github.com/operatorhq/operator/internal/watcher"
	"github.com/operatorhq/operator/internal/workflow"
)

// AgentStatus is the supervisor-side state of one agent.
type AgentStatus string

const (
	AgentRunning       AgentStatus = "running"
	AgentAwaitingInput AgentStatus = "awaiting_input"
	AgentCompleting    AgentStatus = "completing"
	AgentFailed        AgentStatus = "failed"
)

// ReviewPayload is attached to an agent awaiting external review.
type ReviewPayload struct {
	Step           string `json:"step"`
	Summary        string `json:"summary,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// AgentState is the persisted record for one running agent.
type AgentState struct {
	AgentID     string      `json:"agent_id"`
	TicketID    string      `json:"ticket_id"`
	TicketType  string      `json:"ticket_type"`
	Project     string      `json:"project"`
	SessionName string      `json:"session_name"`
	SessionID   string      `json:"session_id"`
	Step        string      `json:"step"`
	Status      AgentStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	LastChange  time.Time   `json:"last_change"`
	Paired      bool        `json:"paired"`
	LastMessage string      `json:"last_message,omitempty"`

	Review *ReviewPayload `json:"review,omitempty"`

	// Pane tracking for silence detection and exit parsing; not persisted.
	paneHash     uint64
	paneChangeAt time.Time
	lastPane     string
}

// launchRunner is the slice of the launcher the supervisor needs.
type launchRunner interface {
	Launch(ctx context.Context, t *ticket.Ticket, opts launcher.Options) (*launcher.PreparedLaunch, error)
}

// sessionDriver is the slice of the tmux client the supervisor needs.
type sessionDriver interface {
	SessionName(ticketID string) string
	SessionExists(ctx context.Context, name string) bool
	KillSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context) ([]string, error)
	CapturePane(ctx context.Context, name string) (string, error)
}

// Supervisor runs the agent pool.
type Supervisor struct {
	cfg        *config.Config
	paths      config.Paths
	reg        *schema.Registry
	store      *ticket.Store
	engine     *workflow.Engine
	launcher   launchRunner
	tmux       sessionDriver
	dispatcher *notify.Dispatcher
	reviews    workflow.ReviewChecker
	log        *slog.Logger

	// launchOpts is applied to every launch the supervisor performs.
	launchOpts launcher.Options

	mu     sync.Mutex
	agents map[string]*AgentState // keyed by ticket id
	paused bool

	cron *cron.Cron
	now  func() time.Time
}

// New wires a supervisor.
func New(cfg *config.Config, paths config.Paths, reg *schema.Registry, store *ticket.Store,
	lr launchRunner, sd sessionDriver, dispatcher *notify.Dispatcher, opts launcher.Options) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		paths:      paths,
		reg:        reg,
		store:      store,
		engine:     workflow.NewEngine(reg),
		launcher:   lr,
		tmux:       sd,
		dispatcher: dispatcher,
		reviews:    NewGitHubReviewChecker(),
		log:        logging.WithComponent("supervisor"),
		launchOpts: opts,
		agents:     make(map[string]*AgentState),
		now:        time.Now,
	}
}

// numCPU is swapped in tests so slot math does not depend on the host.
var numCPU = runtime.NumCPU

// EffectiveMaxAgents is min(configured max, cpu count minus reserved
// cores), never below one.
func EffectiveMaxAgents(cfg *config.Config) int {
	byCPU := numCPU() - cfg.Agents.CoresReserved
	max := cfg.Agents.MaxParallel
	if byCPU < max {
		max = byCPU
	}
	if max < 1 {
		max = 1
	}
	return max
}

// Run starts the supervision loop: reload persisted state, reconcile with
// live sessions, then poll until the context ends. Background polls for PR
// approvals and rate limits ride on a cron scheduler.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.loadState(ctx); err != nil {
		s.log.Warn("failed to load persisted state", "error", err)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", s.cfg.Agents.PRCheckIntervalSecs), func() {
		s.checkPRApprovals(ctx)
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", s.cfg.Agents.RateLimitIntervalSecs), func() {
		s.checkRateLimits(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(time.Duration(s.cfg.Agents.PollIntervalSecs) * time.Second)
	defer ticker.Stop()

	// New queue files trigger a pass immediately instead of waiting out
	// the poll interval. A nil channel just falls back to the ticker.
	var queueEvents <-chan watcher.Event
	if qw, err := watcher.New(s.paths); err != nil {
		s.log.Warn("queue watcher unavailable", "error", err)
	} else {
		queueEvents = qw.Events()
		go func() {
			if err := qw.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("queue watcher stopped", "error", err)
			}
		}()
	}

	s.log.Info("supervisor started",
		"max_agents", EffectiveMaxAgents(s.cfg),
		"poll_interval", s.cfg.Agents.PollIntervalSecs)

	for {
		select {
		case <-ctx.Done():
			s.persist()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case ev, ok := <-queueEvents:
			if !ok {
				queueEvents = nil
				continue
			}
			if ev.Op == watcher.Added {
				s.tick(ctx)
			}
		}
	}
}

// tick is one supervision pass: observe every agent, then fill free slots.
func (s *Supervisor) tick(ctx context.Context) {
	s.refreshPausedFlag()
	s.observeAgents(ctx)
	s.claimNext(ctx)
}

// refreshPausedFlag picks up pause and resume issued by a separate CLI
// process through the state file.
func (s *Supervisor) refreshPausedFlag() {
	paused, _, err := LoadPersisted(s.paths)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

// observeAgents checks each live agent's session: exits, silence, timeouts.
func (s *Supervisor) observeAgents(ctx context.Context) {
	s.mu.Lock()
	states := make([]*AgentState, 0, len(s.agents))
	for _, a := range s.agents {
		if a.Status == AgentFailed {
			continue
		}
		// Parked for review: the session is expected to be gone, and the
		// agent waits on approve/reject rather than observation.
		if a.Status == AgentAwaitingInput && a.Review != nil {
			continue
		}
		states = append(states, a)
	}
	s.mu.Unlock()

	for _, a := range states {
		if !s.tmux.SessionExists(ctx, a.SessionName) {
			s.handleExit(ctx, a)
			continue
		}
		s.observePane(ctx, a)
		s.enforceStepTimeout(ctx, a)
	}
}

// observePane runs silence detection over the captured pane output.
func (s *Supervisor) observePane(ctx context.Context, a *AgentState) {
	pane, err := s.tmux.CapturePane(ctx, a.SessionName)
	if err != nil {
		return
	}
	hash := tmux.PaneHash(pane)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	a.lastPane = pane
	if a.paneChangeAt.IsZero() || hash != a.paneHash {
		a.paneHash = hash
		a.paneChangeAt = now
		// New output from an awaiting agent means the user resolved it.
		if a.Status == AgentAwaitingInput && a.Review == nil {
			s.transition(a, AgentRunning, "")
		}
		return
	}

	silence := time.Duration(s.cfg.Agents.SilenceThresholdSecs) * time.Second
	if a.Status == AgentRunning && now.Sub(a.paneChangeAt) > silence {
		s.transition(a, AgentAwaitingInput, "no output for "+now.Sub(a.paneChangeAt).Truncate(time.Second).String())
		s.notifyLocked(notify.EventAwaitingInput, a, "Agent is waiting for input")
	}
}

// enforceStepTimeout kills agents that have run one step for too long.
func (s *Supervisor) enforceStepTimeout(ctx context.Context, a *AgentState) {
	timeout := time.Duration(s.cfg.Agents.StepTimeoutSecs) * time.Second
	if timeout <= 0 || s.now().Sub(a.StartedAt) <= timeout {
		return
	}
	s.log.Warn("step timed out", "ticket_id", a.TicketID, "step", a.Step)
	_ = s.tmux.KillSession(ctx, a.SessionName)
	s.failAgent(ctx, a, fmt.Sprintf("step %s exceeded %s timeout", a.Step, timeout))
}

// claimNext fills free agent slots from the priority-sorted queue.
func (s *Supervisor) claimNext(ctx context.Context) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	free := EffectiveMaxAgents(s.cfg) - s.activeCountLocked()
	owned := make(map[string]bool, len(s.agents))
	for id := range s.agents {
		owned[id] = true
	}
	s.mu.Unlock()

	if free <= 0 {
		return
	}

	tickets, err := s.store.ListByPriority()
	if err != nil {
		s.log.Error("failed to list queue", "error", err)
		return
	}
	for _, tk := range tickets {
		if free == 0 {
			return
		}
		if owned[tk.ID] {
			continue
		}
		if err := s.startTicket(ctx, tk, nil, nil); err != nil {
			s.log.Error("failed to start ticket", "ticket_id", tk.ID, "error", err)
			continue
		}
		free--
	}
}

// startTicket claims (if queued) and launches a ticket, registering the
// agent record.
func (s *Supervisor) startTicket(ctx context.Context, tk *ticket.Ticket, carry *prompt.Carry, extraSections []string) error {
	if tk.Status == ticket.StatusQueued {
		if err := s.store.ClaimTicket(tk); err != nil {
			return err
		}
	}

	opts := s.launchOpts
	opts.ExtraSections = extraSections
	opts.Carry = carry

	prepared, err := s.launcher.Launch(ctx, tk, opts)
	if err != nil {
		// The launch failed after the claim; put the ticket back.
		if rerr := s.store.ReturnToQueue(tk); rerr != nil {
			s.log.Error("failed to return ticket to queue", "ticket_id", tk.ID, "error", rerr)
		}
		return err
	}

	it, _ := s.reg.Get(tk.Type)
	paired := it != nil && it.Mode == schema.ModePaired

	now := s.now()
	a := &AgentState{
		AgentID:     prepared.AgentID,
		TicketID:    tk.ID,
		TicketType:  tk.Type,
		Project:     tk.Project,
		SessionName: prepared.SessionName,
		SessionID:   prepared.SessionID,
		Step:        prepared.Step,
		Status:      AgentRunning,
		StartedAt:   now,
		LastChange:  now,
		Paired:      paired,
	}

	s.mu.Lock()
	s.agents[tk.ID] = a
	s.mu.Unlock()
	s.persist()

	s.notifyAgent(notify.EventAgentStarted, a, fmt.Sprintf("Started %s step %s", tk.ID, prepared.Step))
	return nil
}

func (s *Supervisor) activeCountLocked() int {
	n := 0
	for _, a := range s.agents {
		if a.Status != AgentFailed {
			n++
		}
	}
	return n
}

// transition updates an agent's status and timestamp. Callers hold the lock.
func (s *Supervisor) transition(a *AgentState, to AgentStatus, message string) {
	a.Status = to
	a.LastChange = s.now()
	if message != "" {
		a.LastMessage = message
	}
	s.log.Info("agent transition", "ticket_id", a.TicketID, "status", to, "step", a.Step)
	s.persistLocked()
}

// Pause stops new claims; running agents keep going.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.persist()
	s.log.Info("claiming paused")
}

// Resume re-enables claiming.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.persist()
	s.log.Info("claiming resumed")
}

// Paused reports whether claiming is paused.
func (s *Supervisor) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Agents returns a snapshot of all agent records.
func (s *Supervisor) Agents() []AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentState, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	return out
}

// Stalled returns agents that are awaiting input or have not produced
// output past the silence threshold.
func (s *Supervisor) Stalled() []AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentState
	for _, a := range s.agents {
		if a.Status == AgentAwaitingInput {
			out = append(out, *a)
		}
	}
	return out
}

func (s *Supervisor) notifyAgent(kind notify.EventType, a *AgentState, message string) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Notify(notify.NewEvent(kind, a.TicketID, message, map[string]string{
		"ticket_id": a.TicketID,
		"project":   a.Project,
		"step":      a.Step,
		"status":    string(a.Status),
	}))
}

// notifyLocked is notifyAgent for callers already holding the lock.
func (s *Supervisor) notifyLocked(kind notify.EventType, a *AgentState, message string) {
	snapshot := *a
	go s.notifyAgent(kind, &snapshot, message)
}
