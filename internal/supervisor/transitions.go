package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/operatorhq/operator/internal/notify"
	"github.com/operatorhq/operator/internal/prompt"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/status"
	"github.com/operatorhq/operator/internal/ticket"
)

// handleExit processes an agent whose session has terminated: parse the
// status block from the last captured pane and decide the ticket's fate.
func (s *Supervisor) handleExit(ctx context.Context, a *AgentState) {
	tk, err := s.store.FindTicket(a.TicketID)
	if err != nil {
		s.log.Error("exited agent's ticket is gone", "ticket_id", a.TicketID, "error", err)
		s.removeAgent(a.TicketID)
		return
	}

	report, err := s.lastReport(ctx, a)
	if err != nil {
		s.handleMalformedExit(tk, a)
		return
	}

	s.log.Info("agent exited",
		"ticket_id", a.TicketID, "step", a.Step,
		"status", report.Status, "exit_signal", report.ExitSignal)

	if !report.ExitSignal {
		s.handleIncompleteStep(ctx, tk, a, report)
		return
	}
	s.handleCompletedStep(ctx, tk, a, report)
}

// lastReport re-captures the session's pane if it still answers, falling
// back to the last pane snapshot taken while the session was alive.
func (s *Supervisor) lastReport(ctx context.Context, a *AgentState) (*status.Report, error) {
	pane, err := s.tmux.CapturePane(ctx, a.SessionName)
	if err != nil || strings.TrimSpace(pane) == "" {
		s.mu.Lock()
		pane = a.lastPane
		s.mu.Unlock()
	}
	return status.Parse(pane)
}

// handleIncompleteStep applies the exit_signal=false rules: review-gated
// steps go to awaiting review; others relaunch with the carry.
func (s *Supervisor) handleIncompleteStep(ctx context.Context, tk *ticket.Ticket, a *AgentState, report *status.Report) {
	step, err := s.engine.CurrentStep(tk)
	if err != nil {
		s.failAgent(ctx, a, err.Error())
		return
	}

	if step.RequiresReview {
		s.parkForReview(tk, a, step, report)
		return
	}

	// Same step, fresh session, with this run's summary carried forward.
	s.removeAgent(a.TicketID)
	carry := &prompt.Carry{Summary: report.Summary, Recommendation: report.Recommendation}
	if err := s.startTicket(ctx, tk, carry, nil); err != nil {
		s.log.Error("failed to relaunch step", "ticket_id", tk.ID, "error", err)
	}
}

// parkForReview holds the agent and its ticket in awaiting until a
// reviewer approves or rejects the step.
func (s *Supervisor) parkForReview(tk *ticket.Ticket, a *AgentState, step *schema.StepSchema, report *status.Report) {
	s.mu.Lock()
	a.Review = &ReviewPayload{
		Step:           step.Name,
		Summary:        report.Summary,
		Recommendation: report.Recommendation,
	}
	s.transition(a, AgentAwaitingInput, report.Summary)
	s.mu.Unlock()

	if err := s.store.UpdateField(tk, "status", string(ticket.StatusAwaiting)); err != nil {
		s.log.Error("failed to mark ticket awaiting", "ticket_id", tk.ID, "error", err)
	}
	if err := s.store.AddAwaitingEntry(tk, step.Display()); err != nil {
		s.log.Error("failed to record awaiting entry", "ticket_id", tk.ID, "error", err)
	}
	s.notifyAgent(notify.EventReviewRequested, a,
		fmt.Sprintf("%s step %s is ready for review", tk.ID, step.Display()))
}

// handleCompletedStep applies the exit_signal=true rules: advance when the
// step can proceed, park for review when it cannot.
func (s *Supervisor) handleCompletedStep(ctx context.Context, tk *ticket.Ticket, a *AgentState, report *status.Report) {
	s.mu.Lock()
	s.transition(a, AgentCompleting, report.Summary)
	s.mu.Unlock()

	if report.Status == status.StateFailed {
		s.failAgent(ctx, a, report.Blockers)
		return
	}

	// Review gates hold even on a clean exit. The checker is deliberately
	// absent here; the background PR poll resolves PR-emitting steps.
	proceed, err := s.engine.CanProceed(tk, nil)
	if err != nil {
		s.failAgent(ctx, a, err.Error())
		return
	}
	if !proceed {
		step, err := s.engine.CurrentStep(tk)
		if err != nil {
			s.failAgent(ctx, a, err.Error())
			return
		}
		s.parkForReview(tk, a, step, report)
		return
	}

	next, advanced, err := s.store.AdvanceStep(tk)
	if err != nil {
		s.failAgent(ctx, a, err.Error())
		return
	}

	if !advanced {
		// Terminal step: the ticket is done.
		if err := s.store.CompleteTicket(tk); err != nil {
			s.failAgent(ctx, a, err.Error())
			return
		}
		s.removeAgent(a.TicketID)
		s.pruneLaunchArtifacts(tk)
		s.notifyAgent(notify.EventTicketCompleted, a, fmt.Sprintf("%s completed", tk.ID))
		s.log.Info("ticket completed", "ticket_id", tk.ID)
		return
	}

	s.removeAgent(a.TicketID)
	s.notifyAgent(notify.EventStepCompleted, a, fmt.Sprintf("%s advanced to %s", tk.ID, next))
	carry := &prompt.Carry{Summary: report.Summary, Recommendation: report.Recommendation}
	if err := s.startTicket(ctx, tk, carry, nil); err != nil {
		s.log.Error("failed to launch next step", "ticket_id", tk.ID, "step", next, "error", err)
	}
}

// handleMalformedExit is the clean-exit-without-status-block path: the
// ticket fails back to the queue with a history record.
func (s *Supervisor) handleMalformedExit(tk *ticket.Ticket, a *AgentState) {
	s.log.Warn("agent exited without a status block", "ticket_id", tk.ID, "step", a.Step)

	stamp := time.Now().Format("2006-01-02 15:04")
	if err := s.store.AppendHistory(tk, stamp+" - Malformed status block"); err != nil {
		s.log.Error("failed to record history", "ticket_id", tk.ID, "error", err)
	}
	if err := s.store.ReturnToQueue(tk); err != nil {
		s.log.Error("failed to return ticket to queue", "ticket_id", tk.ID, "error", err)
	}

	s.mu.Lock()
	s.transition(a, AgentFailed, "malformed status block")
	s.mu.Unlock()
	s.removeAgent(a.TicketID)
	s.notifyAgent(notify.EventTicketFailed, a, fmt.Sprintf("%s exited without a status report", tk.ID))
}

// pruneLaunchArtifacts removes the per-session prompts and launch scripts
// for a completed ticket, plus its sessions directory. The completed
// ticket file itself keeps the session ids for traceability.
func (s *Supervisor) pruneLaunchArtifacts(tk *ticket.Ticket) {
	for _, sessionID := range tk.Sessions {
		os.Remove(filepath.Join(s.paths.PromptsDir(), sessionID+".txt"))
		os.Remove(filepath.Join(s.paths.CommandsDir(), sessionID+".sh"))
	}
	if err := os.RemoveAll(s.paths.SessionDir(tk.ID)); err != nil {
		s.log.Warn("failed to prune session dir", "ticket_id", tk.ID, "error", err)
	}
}

// failAgent marks the agent failed and returns its ticket to the queue.
func (s *Supervisor) failAgent(ctx context.Context, a *AgentState, reason string) {
	s.mu.Lock()
	s.transition(a, AgentFailed, reason)
	s.mu.Unlock()

	tk, err := s.store.FindTicket(a.TicketID)
	if err == nil {
		if err := s.store.ReturnToQueue(tk); err != nil && !errors.Is(err, ticket.ErrNotFound) {
			s.log.Error("failed to return ticket to queue", "ticket_id", a.TicketID, "error", err)
		}
	}
	s.removeAgent(a.TicketID)
	s.notifyAgent(notify.EventTicketFailed, a, fmt.Sprintf("%s failed: %s", a.TicketID, reason))
}

// Approve resolves an awaiting review in favor of advancing the ticket.
func (s *Supervisor) Approve(ctx context.Context, ticketID string) error {
	a, ok := s.agentAwaitingReview(ticketID)
	if !ok {
		return fmt.Errorf("no agent awaiting review for %s", ticketID)
	}
	tk, err := s.store.FindTicket(ticketID)
	if err != nil {
		return err
	}

	review := a.Review

	// Advance before releasing the agent: if the step move fails, the
	// agent stays parked and the approval can be retried.
	next, advanced, err := s.store.AdvanceStep(tk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	a.Review = nil
	s.mu.Unlock()
	s.removeAgent(ticketID)
	if !advanced {
		if err := s.store.CompleteTicket(tk); err != nil {
			return err
		}
		s.pruneLaunchArtifacts(tk)
		s.notifyAgent(notify.EventTicketCompleted, a, fmt.Sprintf("%s completed after review", tk.ID))
		return nil
	}

	s.log.Info("review approved", "ticket_id", ticketID, "next_step", next)
	var carry *prompt.Carry
	if review != nil {
		carry = &prompt.Carry{Summary: review.Summary, Recommendation: review.Recommendation}
	}
	return s.startTicket(ctx, tk, carry, nil)
}

// Reject sends an awaiting ticket back to its rejection step with the
// reviewer's reason folded into the next prompt.
func (s *Supervisor) Reject(ctx context.Context, ticketID, reason string) error {
	a, ok := s.agentAwaitingReview(ticketID)
	if !ok {
		return fmt.Errorf("no agent awaiting review for %s", ticketID)
	}
	tk, err := s.store.FindTicket(ticketID)
	if err != nil {
		return err
	}

	gotoStep, _, hasPolicy, err := s.engine.RejectionStep(tk)
	if err != nil {
		return err
	}
	if !hasPolicy {
		return fmt.Errorf("step %s of %s has no rejection policy", tk.Step, tk.ID)
	}
	rendered, err := s.engine.RenderRejectionPrompt(tk, reason)
	if err != nil {
		return err
	}

	// Same ordering as Approve: move the ticket first, release the
	// agent only once the step change stuck.
	if err := s.store.UpdateField(tk, "step", gotoStep); err != nil {
		return err
	}

	s.mu.Lock()
	a.Review = nil
	s.mu.Unlock()
	s.removeAgent(ticketID)
	if err := s.store.AppendHistory(tk, time.Now().Format("2006-01-02 15:04")+" - Rejected: "+reason); err != nil {
		s.log.Error("failed to record rejection", "ticket_id", tk.ID, "error", err)
	}

	s.log.Info("review rejected", "ticket_id", ticketID, "goto_step", gotoStep)
	return s.startTicket(ctx, tk, nil, []string{"## Review Rejection\n\n" + rendered})
}

func (s *Supervisor) agentAwaitingReview(ticketID string) (*AgentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[ticketID]
	if !ok || a.Status != AgentAwaitingInput || a.Review == nil {
		return nil, false
	}
	return a, true
}

func (s *Supervisor) removeAgent(ticketID string) {
	s.mu.Lock()
	delete(s.agents, ticketID)
	s.mu.Unlock()
	s.persist()
}

// checkPRApprovals polls the review checker for agents blocked on a
// PR-emitting review step, approving them when the PR has been approved.
func (s *Supervisor) checkPRApprovals(ctx context.Context) {
	if s.reviews == nil {
		return
	}
	for _, a := range s.Agents() {
		if a.Status != AgentAwaitingInput || a.Review == nil {
			continue
		}
		tk, err := s.store.FindTicket(a.TicketID)
		if err != nil {
			continue
		}
		step, err := s.engine.CurrentStep(tk)
		if err != nil || !step.ProducesOutput("pr") {
			continue
		}
		approved, err := s.reviews.Approved(tk)
		if err != nil {
			s.log.Debug("pr approval check failed", "ticket_id", tk.ID, "error", err)
			continue
		}
		if approved {
			if err := s.Approve(ctx, tk.ID); err != nil {
				s.log.Error("failed to apply pr approval", "ticket_id", tk.ID, "error", err)
			}
		}
	}
}

// rateLimitMarkers are pane substrings that mean the provider throttled us.
var rateLimitMarkers = []string{"rate limit", "429", "overloaded_error"}

// checkRateLimits scans running panes for throttling markers and parks the
// affected agents as awaiting input so the slot frees visibly.
func (s *Supervisor) checkRateLimits(ctx context.Context) {
	for _, snapshot := range s.Agents() {
		if snapshot.Status != AgentRunning {
			continue
		}
		pane, err := s.tmux.CapturePane(ctx, snapshot.SessionName)
		if err != nil {
			continue
		}
		if !containsAny(pane, rateLimitMarkers) {
			continue
		}
		s.mu.Lock()
		if a, ok := s.agents[snapshot.TicketID]; ok && a.Status == AgentRunning {
			s.transition(a, AgentAwaitingInput, "provider rate limited")
			s.notifyLocked(notify.EventAwaitingInput, a, "Agent hit a provider rate limit")
		}
		s.mu.Unlock()
	}
}

func containsAny(s string, subs []string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
