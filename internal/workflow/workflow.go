// Package workflow answers "what should happen to this ticket next". It is
// read-only by construction: every function inspects the ticket and its
// issue-type schema and returns a decision, leaving all writes to the caller.
package workflow

import (
	"fmt"
	"strings"

	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/ticket"
)

// ReviewChecker reports whether an externally reviewed artifact (a pull
// request) has been approved. PR-emitting steps defer approval to it.
type ReviewChecker interface {
	Approved(t *ticket.Ticket) (bool, error)
}

// Engine evaluates workflow decisions against the issue-type registry.
type Engine struct {
	reg *schema.Registry
}

// NewEngine creates a workflow engine.
func NewEngine(reg *schema.Registry) *Engine {
	return &Engine{reg: reg}
}

func (e *Engine) issueType(t *ticket.Ticket) (*schema.IssueType, error) {
	it, ok := e.reg.Get(t.Type)
	if !ok {
		return nil, fmt.Errorf("unknown issue type %q for %s", t.Type, t.ID)
	}
	return it, nil
}

// CurrentStep resolves the ticket's current step: its `step` field, or the
// type's first step when empty.
func (e *Engine) CurrentStep(t *ticket.Ticket) (*schema.StepSchema, error) {
	it, err := e.issueType(t)
	if err != nil {
		return nil, err
	}
	if t.Step == "" {
		first := it.FirstStep()
		if first == nil {
			return nil, fmt.Errorf("issue type %q has no steps", t.Type)
		}
		return first, nil
	}
	step, ok := it.Step(t.Step)
	if !ok {
		return nil, fmt.Errorf("ticket %s references unknown step %q", t.ID, t.Step)
	}
	return step, nil
}

// NextStep resolves the current step's successor, or nil when terminal.
func (e *Engine) NextStep(t *ticket.Ticket) (*schema.StepSchema, error) {
	it, err := e.issueType(t)
	if err != nil {
		return nil, err
	}
	current, err := e.CurrentStep(t)
	if err != nil {
		return nil, err
	}
	if current.NextStep == "" {
		return nil, nil
	}
	next, ok := it.Step(current.NextStep)
	if !ok {
		return nil, fmt.Errorf("step %q references unknown next_step %q", current.Name, current.NextStep)
	}
	return next, nil
}

// CanProceed reports whether the ticket may advance past its current step
// without human intervention. Steps that do not require review proceed
// freely; PR-emitting review steps ask the checker; other review steps
// always block.
func (e *Engine) CanProceed(t *ticket.Ticket, checker ReviewChecker) (bool, error) {
	step, err := e.CurrentStep(t)
	if err != nil {
		return false, err
	}
	if !step.RequiresReview {
		return true, nil
	}
	if step.ProducesOutput("pr") && checker != nil {
		return checker.Approved(t)
	}
	return false, nil
}

// RejectionStep returns the (goto_step, prompt) pair of the current step's
// rejection policy, or ok=false when none is defined.
func (e *Engine) RejectionStep(t *ticket.Ticket) (gotoStep, prompt string, ok bool, err error) {
	step, err := e.CurrentStep(t)
	if err != nil {
		return "", "", false, err
	}
	if step.OnReject == nil {
		return "", "", false, nil
	}
	return step.OnReject.GotoStep, step.OnReject.Prompt, true, nil
}

// RenderRejectionPrompt substitutes the supplied reason into the current
// step's rejection prompt.
func (e *Engine) RenderRejectionPrompt(t *ticket.Ticket, reason string) (string, error) {
	_, prompt, ok, err := e.RejectionStep(t)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("step has no rejection policy for %s", t.ID)
	}
	for _, placeholder := range []string{"{{ rejection_reason }}", "{{rejection_reason}}"} {
		prompt = strings.ReplaceAll(prompt, placeholder, reason)
	}
	return prompt, nil
}

// Progress describes where the ticket sits in its workflow.
type Progress struct {
	Index int      // zero-based position of the current step
	Total int
	Names []string // ordered step names
}

// FormatProgress renders "a > [b] > c" with the current step bracketed, and
// returns the positional breakdown alongside.
func (e *Engine) FormatProgress(t *ticket.Ticket) (string, Progress, error) {
	it, err := e.issueType(t)
	if err != nil {
		return "", Progress{}, err
	}
	current, err := e.CurrentStep(t)
	if err != nil {
		return "", Progress{}, err
	}

	names := it.StepNames()
	idx := it.StepIndex(current.Name)
	parts := make([]string, len(names))
	for i, name := range names {
		if i == idx {
			parts[i] = "[" + name + "]"
		} else {
			parts[i] = name
		}
	}
	return strings.Join(parts, " > "), Progress{Index: idx, Total: len(names), Names: names}, nil
}
