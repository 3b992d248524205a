package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/operatorhq/operator/internal/ticket"
)

// GitHubReviewChecker asks the gh CLI whether the ticket's branch has an
// approved pull request. It satisfies workflow.ReviewChecker.
type GitHubReviewChecker struct {
	run func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// NewGitHubReviewChecker creates a checker backed by the gh binary.
func NewGitHubReviewChecker() *GitHubReviewChecker {
	return &GitHubReviewChecker{
		run: func(ctx context.Context, dir string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, "gh", args...)
			cmd.Dir = dir
			return cmd.Output()
		},
	}
}

// Approved reports whether the PR for the ticket's branch carries an
// APPROVED review decision. No branch or no PR simply means not approved.
func (c *GitHubReviewChecker) Approved(t *ticket.Ticket) (bool, error) {
	if t.Branch == "" {
		return false, nil
	}
	dir := t.WorktreePath
	if dir == "" {
		dir = "."
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := c.run(ctx, dir, "pr", "view", t.Branch, "--json", "reviewDecision")
	if err != nil {
		return false, fmt.Errorf("gh pr view failed for %s: %w", t.Branch, err)
	}
	var result struct {
		ReviewDecision string `json:"reviewDecision"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return false, fmt.Errorf("unexpected gh output: %w", err)
	}
	return result.ReviewDecision == "APPROVED", nil
}
