package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/operatorhq/operator/internal/ticket"
)

func TestGitHubReviewChecker(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		out     string
		runErr  error
		want    bool
		wantErr bool
	}{
		{"approved", "feat/feat-1", `{"reviewDecision":"APPROVED"}`, nil, true, false},
		{"changes requested", "feat/feat-1", `{"reviewDecision":"CHANGES_REQUESTED"}`, nil, false, false},
		{"no decision yet", "feat/feat-1", `{"reviewDecision":""}`, nil, false, false},
		{"no branch", "", "", nil, false, false},
		{"gh failure", "feat/feat-1", "", errors.New("no pull requests found"), false, true},
		{"bad json", "feat/feat-1", "not json", nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotArgs []string
			c := &GitHubReviewChecker{
				run: func(_ context.Context, dir string, args ...string) ([]byte, error) {
					gotArgs = args
					if tt.runErr != nil {
						return nil, tt.runErr
					}
					return []byte(tt.out), nil
				},
			}
			tk := &ticket.Ticket{ID: "FEAT-1", Branch: tt.branch}
			got, err := c.Approved(tk)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Approved() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Approved() = %v, want %v", got, tt.want)
			}
			if tt.branch != "" && len(gotArgs) > 0 && gotArgs[0] != "pr" {
				t.Errorf("gh args = %v, want pr view invocation", gotArgs)
			}
		})
	}
}
