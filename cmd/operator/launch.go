package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/operatorhq/operator/internal/launcher"
	"github.com/operatorhq/operator/internal/ticket"
)

func newLaunchCmd(configPath *string) *cobra.Command {
	var (
		yes      bool
		provider string
		model    string
		yolo     bool
		docker   bool
		worktree bool
	)

	cmd := &cobra.Command{
		Use:   "launch [TICKET-ID]",
		Short: "Launch an agent on a ticket",
		Long: `Launch an agent on the named ticket, or on the next ticket by
priority when no id is given. The ticket is claimed into in-progress and a
tmux session is started for its current step.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			if err := a.ensureDirs(); err != nil {
				return err
			}

			var tk *ticket.Ticket
			if len(args) == 1 {
				tk, err = a.store.FindTicket(args[0])
			} else {
				tk, err = a.store.NextTicket()
			}
			if err != nil {
				return err
			}
			if tk == nil {
				fmt.Println("Queue is empty.")
				return nil
			}

			if !yes && !confirm(fmt.Sprintf("Launch %s (%s)?", tk.ID, tk.Summary)) {
				fmt.Println("Aborted.")
				return nil
			}

			claimed := false
			if tk.Status == ticket.StatusQueued {
				if err := a.store.ClaimTicket(tk); err != nil {
					return err
				}
				claimed = true
			}

			l, _ := a.launcher()
			prep, err := l.Launch(cmd.Context(), tk, launcher.Options{
				Provider:    provider,
				Model:       model,
				Yolo:        yolo,
				Docker:      docker,
				UseWorktree: worktree,
			})
			if err != nil {
				if claimed {
					if rqErr := a.store.ReturnToQueue(tk); rqErr != nil {
						fmt.Fprintf(os.Stderr, "return to queue: %v\n", rqErr)
					}
				}
				return err
			}

			fmt.Printf("Launched %s on step %q in session %s\n", tk.ID, prep.Step, prep.SessionName)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().StringVar(&provider, "provider", "", "LLM tool to use instead of the default")
	cmd.Flags().StringVar(&model, "model", "", "model override for the tool")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "run the tool with permission prompts disabled")
	cmd.Flags().BoolVar(&docker, "docker", false, "wrap the agent command in a container")
	cmd.Flags().BoolVar(&worktree, "worktree", false, "run inside a per-ticket git worktree")
	return cmd
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
