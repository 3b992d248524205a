package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/operatorhq/operator/internal/supervisor"
	"github.com/operatorhq/operator/internal/ticket"
)

func newQueueCmd(configPath *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued tickets in claim order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}

			queued, err := a.store.ListByPriority()
			if err != nil {
				return err
			}
			printTicketSection(a, "Queue", queued)

			if all {
				inProgress, err := a.store.ListInProgress()
				if err != nil {
					return err
				}
				printTicketSection(a, "In progress", inProgress)

				completed, err := a.store.ListCompleted()
				if err != nil {
					return err
				}
				printTicketSection(a, "Completed", completed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include in-progress and completed tickets")
	return cmd
}

func printTicketSection(a *app, title string, tickets []*ticket.Ticket) {
	fmt.Printf("%s (%d)\n", title, len(tickets))
	if len(tickets) == 0 {
		fmt.Println("  (empty)")
		return
	}
	for _, tk := range tickets {
		glyph := " "
		if it, ok := a.reg.Get(tk.Type); ok {
			glyph = it.Glyph
		}
		step := tk.Step
		if step != "" {
			step = "  [" + step + "]"
		}
		fmt.Printf("  %s %-10s %-11s %s%s\n", glyph, tk.ID, tk.Priority, tk.Summary, step)
	}
}

func newAgentsCmd(configPath *string) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List running agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			paused, agents, err := supervisor.LoadPersisted(a.paths)
			if err != nil {
				return err
			}
			if paused {
				fmt.Println("Claiming is paused.")
			}
			if len(agents) == 0 {
				fmt.Println("No agents running.")
				return nil
			}
			for _, ag := range agents {
				fmt.Printf("  %-10s %-15s %s\n", ag.TicketID, ag.Status, ag.Step)
				if verbose {
					fmt.Printf("             session=%s started=%s\n",
						ag.SessionName, ag.StartedAt.Format("2006-01-02 15:04"))
					if ag.LastMessage != "" {
						fmt.Printf("             %s\n", ag.LastMessage)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show session names and last status lines")
	return cmd
}

func newPauseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop claiming new tickets; running agents continue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			if err := supervisor.SetPausedFlag(a.paths, true); err != nil {
				return err
			}
			fmt.Println("Paused.")
			return nil
		},
	}
}

func newResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume claiming tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			if err := supervisor.SetPausedFlag(a.paths, false); err != nil {
				return err
			}
			fmt.Println("Resumed.")
			return nil
		},
	}
}

func newStalledCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stalled",
		Short: "List agents waiting for input",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			_, agents, err := supervisor.LoadPersisted(a.paths)
			if err != nil {
				return err
			}
			stalled := 0
			for _, ag := range agents {
				if ag.Status != supervisor.AgentAwaitingInput {
					continue
				}
				stalled++
				reason := ag.LastMessage
				if ag.Review != nil {
					reason = "review pending on step " + ag.Review.Step
				}
				fmt.Printf("  %-10s %s\n", ag.TicketID, reason)
			}
			if stalled == 0 {
				fmt.Println("No stalled agents.")
			}
			return nil
		},
	}
}
