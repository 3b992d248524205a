package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/operatorhq/operator/internal/ticket"
)

func newCreateCmd(configPath *string) *cobra.Command {
	var (
		template string
		project  string
		summary  string
		priority string
		noEdit   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket and open it in $EDITOR",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			if err := a.ensureDirs(); err != nil {
				return err
			}

			tk, err := a.store.Create(ticket.CreateOptions{
				Type:     template,
				Project:  project,
				Summary:  summary,
				Priority: priority,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created %s at %s\n", tk.ID, tk.Path)

			if noEdit {
				return nil
			}
			editor := os.Getenv("EDITOR")
			if editor == "" {
				return nil
			}
			edit := exec.CommandContext(cmd.Context(), editor, tk.Path)
			edit.Stdin = os.Stdin
			edit.Stdout = os.Stdout
			edit.Stderr = os.Stderr
			return edit.Run()
		},
	}
	cmd.Flags().StringVarP(&template, "template", "t", "TASK", "issue type key for the new ticket")
	cmd.Flags().StringVarP(&project, "project", "p", "", "project directory name")
	cmd.Flags().StringVarP(&summary, "summary", "s", "", "one-line summary")
	cmd.Flags().StringVar(&priority, "priority", "", "priority override (critical, high, medium, low)")
	cmd.Flags().BoolVar(&noEdit, "no-edit", false, "skip opening the ticket in $EDITOR")
	return cmd
}

func newAlertCmd(configPath *string) *cobra.Command {
	var (
		source   string
		message  string
		severity string
		project  string
	)

	cmd := &cobra.Command{
		Use:   "alert",
		Short: "File an investigation ticket from a monitoring alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			if err := a.ensureDirs(); err != nil {
				return err
			}

			tk, err := a.store.CreateFromAlert(source, message, project, severity)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s: %s\n", tk.ID, tk.Summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "alerting system that fired (e.g. pagerduty)")
	cmd.Flags().StringVar(&message, "message", "", "alert message; becomes the ticket summary")
	cmd.Flags().StringVar(&severity, "severity", "warning", "alert severity; maps to ticket priority")
	cmd.Flags().StringVar(&project, "project", "", "project the alert concerns")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
