package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/operatorhq/operator/internal/dashboard"
	"github.com/operatorhq/operator/internal/logging"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "operator",
		Short: "Schedule tickets across a pool of LLM agent sessions",
		Long: `Operator watches a directory of markdown tickets, claims them by
priority, and drives each one through its workflow by running LLM CLI
sessions under tmux.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd.Context(), configPath)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "explicit config file path")

	rootCmd.AddCommand(
		newQueueCmd(&configPath),
		newLaunchCmd(&configPath),
		newAgentsCmd(&configPath),
		newPauseCmd(&configPath),
		newResumeCmd(&configPath),
		newStalledCmd(&configPath),
		newAlertCmd(&configPath),
		newCreateCmd(&configPath),
		newAPICmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

// runDashboard is the default command: supervisor, API, and TUI in one
// process. The TUI owns the terminal, so logging goes quiet.
func runDashboard(ctx context.Context, configPath string) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dispatcher := a.dispatcher()
	sup, err := a.supervisor(dispatcher)
	if err != nil {
		return err
	}
	if err := sup.Reload(ctx); err != nil {
		logging.WithComponent("main").Warn("failed to reload agent state", "error", err)
	}

	stream := a.apiStream(dispatcher)
	server := a.apiServer(sup, stream)

	go func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			logging.WithComponent("main").Error("supervisor stopped", "error", err)
		}
	}()
	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logging.WithComponent("main").Error("api server stopped", "error", err)
		}
	}()

	logging.Suppress()
	return dashboard.Run(a.store, a.reg, sup, version)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the operator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("operator " + version)
		},
	}
}
