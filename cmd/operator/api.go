package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/operatorhq/operator/internal/logging"
)

func newAPICmd(configPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the supervisor and REST API without the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			if port != 0 {
				a.cfg.API.Port = port
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			dispatcher := a.dispatcher()
			sup, err := a.supervisor(dispatcher)
			if err != nil {
				return err
			}
			if err := sup.Reload(ctx); err != nil {
				logging.WithComponent("api").Warn("failed to reload agent state", "error", err)
			}

			stream := a.apiStream(dispatcher)
			server := a.apiServer(sup, stream)

			go func() {
				if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
					logging.WithComponent("api").Error("supervisor stopped", "error", err)
				}
			}()

			fmt.Printf("API listening on %s:%d\n", a.cfg.API.Host, a.cfg.API.Port)
			if err := server.Start(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port override")
	return cmd
}
