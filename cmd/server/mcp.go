package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jengzang/mahjong-analysis-go/internal/mcpserver"
)

func newMCPCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the task API as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, st.cfg, st.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			err = mcpserver.New(a.tasks, st.logger).Run(ctx, "mahjong-analysis", version)

			// let running analyses record their outcome
			wctx, cancel := context.WithTimeout(context.Background(), st.cfg.Server.ShutdownTimeout)
			defer cancel()
			if waitErr := a.scheduler.Wait(wctx); waitErr != nil {
				st.logger.Warn().Err(waitErr).Msg("tasks still running at exit")
			}
			return err
		},
	}
}
