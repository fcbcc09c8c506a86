package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/connpro/orchestrator/internal/agent"
)

var agentURL string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a dry-run browser agent against an orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := agentURL
		if url == "" {
			url = "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/agent"
		}
		logger.Info("starting agent", "url", url)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := agent.New(url, agent.WithLogger(logger))
		err := a.Run(ctx)
		ok, failed := a.Counts()
		logger.Info("agent stopped", "succeeded", ok, "failed", failed)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentURL, "url", "", "Agent websocket URL (default derived from --server)")
	rootCmd.AddCommand(agentCmd)
}
