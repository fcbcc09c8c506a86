// Package cli is the connpro command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/connpro/orchestrator/internal/client"
	"github.com/connpro/orchestrator/internal/config"
	"github.com/connpro/orchestrator/internal/logging"
)

var (
	serverURL  string
	configFile string

	cfg       *config.Config
	logger    *slog.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:           "connpro",
	Short:         "Connection Pro batch job controller and browser agent bridge.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg != nil {
			return nil
		}
		if configFile == "" {
			configFile = os.Getenv("CONFIG_FILE")
		}
		c, err := config.LoadWithFile(configFile)
		if err != nil {
			return err
		}
		cfg = c
		logger = logging.Init(cfg.LogLevel, cfg.Debug)
		if serverURL == "" {
			serverURL = fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
		}
		apiClient = client.New(serverURL)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Orchestrator base URL (default http://localhost:$HTTP_PORT)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file merged over the environment (default $CONFIG_FILE)")
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
