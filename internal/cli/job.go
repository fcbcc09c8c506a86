package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/connpro/orchestrator/internal/client"
	"github.com/connpro/orchestrator/internal/job"
)

var (
	itemsFile  string
	startNote  string
	startTpl   string
	startDelay time.Duration
	startFrom  int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a job over the profile URLs in a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := client.StartOptions{Note: startNote, TemplateID: startTpl}
		if itemsFile != "" {
			m, err := loadItems(itemsFile)
			if err != nil {
				return err
			}
			opts.Items = m.Items
			if opts.Note == "" {
				opts.Note = m.Note
			}
			if opts.TemplateID == "" {
				opts.TemplateID = m.Template
			}
		}
		if cmd.Flags().Changed("delay") {
			ms := startDelay.Milliseconds()
			opts.DelayMS = &ms
		}
		if cmd.Flags().Changed("from") {
			opts.StartIndex = &startFrom
		}

		st, err := apiClient.Start(cmd.Context(), opts)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running job, keeping its position",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.Stop(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Rewind a stopped job to its first item",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.Reset(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.Status(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	startCmd.Flags().StringVarP(&itemsFile, "file", "f", "", "Items file: one URL per line, or YAML")
	startCmd.Flags().StringVar(&startNote, "note", "", "Connection note")
	startCmd.Flags().StringVar(&startTpl, "template", "", "Template id used when no note is given")
	startCmd.Flags().DurationVar(&startDelay, "delay", 0, "Pause between items")
	startCmd.Flags().IntVar(&startFrom, "from", 0, "Zero-based index to start from")

	rootCmd.AddCommand(startCmd, stopCmd, resetCmd, statusCmd)
}

func printStatus(w io.Writer, st job.Status) {
	t := newTable()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Status", "State", "Progress", "Resume at"})
	t.AppendRow(table.Row{
		st.Status,
		st.State,
		fmt.Sprintf("%d/%d (%d%%)", st.Current, st.Total, st.ProgressPercent),
		st.ResumePoint,
	})
	t.Render()
}
