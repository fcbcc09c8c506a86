package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/connpro/orchestrator/internal/analytics"
)

var (
	analyticsCSV bool
	analyticsOut string
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show connection analytics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if analyticsCSV {
			data, err := apiClient.AnalyticsCSV(cmd.Context())
			if err != nil {
				return err
			}
			if analyticsOut == "" || analyticsOut == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(analyticsOut, data, 0o644)
		}

		tally, err := apiClient.Analytics(cmd.Context())
		if err != nil {
			return err
		}
		printTally(cmd.OutOrStdout(), tally)
		return nil
	},
}

func init() {
	analyticsCmd.Flags().BoolVar(&analyticsCSV, "csv", false, "Export per-day CSV instead of tables")
	analyticsCmd.Flags().StringVarP(&analyticsOut, "output", "o", "", "CSV output file (default stdout)")
	rootCmd.AddCommand(analyticsCmd)
}

func printTally(w io.Writer, t analytics.Tally) {
	summary := newTable()
	summary.SetOutputMirror(w)
	summary.AppendHeader(table.Row{"Sent", "Successful", "Failed", "Success rate"})
	summary.AppendRow(table.Row{t.TotalSent, t.Successful, t.Failed, fmt.Sprintf("%.1f%%", t.SuccessRate())})
	summary.Render()

	if len(t.ByDate) > 0 {
		days := newTable()
		days.SetOutputMirror(w)
		days.AppendHeader(table.Row{"Date", "Sent", "Successful"})
		for _, d := range sortedKeys(t.ByDate) {
			c := t.ByDate[d]
			days.AppendRow(table.Row{d, c.Sent, c.Successful})
		}
		days.Render()
	}

	if len(t.ErrorTypes) > 0 {
		errs := newTable()
		errs.SetOutputMirror(w)
		errs.AppendHeader(table.Row{"Reason", "Count"})
		for _, r := range sortedKeys(t.ErrorTypes) {
			errs.AppendRow(table.Row{r, t.ErrorTypes[r]})
		}
		errs.Render()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
