package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/backtester/internal/runner"
)

var runsStore string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs kept in a run store",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		r := runner.New(envCfg, log)
		defer r.Close()
		store, err := r.Store(runsStore)
		if err != nil {
			return err
		}

		runs, err := store.Runs(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN ID\tNAME\tSTRATEGY\tSTATUS\tSTARTED\tERROR")
		for _, row := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				row.RunID, row.Name, row.Strategy, row.Status, row.StartedAt.Format(time.DateTime), row.Error)
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the summary of a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := runner.New(envCfg, log)
		defer r.Close()
		store, err := r.Store(runsStore)
		if err != nil {
			return err
		}

		summary, err := store.Summary(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printSummary(cmd.OutOrStdout(), args[0], runner.Outcome{Summary: summary})
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	runsCmd.PersistentFlags().StringVar(&runsStore, "store", "runs.db", "SQLite run store")
}
