package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/backtester/internal/config"
	"github.com/aristath/backtester/internal/reporting"
	"github.com/aristath/backtester/internal/runner"
)

// Run flags
var (
	runStore   string
	runMetrics string
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run <config.yaml>",
	Short: "Run a backtest",
	Long: `Run a backtest described by a YAML run configuration.

Price and signal paths in the configuration are relative to the configuration
file. Store and metrics paths are relative to BACKTEST_DATA_DIR.

Examples:
  backtest run momentum.yaml
  backtest run momentum.yaml --store runs.db
  backtest run momentum.yaml --metrics momentum.prom --json`,
	Args: cobra.ExactArgs(1),
	RunE: runBacktest,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runStore, "store", "", "SQLite run store (overrides output.store)")
	runCmd.Flags().StringVar(&runMetrics, "metrics", "", "Prometheus textfile (overrides output.metrics)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the summary as JSON")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	path := args[0]
	run, err := config.LoadRun(path)
	if err != nil {
		return err
	}
	if runStore != "" {
		run.Output.Store = runStore
	}
	if runMetrics != "" {
		run.Output.Metrics = runMetrics
	}
	if err := envCfg.EnsureDataDir(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner.New(envCfg, log)
	defer r.Close()
	out, err := r.Execute(ctx, runner.Job{Run: run, BaseDir: filepath.Dir(path)})
	if err != nil {
		log.Error().Err(err).Str("run", run.Name).Msg("Backtest failed")
		return err
	}
	if runJSON {
		return printJSON(cmd.OutOrStdout(), out)
	}
	return printSummary(cmd.OutOrStdout(), run.Name, out)
}

func printJSON(w io.Writer, out runner.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		RunID   string            `json:"run_id,omitempty"`
		Summary reporting.Summary `json:"summary"`
		Rejects int               `json:"rejects"`
		Hits    int               `json:"constraint_hits"`
	}{out.RunID, out.Summary, out.Result.Rejects, out.Result.Hits})
}

func printSummary(w io.Writer, name string, out runner.Outcome) error {
	s := out.Summary
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run\t%s\n", name)
	if out.RunID != "" {
		fmt.Fprintf(tw, "Run ID\t%s\n", out.RunID)
	}
	fmt.Fprintf(tw, "Period\t%s .. %s (%d days)\n", s.Start.Format(time.DateOnly), s.End.Format(time.DateOnly), s.Days)
	fmt.Fprintf(tw, "Equity\t%.2f -> %.2f\n", s.InitialEquity, s.FinalEquity)
	fmt.Fprintf(tw, "Total return\t%.2f%%\n", s.TotalReturn*100)
	fmt.Fprintf(tw, "Annualized return\t%.2f%%\n", s.AnnualizedReturn*100)
	fmt.Fprintf(tw, "Annualized volatility\t%.2f%%\n", s.AnnualizedVol*100)
	fmt.Fprintf(tw, "Sharpe\t%.2f\n", s.Sharpe)
	fmt.Fprintf(tw, "Max drawdown\t%.2f%%\n", s.MaxDrawdown*100)
	fmt.Fprintf(tw, "Trades\t%d\n", s.Trades)
	fmt.Fprintf(tw, "Rejects\t%d\n", out.Result.Rejects)
	fmt.Fprintf(tw, "Constraint hits\t%d\n", out.Result.Hits)
	fmt.Fprintf(tw, "Costs\t%.2f commission, %.2f slippage\n", s.Commission, s.Slippage)
	return tw.Flush()
}
