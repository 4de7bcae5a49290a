package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/backtester/internal/config"
	"github.com/aristath/backtester/internal/runner"
)

// Sweep flags
var (
	sweepParallel int
	sweepStore    string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep <config.yaml>...",
	Short: "Run several backtests side by side",
	Long: `Run several backtest configurations concurrently and print one summary
line per run. A failing run does not stop the others.

Examples:
  backtest sweep configs/*.yaml --parallel 4
  backtest sweep a.yaml b.yaml --store sweep.db`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().IntVar(&sweepParallel, "parallel", 0, "runs in flight (0 = GOMAXPROCS)")
	sweepCmd.Flags().StringVar(&sweepStore, "store", "", "SQLite run store for every run (overrides output.store)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	jobs := make([]runner.Job, 0, len(args))
	for _, path := range args {
		run, err := config.LoadRun(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if sweepStore != "" {
			run.Output.Store = sweepStore
		}
		jobs = append(jobs, runner.Job{Run: run, BaseDir: filepath.Dir(path)})
	}
	if err := envCfg.EnsureDataDir(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner.New(envCfg, log)
	defer r.Close()
	outcomes := r.Sweep(ctx, jobs, runner.SweepOptions{
		Parallelism: sweepParallel,
		Throttle:    time.Second,
		Progress:    runner.LogProgress(log),
	})

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRETURN\tANN. RETURN\tSHARPE\tMAX DD\tTRADES\tERROR")
	failed := 0
	for _, o := range outcomes {
		errText := ""
		if o.Err != nil {
			failed++
			errText = o.Err.Error()
		}
		s := o.Summary
		fmt.Fprintf(tw, "%s\t%.2f%%\t%.2f%%\t%.2f\t%.2f%%\t%d\t%s\n",
			o.Name, s.TotalReturn*100, s.AnnualizedReturn*100, s.Sharpe, s.MaxDrawdown*100, s.Trades, errText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(outcomes))
	}
	return nil
}
