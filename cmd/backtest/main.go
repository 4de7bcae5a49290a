// Package main is the backtest command line. It runs strategy backtests from
// a YAML run configuration and CSV price/signal files, and inspects runs kept
// in a SQLite run store.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/backtester/internal/config"
	"github.com/aristath/backtester/pkg/logger"
)

var (
	logLevel  string
	logPretty bool

	envCfg *config.Config
	log    zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Daily-bar portfolio strategy backtester",
	Long: `Run portfolio strategy backtests over daily bars.

Weights are decided at each close and filled at the next open. Runs can be
persisted to a SQLite run store and exported as Prometheus metrics.

Examples:
  backtest run momentum.yaml
  backtest run momentum.yaml --store runs.db --metrics momentum.prom
  backtest runs list --store runs.db`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("pretty") {
			cfg.LogPretty = logPretty
		}
		envCfg = cfg
		log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
		logger.SetGlobalLogger(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "human-readable console logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
