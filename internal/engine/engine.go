// Package engine drives the per-day simulation loop.
//
// For every trading date the engine executes the weights planned at the
// previous close at today's open, marks the portfolio to today's close,
// reports the day, and asks the strategy for the next plan. A strategy never
// sees same-day execution prices and the first bar never trades.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/broker"
	"github.com/aristath/backtester/internal/modules/constraints"
	"github.com/aristath/backtester/internal/modules/portfolio"
	"github.com/aristath/backtester/internal/modules/sizing"
	"github.com/aristath/backtester/internal/modules/strategy"
)

var (
	// ErrNoTradingDates is returned for an empty table.
	ErrNoTradingDates = errors.New("no trading dates")
	// ErrNonPositiveEquity aborts a run when a plan is required with equity <= 0.
	ErrNonPositiveEquity = errors.New("equity is not positive")
	// ErrAlreadyRun is returned when Run is called twice on the same engine.
	ErrAlreadyRun = errors.New("engine already ran")
)

// Config holds the run-level parameters.
type Config struct {
	InitialCash float64            `yaml:"initial_cash" json:"initial_cash"`
	Broker      broker.Config      `yaml:"broker" json:"broker"`
	Constraints constraints.Config `yaml:"constraints" json:"constraints"`
}

// Result summarizes a finished (or aborted) run.
type Result struct {
	Days        int
	Trades      int
	Rejects     int
	Hits        int
	FinalCash   float64
	FinalEquity float64
	Positions   map[string]float64
}

// Engine runs one strategy over one table. An Engine runs once.
type Engine struct {
	cfg         Config
	strategy    strategy.Strategy
	sizer       sizing.Sizer
	constraints *constraints.Constraints
	portfolio   *portfolio.Portfolio
	broker      *broker.Broker
	reporter    domain.Reporter
	ran         bool
	log         zerolog.Logger
}

// New wires a run. The strategy and sizer must be fresh instances.
func New(cfg Config, strat strategy.Strategy, sizer sizing.Sizer, reporter domain.Reporter, log zerolog.Logger) (*Engine, error) {
	if cfg.InitialCash <= 0 {
		return nil, fmt.Errorf("initial cash must be positive, got %v", cfg.InitialCash)
	}
	if strat == nil || sizer == nil || reporter == nil {
		return nil, errors.New("strategy, sizer and reporter are required")
	}
	cons, err := constraints.New(cfg.Constraints, log)
	if err != nil {
		return nil, err
	}
	p := portfolio.New(cfg.InitialCash)
	b, err := broker.New(cfg.Broker, p, log)
	if err != nil {
		return nil, err
	}
	if ra, ok := strat.(strategy.ReporterAware); ok {
		ra.SetReporter(reporter)
	}
	return &Engine{
		cfg:         cfg,
		strategy:    strat,
		sizer:       sizer,
		constraints: cons,
		portfolio:   p,
		broker:      b,
		reporter:    reporter,
		log:         log.With().Str("component", "engine").Logger(),
	}, nil
}

// Portfolio returns the run's ledger.
func (e *Engine) Portfolio() *portfolio.Portfolio { return e.portfolio }

// Run simulates every date of table. Records already reported stay valid when
// the run aborts; the partial result is returned with the error.
func (e *Engine) Run(ctx context.Context, table *data.Table) (Result, error) {
	if e.ran {
		return Result{}, ErrAlreadyRun
	}
	e.ran = true
	if table == nil || table.Len() == 0 {
		return Result{}, ErrNoTradingDates
	}

	start := time.Now()
	e.log.Info().
		Str("strategy", e.strategy.Name()).
		Str("sizer", e.sizer.Name()).
		Int("dates", table.Len()).
		Int("symbols", len(table.Symbols)).
		Float64("initial_cash", e.cfg.InitialCash).
		Msg("Starting backtest")

	var res Result
	err := e.loop(ctx, table, &res)
	res.FinalCash = e.portfolio.Cash
	res.Positions = e.portfolio.Positions()
	if err != nil {
		e.log.Error().Err(err).Int("days", res.Days).Msg("Backtest aborted")
		return res, err
	}
	e.log.Info().
		Int("days", res.Days).
		Int("trades", res.Trades).
		Int("rejects", res.Rejects).
		Float64("final_equity", res.FinalEquity).
		Dur("elapsed", time.Since(start)).
		Msg("Backtest finished")
	return res, nil
}

func (e *Engine) loop(ctx context.Context, table *data.Table, res *Result) error {
	tracker := newMetricsTracker(e.cfg.InitialCash)
	observer, _ := e.strategy.(strategy.ExecutionObserver)
	constrained, _ := e.strategy.(strategy.ConstraintObserver)

	var pending domain.TargetWeights
	last := table.Len() - 1
	for i := 0; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		market := table.Snapshot(i)
		date := market.Date

		var exec broker.Result
		if i > 0 && pending != nil {
			exec = e.broker.ExecuteTargetWeights(market, pending)
			pending = nil
			if err := e.recordExecution(exec); err != nil {
				return err
			}
			if observer != nil {
				if err := observer.OnExecuted(market); err != nil {
					return fmt.Errorf("%s: post-execution hook: %w", date.Format("2006-01-02"), err)
				}
			}
			res.Trades += len(exec.Fills)
			res.Rejects += len(exec.Rejects)
			e.log.Debug().Time("date", date).Int("fills", len(exec.Fills)).Int("rejects", len(exec.Rejects)).Msg("Executed pending weights")
		}

		e.broker.Mark(market)
		prices := e.broker.MarkPrices(market)
		equity := e.portfolio.Equity(prices)
		long, short := e.portfolio.Exposure(prices)

		if err := e.reporter.RecordDay(tracker.next(date, i, e.portfolio.Cash, equity, long, short, exec)); err != nil {
			return fmt.Errorf("failed to record daily metrics: %w", err)
		}
		rows := positionRows(date, table.Symbols, e.portfolio.Positions(), prices, equity)
		if err := e.reporter.RecordPositions(date, rows); err != nil {
			return fmt.Errorf("failed to record positions: %w", err)
		}
		res.Days++
		res.FinalEquity = equity

		if i == last {
			break
		}

		h := table.History(i)
		snapshot := e.portfolio.Snapshot(date, i, prices, e.broker.PositionStates())
		decision, err := e.strategy.OnBar(h, snapshot)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", e.strategy.Name(), err)
		}
		if decision == nil {
			continue
		}
		if equity <= 0 {
			return fmt.Errorf("%s: %w (%.2f)", date.Format("2006-01-02"), ErrNonPositiveEquity, equity)
		}

		proposed, err := sizing.Apply(e.sizer, decision, h, snapshot)
		if err != nil {
			return fmt.Errorf("sizer %s: %w", e.sizer.Name(), err)
		}
		feasible, hits := e.constraints.Apply(date, proposed, e.portfolio.Weights(prices))
		if len(hits) > 0 {
			if err := e.reporter.RecordConstraintHits(hits); err != nil {
				return fmt.Errorf("failed to record constraint hits: %w", err)
			}
			res.Hits += len(hits)
		}
		if constrained != nil {
			constrained.OnConstrained(date, proposed, feasible)
		}
		pending = feasible
		e.log.Debug().Time("date", date).Int("targets", len(feasible)).Float64("gross", feasible.Gross()).Msg("Planned target weights")
	}
	return nil
}

func (e *Engine) recordExecution(exec broker.Result) error {
	if len(exec.Fills) > 0 {
		if err := e.reporter.RecordTrades(exec.Fills); err != nil {
			return fmt.Errorf("failed to record trades: %w", err)
		}
	}
	if len(exec.Rejects) > 0 {
		if err := e.reporter.RecordRejects(exec.Rejects); err != nil {
			return fmt.Errorf("failed to record rejects: %w", err)
		}
	}
	return nil
}
