// Package runner executes run configurations end to end: it reads the CSV
// inputs, builds fresh strategy and sizer instances, wires the reporters and
// writes the configured outputs. Several runs can execute side by side; each
// one owns its own engine and shares only the run store handle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/config"
	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/database"
	"github.com/aristath/backtester/internal/engine"
	"github.com/aristath/backtester/internal/reporting"
)

const maxLoggedAnomalies = 20

// Job is one run configuration. Input paths are relative to BaseDir.
type Job struct {
	Run     *config.RunConfig
	BaseDir string
}

// Outcome is what a finished (or failed) run hands back.
type Outcome struct {
	Name    string
	RunID   string
	Result  engine.Result
	Summary reporting.Summary
	Err     error
}

// Runner executes jobs. Store and metrics paths resolve against the data
// directory of env. Run stores stay open until Close.
type Runner struct {
	env *config.Config
	log zerolog.Logger

	mu     sync.Mutex
	stores map[string]*reporting.RunStore
	dbs    []*database.DB
}

// New creates a runner.
func New(env *config.Config, log zerolog.Logger) *Runner {
	return &Runner{
		env:    env,
		log:    log.With().Str("component", "runner").Logger(),
		stores: make(map[string]*reporting.RunStore),
	}
}

// Close closes every run store opened by the runner.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, db := range r.dbs {
		errs = append(errs, db.Close())
	}
	r.dbs = nil
	r.stores = make(map[string]*reporting.RunStore)
	return errors.Join(errs...)
}

// Store returns the run store at path, opening and migrating it on first use.
func (r *Runner) Store(path string) (*reporting.RunStore, error) {
	path = r.env.ResolvePath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[path]; ok {
		return s, nil
	}
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileStandard, Name: "runs"})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := reporting.NewRunStore(db, r.log)
	r.stores[path] = s
	r.dbs = append(r.dbs, db)
	return s, nil
}

func inputPath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// LoadTable reads and validates the job's price and signal files.
func LoadTable(job Job) (*data.Table, error) {
	prices, err := data.ReadFrameFile(inputPath(job.BaseDir, job.Run.Data.Prices))
	if err != nil {
		return nil, fmt.Errorf("prices: %w", err)
	}
	var signals *data.Frame
	if job.Run.Data.Signals != "" {
		f, err := data.ReadFrameFile(inputPath(job.BaseDir, job.Run.Data.Signals))
		if err != nil {
			return nil, fmt.Errorf("signals: %w", err)
		}
		signals = &f
	}
	opts, err := job.Run.TableOptions()
	if err != nil {
		return nil, err
	}
	return data.NewTable(prices, signals, opts)
}

// Execute runs one job and writes every configured output. A job with a run
// store records a failed run before the error is returned.
func (r *Runner) Execute(ctx context.Context, job Job) (out Outcome, err error) {
	run := job.Run
	out.Name = run.Name
	log := r.log.With().Str("run", run.Name).Logger()

	table, err := LoadTable(job)
	if err != nil {
		return out, err
	}
	if anomalies := data.Inspect(table); len(anomalies) > 0 {
		for i, a := range anomalies {
			if i == maxLoggedAnomalies {
				break
			}
			log.Warn().Time("date", a.Date).Str("symbol", a.Symbol).Str("reason", a.Reason).
				Float64("value", a.Value).Msg("Suspicious bar")
		}
		log.Warn().Int("anomalies", len(anomalies)).Msg("Input data has suspicious bars")
	}
	strat, err := run.NewStrategy(log)
	if err != nil {
		return out, err
	}
	sizer, err := run.NewSizer(log)
	if err != nil {
		return out, err
	}

	mem := reporting.NewMemory()
	reporters := reporting.Multi{mem, reporting.NewLog(log)}

	var prom *reporting.Prometheus
	if run.Output.Metrics != "" {
		prom = reporting.NewPrometheus(run.Name)
		reporters = append(reporters, prom)
	}

	if run.Output.Store != "" {
		var store *reporting.RunStore
		store, err = r.Store(run.Output.Store)
		if err != nil {
			return out, err
		}
		var recorder *reporting.RunRecorder
		recorder, err = store.Begin(ctx, reporting.RunInfo{
			Name:        run.Name,
			Strategy:    run.Strategy.Type,
			InitialCash: run.InitialCash,
			Config:      run,
		})
		if err != nil {
			return out, err
		}
		out.RunID = recorder.RunID()
		reporters = append(reporters, recorder)
		defer func() {
			if ferr := recorder.Finish(context.WithoutCancel(ctx), err); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}()
	}

	eng, err := engine.New(run.Engine(), strat, sizer, reporters, log)
	if err != nil {
		return out, err
	}
	out.Result, err = eng.Run(ctx, table)
	out.Summary = mem.Summary()
	if err != nil {
		return out, err
	}

	if prom != nil {
		if err = prom.WriteTextfile(r.env.ResolvePath(run.Output.Metrics)); err != nil {
			return out, err
		}
	}
	return out, nil
}
