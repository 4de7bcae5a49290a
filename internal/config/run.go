package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/engine"
	"github.com/aristath/backtester/internal/modules/broker"
	"github.com/aristath/backtester/internal/modules/constraints"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/internal/modules/sizing"
	"github.com/aristath/backtester/internal/modules/strategy"
)

// DateLayout is the date format used in run configurations and CSV inputs.
const DateLayout = "2006-01-02"

// InputConfig names the CSV files a run reads.
type InputConfig struct {
	Prices  string `yaml:"prices"`
	Signals string `yaml:"signals"`
}

// OutputConfig names where a run is persisted. Empty paths disable the output.
type OutputConfig struct {
	Store   string `yaml:"store"`   // SQLite run store
	Metrics string `yaml:"metrics"` // Prometheus textfile
}

// RunConfig describes one backtest.
type RunConfig struct {
	Name        string             `yaml:"name"`
	Start       string             `yaml:"start"`
	End         string             `yaml:"end"`
	Universe    []string           `yaml:"universe"`
	InitialCash float64            `yaml:"initial_cash"`
	Strategy    rules.Spec         `yaml:"strategy"`
	Sizing      rules.Spec         `yaml:"sizing"`
	Constraints constraints.Config `yaml:"constraints"`
	Broker      broker.Config      `yaml:"broker"`
	Data        InputConfig        `yaml:"data"`
	Output      OutputConfig       `yaml:"output"`
}

// DefaultRunConfig returns the values a YAML document overrides.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Name:        "backtest",
		InitialCash: 100_000,
		Sizing:      rules.NewSpec("equal_weight"),
		Constraints: constraints.DefaultConfig(),
		Broker:      broker.DefaultConfig(),
	}
}

// LoadRun reads and validates a run configuration file.
func LoadRun(path string) (*RunConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run config: %w", err)
	}
	defer f.Close()
	return ParseRun(f)
}

// ParseRun decodes a YAML run configuration over the defaults and validates it.
// Unknown top-level keys are errors.
func ParseRun(r io.Reader) (*RunConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config: %w", err)
	}
	cfg := DefaultRunConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse run config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and builds the strategy and sizer once to
// surface spec errors before any data is read.
func (c *RunConfig) Validate() error {
	var errs ValidationErrors

	if c.Name == "" {
		errs.add("name", "name is required")
	}
	if c.InitialCash <= 0 {
		errs.add("initial_cash", "must be greater than 0")
	}
	start, err := parseDate(c.Start)
	errs.addErr("start", err)
	end, err := parseDate(c.End)
	errs.addErr("end", err)
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		errs.add("end", "must not be before start")
	}
	seen := make(map[string]bool, len(c.Universe))
	for _, sym := range c.Universe {
		if sym == "" {
			errs.add("universe", "symbols must not be empty")
		} else if seen[sym] {
			errs.add("universe", fmt.Sprintf("duplicate symbol %q", sym))
		}
		seen[sym] = true
	}

	errs.addErr("constraints", c.Constraints.Validate())
	errs.addErr("broker", c.Broker.Validate())

	if c.Strategy.IsZero() {
		errs.add("strategy", "strategy is required")
	} else if _, err := strategy.New(c.Strategy, c.strategyEnv(zerolog.Nop())); err != nil {
		errs.addErr("strategy", err)
	}
	if _, err := sizing.New(c.Sizing, zerolog.Nop()); err != nil {
		errs.addErr("sizing", err)
	}

	if c.Data.Prices == "" {
		errs.add("data.prices", "prices file is required")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Engine returns the engine parameters.
func (c *RunConfig) Engine() engine.Config {
	return engine.Config{InitialCash: c.InitialCash, Broker: c.Broker, Constraints: c.Constraints}
}

// TableOptions returns the universe and date range for the input boundary.
func (c *RunConfig) TableOptions() (data.Options, error) {
	start, err := parseDate(c.Start)
	if err != nil {
		return data.Options{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseDate(c.End)
	if err != nil {
		return data.Options{}, fmt.Errorf("end: %w", err)
	}
	return data.Options{Universe: c.Universe, Start: start, End: end}, nil
}

// NewStrategy builds a fresh strategy for one run.
func (c *RunConfig) NewStrategy(log zerolog.Logger) (strategy.Strategy, error) {
	return strategy.New(c.Strategy, c.strategyEnv(log))
}

// NewSizer builds a fresh sizer for one run.
func (c *RunConfig) NewSizer(log zerolog.Logger) (sizing.Sizer, error) {
	return sizing.New(c.Sizing, log)
}

func (c *RunConfig) strategyEnv(log zerolog.Logger) strategy.Env {
	return strategy.Env{Log: log, InitialCash: c.InitialCash, Broker: c.Broker}
}

// parseDate parses an optional date; empty means unbounded.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected %s, got %q", DateLayout, s)
	}
	return t, nil
}
