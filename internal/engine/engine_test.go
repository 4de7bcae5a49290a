package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/broker"
	"github.com/aristath/backtester/internal/modules/constraints"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/internal/modules/sizing"
	"github.com/aristath/backtester/internal/modules/strategy"
	"github.com/aristath/backtester/internal/reporting"
	testutil "github.com/aristath/backtester/internal/testing"
)

func config(cash float64) Config {
	return Config{InitialCash: cash, Broker: broker.DefaultConfig(), Constraints: constraints.DefaultConfig()}
}

func newStrategy(t *testing.T, cfg Config, spec rules.Spec) strategy.Strategy {
	t.Helper()
	s, err := strategy.New(spec, strategy.Env{Log: zerolog.Nop(), InitialCash: cfg.InitialCash, Broker: cfg.Broker})
	require.NoError(t, err)
	return s
}

func newEngine(t *testing.T, cfg Config, s strategy.Strategy, r domain.Reporter) *Engine {
	t.Helper()
	sz, err := sizing.New(rules.Spec{}, zerolog.Nop())
	require.NoError(t, err)
	e, err := New(cfg, s, sz, r, zerolog.Nop())
	require.NoError(t, err)
	return e
}

// scripted returns a fixed presized plan per bar index and records what the
// engine handed it.
type scripted struct {
	plans       map[int]domain.TargetWeights
	calls       []int
	constrained []domain.TargetWeights
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) OnBar(h *data.History, _ domain.PortfolioSnapshot) (*domain.Decision, error) {
	s.calls = append(s.calls, h.Index())
	if w, ok := s.plans[h.Index()]; ok {
		return &domain.Decision{Weights: w.Clone()}, nil
	}
	return nil, nil
}

func (s *scripted) OnConstrained(_ time.Time, _, post domain.TargetWeights) {
	s.constrained = append(s.constrained, post.Clone())
}

func TestBuyAndHoldReferenceEquity(t *testing.T) {
	table := testutil.NewFrames().
		Bar(0, "A", 100, 110, 100, 110, 1e6).
		Bar(1, "A", 111, 121, 111, 120, 1e6).
		Bar(2, "A", 125, 130, 125, 130, 1e6).
		Table(t)
	reporter := testutil.NewMockReporter()
	cfg := config(1000)

	res, err := newEngine(t, cfg, newStrategy(t, cfg, rules.NewSpec("buy_and_hold")), reporter).Run(context.Background(), table)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Days)
	assert.Equal(t, 1, res.Trades)
	assert.InDelta(t, 1171.171171, res.FinalEquity, 1e-6)
	assert.InDelta(t, 1000.0/111, res.Positions["A"], 1e-9)
	reporter.AssertNumberOfCalls(t, "RecordDay", 3)
	reporter.AssertNumberOfCalls(t, "RecordPositions", 3)
	reporter.AssertNumberOfCalls(t, "RecordTrades", 1)
	reporter.AssertCalled(t, "RecordTrades", mock.MatchedBy(func(fills []domain.TradeFill) bool {
		return len(fills) == 1 && fills[0].Date.Equal(testutil.Day(1)) && fills[0].Price == 111
	}))
}

func TestTimingContract(t *testing.T) {
	table := testutil.NewFrames().
		Closes("A", 10, 20, 30, 40).
		Table(t)
	s := &scripted{plans: map[int]domain.TargetWeights{0: {"A": 1}, 2: {"A": 0}}}
	mem := reporting.NewMemory()

	_, err := newEngine(t, config(100), s, mem).Run(context.Background(), table)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, s.calls, "no decision on the final date")
	require.Len(t, mem.Trades, 2)
	assert.Equal(t, testutil.Day(1), mem.Trades[0].Date, "planned at close 0, filled at open 1")
	assert.Equal(t, 20.0, mem.Trades[0].Price)
	assert.Equal(t, testutil.Day(3), mem.Trades[1].Date)
	assert.InDelta(t, -5.0, mem.Trades[1].Quantity, 1e-9, "closes exactly the held quantity")

	require.Len(t, mem.Days, 4)
	assert.Equal(t, 0, mem.Days[0].Trades)
	assert.InDelta(t, 1.0, mem.Days[1].Turnover, 1e-12)
	assert.InDelta(t, 0.5, mem.Days[2].DailyReturn, 1e-12)
	assert.InDelta(t, 1.0, mem.Days[2].GrossExposure, 1e-12)
	assert.InDelta(t, 1.0, mem.Days[3].CumulativeReturn, 1e-12)
	for _, rows := range mem.Positions {
		assert.Len(t, rows, 1)
	}
}

func TestPlanFillsAtNextOpen(t *testing.T) {
	table := testutil.NewFrames().Closes("A", 10, 10, 10).Table(t)
	s := &scripted{plans: map[int]domain.TargetWeights{1: {"A": 1}}}
	mem := reporting.NewMemory()

	_, err := newEngine(t, config(100), s, mem).Run(context.Background(), table)
	require.NoError(t, err)
	require.Len(t, mem.Trades, 1)
	assert.Equal(t, testutil.Day(2), mem.Trades[0].Date)
}

func TestConstraintHitsRecorded(t *testing.T) {
	table := testutil.NewFrames().Closes("A", 10, 10).Closes("B", 5, 5).Table(t)
	s := &scripted{plans: map[int]domain.TargetWeights{0: {"A": 0.9, "B": 0.6}}}
	cfg := config(1000)
	cfg.Constraints.MaxPositionSize = 0.5
	mem := reporting.NewMemory()

	res, err := newEngine(t, cfg, s, mem).Run(context.Background(), table)
	require.NoError(t, err)
	assert.Equal(t, len(mem.Hits), res.Hits)
	require.NotEmpty(t, mem.Hits)
	require.Len(t, s.constrained, 1)
	assert.Equal(t, domain.TargetWeights{"A": 0.5, "B": 0.5}, s.constrained[0])
}

func TestReporterErrorIsFatal(t *testing.T) {
	table := testutil.NewFrames().Closes("A", 10, 11, 12).Table(t)
	reporter := &testutil.MockReporter{}
	reporter.On("RecordDay", mock.Anything).Return(errors.New("disk full"))

	res, err := newEngine(t, config(100), &scripted{}, reporter).Run(context.Background(), table)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, res.Days)
}

func TestStrategyErrorAbortsRun(t *testing.T) {
	table := testutil.NewFrames().
		Closes("A", 10, 10, 10).
		SignalSeries("A", "mom", 1, 1, 1).
		Table(t)
	cfg := config(100)
	s := newStrategy(t, cfg, rules.NewSpec("pipeline",
		"scoring", rules.NewSpec("column", "column", "mom"),
		"selection", rules.NewSpec("top_n", "n", 1),
		"min_candidates", 2,
		"min_candidates_policy", "raise",
	))
	mem := reporting.NewMemory()

	res, err := newEngine(t, cfg, s, mem).Run(context.Background(), table)
	assert.ErrorIs(t, err, strategy.ErrInsufficientCandidates)
	assert.Len(t, mem.Days, 1, "recorded history stays")
	assert.Equal(t, 1, res.Days)
}

func TestRunGuards(t *testing.T) {
	table := testutil.NewFrames().Closes("A", 10, 10).Table(t)
	e := newEngine(t, config(100), &scripted{}, reporting.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, table)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.Run(context.Background(), table)
	assert.ErrorIs(t, err, ErrAlreadyRun)

	_, err = newEngine(t, config(100), &scripted{}, reporting.NewMemory()).Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoTradingDates)

	_, err = New(config(0), &scripted{}, nil, reporting.NewMemory(), zerolog.Nop())
	assert.Error(t, err)
}

func TestCompositeSingleLegMatchesStandalone(t *testing.T) {
	table := testutil.NewFrames().
		Closes("A", 100, 104, 99, 108, 111, 107, 115).
		Closes("B", 50, 49, 53, 52, 55, 58, 54).
		Table(t)
	cfg := config(10_000)
	cfg.Broker.CommissionRate = 0.001
	cfg.Broker.SlippageBps = 5

	leg := rules.NewSpec("target_weights",
		"weights", map[string]interface{}{"A": 0.6, "B": 0.4},
		"schedule", rules.NewSpec("every_n_days", "n", 2))

	standalone := reporting.NewMemory()
	_, err := newEngine(t, cfg, newStrategy(t, cfg, leg), standalone).Run(context.Background(), table)
	require.NoError(t, err)

	comp, err := strategy.NewComposite(strategy.CompositeConfig{
		AllowOverlap: true,
		Legs:         []strategy.LegConfig{{Name: "only", Alpha: 1, Strategy: leg}},
	}, strategy.Env{Log: zerolog.Nop(), InitialCash: cfg.InitialCash, Broker: cfg.Broker})
	require.NoError(t, err)
	blended := reporting.NewMemory()
	_, err = newEngine(t, cfg, comp, blended).Run(context.Background(), table)
	require.NoError(t, err)

	require.NotEmpty(t, standalone.Trades)
	assert.Equal(t, standalone.Trades, blended.Trades)
	assert.Equal(t, standalone.Days, blended.Days)
}

func TestInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(t, "bars")
		symbols := []string{"A", "B", "C"}
		frames := testutil.NewFrames()
		for _, sym := range symbols {
			price := rapid.Float64Range(5, 200).Draw(t, sym+"_start")
			closes := make([]float64, n)
			for i := range closes {
				price *= 1 + rapid.Float64Range(-0.2, 0.2).Draw(t, sym+"_ret")
				closes[i] = price
			}
			frames.Closes(sym, closes...)
		}
		table, err := data.NewTable(frames.Prices(), nil, data.Options{})
		if err != nil {
			t.Fatalf("table: %v", err)
		}

		plans := make(map[int]domain.TargetWeights)
		for i := 0; i < n-1; i++ {
			if !rapid.Bool().Draw(t, "decide") {
				continue
			}
			w := domain.TargetWeights{}
			for _, sym := range symbols {
				w[sym] = rapid.Float64Range(-1, 1.5).Draw(t, "w_"+sym)
			}
			plans[i] = w
		}

		cfg := config(rapid.Float64Range(100, 1e6).Draw(t, "cash"))
		cfg.Constraints = constraints.Config{
			MaxLeverage:     rapid.Float64Range(0.5, 2).Draw(t, "max_leverage"),
			MaxPositionSize: rapid.Float64Range(0.1, 1).Draw(t, "max_position"),
			AllowShort:      rapid.Bool().Draw(t, "allow_short"),
		}
		cfg.Broker.CommissionRate = rapid.Float64Range(0, 0.01).Draw(t, "commission")

		s := &scripted{plans: plans}
		mem := reporting.NewMemory()
		sz, _ := sizing.New(rules.Spec{}, zerolog.Nop())
		e, err := New(cfg, s, sz, mem, zerolog.Nop())
		if err != nil {
			t.Fatalf("engine: %v", err)
		}
		if _, err := e.Run(context.Background(), table); err != nil && !errors.Is(err, ErrNonPositiveEquity) {
			t.Fatalf("run: %v", err)
		}

		for _, w := range s.constrained {
			if g := w.Gross(); g > cfg.Constraints.MaxLeverage+1e-9 {
				t.Fatalf("gross %v exceeds max leverage %v", g, cfg.Constraints.MaxLeverage)
			}
			for sym, v := range w {
				if math.Abs(v) > cfg.Constraints.MaxPositionSize+1e-9 {
					t.Fatalf("%s weight %v exceeds max position %v", sym, v, cfg.Constraints.MaxPositionSize)
				}
			}
		}
		for sym, q := range e.Portfolio().Positions() {
			if math.Abs(q) <= domain.Epsilon {
				t.Fatalf("%s held with |shares| %v <= epsilon", sym, q)
			}
		}
		for _, d := range mem.Days {
			value := 0.0
			for _, row := range mem.Positions[d.Date] {
				value += row.MarketValue
			}
			if diff := math.Abs(d.Cash + value - d.Equity); diff > 1e-6*math.Max(1, math.Abs(d.Equity)) {
				t.Fatalf("equity %v != cash %v + positions %v", d.Equity, d.Cash, value)
			}
		}
	})
}
