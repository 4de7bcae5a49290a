package reporting

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/domain"
	testutil "github.com/aristath/backtester/internal/testing"
)

var (
	_ domain.Reporter = (*Memory)(nil)
	_ domain.Reporter = (*Log)(nil)
	_ domain.Reporter = Multi(nil)
	_ domain.Reporter = (*RunRecorder)(nil)
	_ domain.Reporter = (*Prometheus)(nil)
)

// equityDays builds a metrics stream the way the engine does.
func equityDays(initial float64, equity ...float64) []domain.DailyMetrics {
	days := make([]domain.DailyMetrics, len(equity))
	prev, peak := initial, initial
	for i, e := range equity {
		peak = math.Max(peak, e)
		days[i] = domain.DailyMetrics{
			Date:             testutil.Day(i),
			BarIndex:         i,
			Equity:           e,
			DailyReturn:      e/prev - 1,
			CumulativeReturn: e/initial - 1,
			Peak:             peak,
			Drawdown:         e/peak - 1,
		}
		prev = e
	}
	return days
}

func TestSummarize(t *testing.T) {
	days := equityDays(1000, 1000, 1100, 990, 1210)
	days[1].Trades, days[2].Trades = 2, 1
	days[1].Commission = 1.5

	s := Summarize(days)
	assert.Equal(t, 4, s.Days)
	assert.InDelta(t, 1000, s.InitialEquity, 1e-9)
	assert.InDelta(t, 0.21, s.TotalReturn, 1e-12)
	assert.InDelta(t, -0.1, s.MaxDrawdown, 1e-12)
	assert.Equal(t, 3, s.Trades)
	assert.InDelta(t, 1.5, s.Commission, 1e-12)
	assert.Greater(t, s.AnnualizedVol, 0.0)
	assert.Greater(t, s.Sharpe, 0.0)
	assert.Greater(t, s.AnnualizedReturn, s.TotalReturn)

	flat := Summarize(equityDays(500, 500, 500, 500))
	assert.Equal(t, 0.0, flat.Sharpe)
	assert.Equal(t, 0.0, flat.MaxDrawdown)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	for _, d := range equityDays(100, 100, 110) {
		require.NoError(t, m.RecordDay(d))
	}
	require.NoError(t, m.RecordLegWeights(testutil.Day(0), "a", domain.TargetWeights{"X": 1}))
	require.NoError(t, m.RecordBlendedWeights(testutil.Day(0), domain.TargetWeights{"X": 0.5}))

	assert.InDelta(t, 0.1, m.Summary().TotalReturn, 1e-12)
	require.Len(t, m.Weights, 2)
	assert.Equal(t, BlendedLeg, m.Weights[1].Leg)
}

func TestMulti_StopsAtFirstError(t *testing.T) {
	failing := &testutil.MockReporter{}
	failing.On("RecordDay", mock.Anything).Return(errors.New("disk full"))
	after := NewMemory()

	err := Multi{NewMemory(), failing, after}.RecordDay(domain.DailyMetrics{})
	assert.EqualError(t, err, "disk full")
	assert.Empty(t, after.Days)
	failing.AssertExpectations(t)
}

func TestRunStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(testutil.NewTestDB(t, "runs"), zerolog.Nop())

	rec, err := store.Begin(ctx, RunInfo{Name: "smoke", Strategy: "buy_and_hold", InitialCash: 1000,
		Config: map[string]interface{}{"sizing": "equal_weight"}})
	require.NoError(t, err)
	require.NotEmpty(t, rec.RunID())

	days := equityDays(1000, 1000, 1050, 1020)
	for _, d := range days {
		require.NoError(t, rec.RecordDay(d))
	}
	fills := []domain.TradeFill{
		{Date: testutil.Day(1), Symbol: "A", Quantity: 9.009009, Price: 111, Notional: 1000, CashAfter: 0},
	}
	require.NoError(t, rec.RecordTrades(fills))
	require.NoError(t, rec.RecordRejects([]domain.ExecutionReject{
		{Date: testutil.Day(1), Symbol: "B", Reason: domain.RejectMinNotional, Detail: "Notional 1.00 < min 10"},
	}))
	require.NoError(t, rec.RecordConstraintHits([]domain.ConstraintHit{
		{Date: testutil.Day(0), Constraint: "max_leverage", Before: 1.2, After: 1},
	}))
	rows := []domain.PositionRow{{Date: testutil.Day(1), Symbol: "A", Shares: 9.009009, Price: 116.55, MarketValue: 1050, Weight: 1}}
	require.NoError(t, rec.RecordPositions(testutil.Day(1), rows))
	require.NoError(t, rec.RecordLegWeights(testutil.Day(0), "trend", domain.TargetWeights{"A": 1}))
	require.NoError(t, rec.RecordBlendedWeights(testutil.Day(0), domain.TargetWeights{"A": 0.5}))
	require.NoError(t, rec.Finish(ctx, nil))

	loadedDays, err := store.Days(ctx, rec.RunID())
	require.NoError(t, err)
	assert.Equal(t, days, loadedDays)

	trades, err := store.Trades(ctx, rec.RunID())
	require.NoError(t, err)
	assert.Equal(t, fills, trades)

	positions, err := store.Positions(ctx, rec.RunID(), testutil.Day(1))
	require.NoError(t, err)
	assert.Equal(t, rows, positions)

	w, err := store.Weights(ctx, rec.RunID(), testutil.Day(0), BlendedLeg)
	require.NoError(t, err)
	assert.Equal(t, domain.TargetWeights{"A": 0.5}, w)

	summary, err := store.Summary(ctx, rec.RunID())
	require.NoError(t, err)
	assert.Equal(t, Summarize(days), summary)

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunFinished, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestRunStore_FailedRun(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(testutil.NewTestDB(t, "runs"), zerolog.Nop())
	rec, err := store.Begin(ctx, RunInfo{Name: "broken", Strategy: "pipeline", InitialCash: 1})
	require.NoError(t, err)
	require.NoError(t, rec.Finish(ctx, errors.New("composite overlap conflict")))

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.Equal(t, "composite overlap conflict", runs[0].Error)
}

func TestPrometheus(t *testing.T) {
	p := NewPrometheus("test")
	require.NoError(t, p.RecordTrades([]domain.TradeFill{
		{Quantity: 2, Notional: 200}, {Quantity: -1, Notional: -50}, {Quantity: 3, Notional: 30},
	}))
	require.NoError(t, p.RecordRejects([]domain.ExecutionReject{{Reason: domain.RejectRoundsToZero}}))
	require.NoError(t, p.RecordDay(domain.DailyMetrics{Equity: 1234, Drawdown: -0.05, Commission: 0.5}))
	require.NoError(t, p.RecordConstraintHits([]domain.ConstraintHit{{Constraint: "max_leverage"}}))

	assert.Equal(t, 2.0, promtest.ToFloat64(p.Trades.WithLabelValues("buy")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.Trades.WithLabelValues("sell")))
	assert.Equal(t, 280.0, promtest.ToFloat64(p.Notional))
	assert.Equal(t, 1234.0, promtest.ToFloat64(p.Equity))
	assert.Equal(t, -0.05, promtest.ToFloat64(p.Drawdown))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.Rejects.WithLabelValues(domain.RejectRoundsToZero)))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.Hits.WithLabelValues("max_leverage")))

	path := filepath.Join(t.TempDir(), "backtest.prom")
	require.NoError(t, p.WriteTextfile(path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), `backtest_equity{run="test"} 1234`))
}
