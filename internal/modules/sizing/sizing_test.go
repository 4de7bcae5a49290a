package sizing

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/optimization"
	"github.com/aristath/backtester/internal/modules/rules"
	testutil "github.com/aristath/backtester/internal/testing"
	"github.com/aristath/backtester/pkg/formulas"
)

func sizer(t *testing.T, spec rules.Spec) Sizer {
	t.Helper()
	s, err := New(spec, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func decision(scores map[string]float64) *domain.Decision {
	return &domain.Decision{Scores: scores}
}

// zigzag returns closes alternating +up and −down returns.
func zigzag(n int, up, down float64) []float64 {
	closes := []float64{100}
	for i := 1; i < n; i++ {
		r := up
		if i%2 == 0 {
			r = -down
		}
		closes = append(closes, closes[i-1]*(1+r))
	}
	return closes
}

func TestEqualWeight(t *testing.T) {
	d := decision(map[string]float64{"A": 3, "B": 2, "C": 1, "S": -5, "Z": 0})

	w, err := sizer(t, rules.Spec{}).Size(d, nil, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetWeights{"A": 1.0 / 3, "B": 1.0 / 3, "C": 1.0 / 3}, w)

	w, err = sizer(t, rules.NewSpec("equal_weight", "top_k", 2, "gross", 0.8)).Size(d, nil, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetWeights{"A": 0.4, "B": 0.4}, w)
}

func TestApplyScales(t *testing.T) {
	d := &domain.Decision{Scores: map[string]float64{"A": 1, "B": 1}, Scales: map[string]float64{"A": 0.5, "X": 0.1}}
	w, err := Apply(sizer(t, rules.Spec{}), d, nil, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetWeights{"A": 0.25, "B": 0.5}, w)

	presized := &domain.Decision{Weights: domain.TargetWeights{"Q": 0.3}}
	w, err = Apply(sizer(t, rules.Spec{}), presized, nil, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetWeights{"Q": 0.3}, w)
}

func TestLongShort(t *testing.T) {
	d := decision(map[string]float64{"L1": 4, "L2": 2, "L3": 1, "S1": -3, "S2": -1})

	w, err := sizer(t, rules.NewSpec("long_short", "gross", 1, "net", 0.2, "n_long", 2, "n_short", 1)).
		Size(d, nil, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, w["L1"], 1e-12)
	assert.InDelta(t, 0.3, w["L2"], 1e-12)
	assert.InDelta(t, -0.4, w["S1"], 1e-12)
	assert.Len(t, w, 3)
	assert.InDelta(t, 1.0, w.Gross(), 1e-12)
	assert.InDelta(t, 0.2, w.Net(), 1e-12)

	w, err = sizer(t, rules.NewSpec("long_short", "weighting", "score_power", "power", 1, "n_short", 0)).
		Size(decision(map[string]float64{"A": 3, "B": 1, "S": -2}), nil, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 0.375, w["A"], 1e-12)
	assert.InDelta(t, 0.125, w["B"], 1e-12)
	assert.InDelta(t, -0.5, w["S"], 1e-12)
}

func TestLongShort_StickyRetention(t *testing.T) {
	d := decision(map[string]float64{"A": 5, "B": 4, "H": 3})
	snap := domain.PortfolioSnapshot{Positions: map[string]float64{"H": 10}}

	s := sizer(t, rules.NewSpec("long_short", "net", 1, "n_long", 2, "keep_rank", 3))
	w, err := s.Size(d, nil, snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "H"}, domain.SortedKeys(w), "held H ranks third and is kept")

	s = sizer(t, rules.NewSpec("long_short", "net", 1, "n_long", 2, "keep_rank", 2))
	w, err = s.Size(d, nil, snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, domain.SortedKeys(w))
}

func TestLongShort_Validation(t *testing.T) {
	_, err := New(rules.NewSpec("long_short", "gross", 1, "net", 2), zerolog.Nop())
	assert.ErrorIs(t, err, rules.ErrInvalidParam)
	_, err = New(rules.NewSpec("long_short", "weighting", "vibes"), zerolog.Nop())
	assert.ErrorIs(t, err, rules.ErrInvalidParam)
	_, err = New(rules.NewSpec("fixed_fraction"), zerolog.Nop())
	assert.ErrorIs(t, err, rules.ErrUnknownRule)
}

func kellyHistory(t *testing.T) *data.History {
	closes := zigzag(30, 0.02, 0.01)
	frames := testutil.NewFrames().
		Closes("A", closes...).
		Closes("B", closes...).
		Closes("FLAT", testutil.Repeat(100, 30)...).
		Closes("NEW", 10, 11)
	return frames.Table(t).History(29)
}

func TestKelly(t *testing.T) {
	h := kellyHistory(t)
	variance := math.Pow(formulas.StdDev(formulas.CalculateReturns(h.Closes("A", 21))), 2)

	s := sizer(t, rules.NewSpec("kelly", "fraction", 1, "lookback", 20))
	w, err := s.Size(decision(map[string]float64{"A": 0.01}), h, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01/variance, w["A"], 1e-6)

	// Identical series make Σ singular; the pseudo-inverse splits the position.
	w, err = s.Size(decision(map[string]float64{"A": 0.01, "B": 0.01}), h, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01/(2*variance), w["A"], 1e-6)
	assert.InDelta(t, w["A"], w["B"], 1e-9)

	w, err = s.Size(decision(map[string]float64{"FLAT": 1}), h, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.Empty(t, w, "zero covariance is degenerate")

	w, err = s.Size(decision(map[string]float64{"NEW": 1}), h, domain.PortfolioSnapshot{})
	require.NoError(t, err)
	assert.Empty(t, w, "not enough history")
}

func TestMVO(t *testing.T) {
	frames := testutil.NewFrames().
		Closes("A", zigzag(30, 0.02, 0.01)...).
		Closes("B", zigzag(30, 0.01, 0.02)...)
	h := frames.Table(t).History(29)
	d := decision(map[string]float64{"A": 0.05, "B": 0.05, "S": -1})

	for _, kind := range []string{OptimizerMeanVariance, OptimizerHRP} {
		t.Run(kind, func(t *testing.T) {
			s := sizer(t, rules.NewSpec("mvo", "optimizer", kind, "lookback", 20, "gross", 0.9))
			w, err := s.Size(d, h, domain.PortfolioSnapshot{Equity: 1000})
			require.NoError(t, err)
			require.NotEmpty(t, w)
			assert.NotContains(t, w, "S", "long-only")
			assert.InDelta(t, 0.9, w.Gross(), 1e-9)
			for _, v := range w {
				assert.Greater(t, v, 0.0)
			}
		})
	}

	_, err := New(rules.NewSpec("mvo", "optimizer", "black_litterman"), zerolog.Nop())
	assert.ErrorIs(t, err, rules.ErrInvalidParam)
}

func TestMVO_OptimizerMatchesKind(t *testing.T) {
	mv := sizer(t, rules.NewSpec("mvo")).(*mvo)
	assert.IsType(t, &optimization.MVOptimizer{}, mv.optimizer)

	hrp := sizer(t, rules.NewSpec("mvo", "optimizer", OptimizerHRP)).(*mvo)
	assert.IsType(t, &optimization.HRPOptimizer{}, hrp.optimizer)
}
