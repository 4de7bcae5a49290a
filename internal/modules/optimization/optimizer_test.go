package optimization

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/aristath/backtester/internal/testing"
)

func sumOf(weights map[string]float64) float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	return sum
}

func TestMVOptimizer_SymmetricAssets(t *testing.T) {
	universe := []string{"A", "B"}
	mu := map[string]float64{"A": 0.10, "B": 0.10}
	cov := [][]float64{{0.04, 0}, {0, 0.04}}

	weights, err := NewMVOptimizer(1, zerolog.Nop()).Optimize(universe, mu, cov, nil)
	require.NoError(t, err)
	require.Len(t, weights, 2)
	assert.InDelta(t, 0.5, weights["A"], 1e-3)
	assert.InDelta(t, 0.5, weights["B"], 1e-3)
	assert.InDelta(t, 1.0, sumOf(weights), 1e-9)
}

func TestMVOptimizer_DominatedAsset(t *testing.T) {
	universe := []string{"A", "B"}
	mu := map[string]float64{"A": 0.2, "B": 0}
	cov := [][]float64{{0.01, 0}, {0, 0.01}}

	weights, err := NewMVOptimizer(1, zerolog.Nop()).Optimize(universe, mu, cov, nil)
	require.NoError(t, err)
	assert.Greater(t, weights["A"], 0.95)
	assert.InDelta(t, 1.0, sumOf(weights), 1e-9)
	for _, w := range weights {
		assert.GreaterOrEqual(t, w, 0.0, "long-only")
	}
}

func TestMVOptimizer_MalformedAndInfeasible(t *testing.T) {
	opt := NewMVOptimizer(1, zerolog.Nop())

	_, err := opt.Optimize([]string{"A", "B"}, map[string]float64{"A": 1, "B": 1}, [][]float64{{1}}, nil)
	assert.Error(t, err)

	_, err = opt.Optimize([]string{"A"}, map[string]float64{}, [][]float64{{1}}, nil)
	assert.Error(t, err, "missing expected return")

	weights, err := opt.Optimize(nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, weights)

	capped := NewMVOptimizer(1, zerolog.Nop(), WithMaxWeight(0.3))
	weights, err = capped.Optimize([]string{"A", "B"}, map[string]float64{"A": 1, "B": 1}, [][]float64{{1, 0}, {0, 1}}, nil)
	require.NoError(t, err)
	assert.Empty(t, weights, "two assets capped at 30% cannot be fully invested")
}

func TestHRPOptimizer_InverseVariance(t *testing.T) {
	opt, err := NewHRPOptimizer("")
	require.NoError(t, err)

	// Uncorrelated assets: HRP reduces to inverse-variance weights.
	cov := [][]float64{{0.04, 0}, {0, 0.01}}
	weights, err := opt.Optimize([]string{"A", "B"}, nil, cov, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, weights["A"], 1e-12)
	assert.InDelta(t, 0.8, weights["B"], 1e-12)

	single, err := opt.Optimize([]string{"A"}, nil, [][]float64{{0.02}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"A": 1}, single)

	degenerate, err := opt.Optimize([]string{"A", "B"}, nil, [][]float64{{0, 0}, {0, 0.01}}, nil)
	require.NoError(t, err)
	assert.Empty(t, degenerate)

	_, err = NewHRPOptimizer("ward")
	assert.Error(t, err)
}

func TestHRPOptimizer_Linkages(t *testing.T) {
	cov := [][]float64{
		{0.040, 0.018, 0.002},
		{0.018, 0.030, 0.001},
		{0.002, 0.001, 0.020},
	}
	for _, linkage := range []Linkage{LinkageSingle, LinkageComplete, LinkageAverage} {
		opt, err := NewHRPOptimizer(linkage)
		require.NoError(t, err)
		weights, err := opt.Optimize([]string{"A", "B", "C"}, nil, cov, nil)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sumOf(weights), 1e-12, string(linkage))
		assert.Greater(t, weights["C"], weights["A"], "lowest variance, least correlated asset gets more")
	}
}

func TestTrailingReturnsAndCovariance(t *testing.T) {
	frames := testutil.NewFrames().
		Closes("A", 100, 110, 121, 133.1).
		Closes("B", 50, 50, 50, 50).
		Closes("SHORT", 10, 11)
	h := frames.Table(t).History(3)

	w := TrailingReturns(h, []string{"A", "B", "SHORT"}, 3)
	assert.Equal(t, []string{"A", "B"}, w.Symbols)
	require.Len(t, w.Returns[0], 3)
	assert.InDelta(t, 0.1, w.MeanReturns()["A"], 1e-9)

	cov, err := w.Covariance()
	require.NoError(t, err)
	assert.InDelta(t, 0, cov[0][0], 1e-12)
	assert.InDelta(t, 0, cov[1][1], 1e-12)

	_, err = ReturnWindow{}.Covariance()
	assert.Error(t, err)
}

func TestShrinkCovariance(t *testing.T) {
	sample := [][]float64{
		{0.04, 0.01, 0.00},
		{0.01, 0.03, 0.02},
		{0.00, 0.02, 0.05},
	}
	shrunk, err := ShrinkCovariance(sample)
	require.NoError(t, err)
	for i := range sample {
		for j := range sample {
			assert.InDelta(t, shrunk[i][j], shrunk[j][i], 1e-15, "symmetric")
		}
	}
	avgVar := (0.04 + 0.03 + 0.05) / 3
	for i := range sample {
		lo, hi := sample[i][i], avgVar
		if lo > hi {
			lo, hi = hi, lo
		}
		assert.GreaterOrEqual(t, shrunk[i][i], lo-1e-12)
		assert.LessOrEqual(t, shrunk[i][i], hi+1e-12, "variances move toward the average")
	}

	_, err = ShrinkCovariance(nil)
	assert.Error(t, err)
}
