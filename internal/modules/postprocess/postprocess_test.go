package postprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/modules/rules"
)

func chain(t *testing.T, specs ...rules.Spec) Chain {
	t.Helper()
	c, err := NewChain(specs)
	require.NoError(t, err)
	return c
}

func TestClamp(t *testing.T) {
	c := chain(t, rules.NewSpec("clamp", "min", -1, "max", 1))
	scores, _ := c.Apply(Context{}, map[string]float64{"A": 3, "B": -2, "C": 0.5, "N": math.NaN()}, nil)
	assert.Equal(t, map[string]float64{"A": 1, "B": -1, "C": 0.5}, scores)

	c = chain(t, rules.NewSpec("clamp", "max", 0.5, "target", "scales"))
	scores, scales := c.Apply(Context{}, map[string]float64{"A": 3}, map[string]float64{"A": 0.8})
	assert.Equal(t, 3.0, scores["A"])
	assert.Equal(t, 0.5, scales["A"])

	_, err := NewChain([]rules.Spec{rules.NewSpec("clamp", "min", 2, "max", 1)})
	assert.ErrorIs(t, err, rules.ErrInvalidParam)
}

func TestNormalizersPreserveSign(t *testing.T) {
	in := map[string]float64{"A": 4, "B": 2, "C": -1, "D": -3}
	for _, name := range []string{"zscore", "minmax", "rank_percentile"} {
		t.Run(name, func(t *testing.T) {
			out, _ := chain(t, rules.NewSpec(name)).Apply(Context{}, in, nil)
			require.Len(t, out, len(in))
			for sym, v := range in {
				assert.Equal(t, math.Signbit(v), math.Signbit(out[sym]), sym)
				assert.LessOrEqual(t, math.Abs(out[sym]), 1.0)
				assert.Greater(t, math.Abs(out[sym]), 0.0)
			}
			assert.Greater(t, math.Abs(out["A"]), math.Abs(out["D"]), "magnitude order kept")
			assert.Greater(t, math.Abs(out["B"]), math.Abs(out["C"]), "magnitude order kept")
		})
	}
}

func TestMinMaxValues(t *testing.T) {
	out, _ := chain(t, rules.NewSpec("minmax", "floor", 0)).Apply(Context{}, map[string]float64{"A": 1, "B": 3, "C": -2}, nil)
	assert.InDelta(t, 0.0, out["A"], 1e-12)
	assert.InDelta(t, 1.0, out["B"], 1e-12)
	assert.InDelta(t, -0.5, out["C"], 1e-12)

	same, _ := chain(t, rules.NewSpec("minmax")).Apply(Context{}, map[string]float64{"A": 2, "B": -2}, nil)
	assert.Equal(t, map[string]float64{"A": 1, "B": -1}, same)
}

func TestZScoreMidpoint(t *testing.T) {
	out, _ := chain(t, rules.NewSpec("zscore")).Apply(Context{}, map[string]float64{"A": 1, "B": 2, "C": 3}, nil)
	assert.InDelta(t, 0.5, out["B"], 1e-12)
	assert.InDelta(t, 1, out["A"]+out["C"], 1e-12)
}

func TestSmoothing(t *testing.T) {
	prev := map[string]float64{"A": 1, "B": 2}
	ctx := Context{Previous: func(sym string) (float64, bool) {
		v, ok := prev[sym]
		return v, ok
	}}
	out, _ := chain(t, rules.NewSpec("smoothing", "alpha", 0.25)).Apply(ctx, map[string]float64{"A": 3, "B": -1, "C": 5}, nil)
	assert.InDelta(t, 1.5, out["A"], 1e-12)
	assert.Equal(t, -1.0, out["B"], "side change takes the new score")
	assert.Equal(t, 5.0, out["C"])

	_, err := NewChain([]rules.Spec{rules.NewSpec("smoothing", "alpha", 0)})
	assert.ErrorIs(t, err, rules.ErrInvalidParam)
}

func TestChainOrder(t *testing.T) {
	c := chain(t, rules.NewSpec("minmax", "floor", 0), rules.NewSpec("clamp", "min", 0.25))
	out, _ := c.Apply(Context{}, map[string]float64{"A": 1, "B": 3}, nil)
	assert.Equal(t, map[string]float64{"A": 0.25, "B": 1}, out)
}
