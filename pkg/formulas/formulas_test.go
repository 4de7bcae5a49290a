package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateReturns(t *testing.T) {
	tests := []struct {
		name     string
		prices   []float64
		expected []float64
	}{
		{name: "empty", prices: nil, expected: []float64{}},
		{name: "single price", prices: []float64{100}, expected: []float64{}},
		{name: "rising", prices: []float64{100, 110, 121}, expected: []float64{0.1, 0.1}},
		{name: "zero base yields zero", prices: []float64{0, 10}, expected: []float64{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateReturns(tt.prices)
			require.Len(t, got, len(tt.expected))
			for i := range got {
				assert.InDelta(t, tt.expected[i], got[i], 1e-12)
			}
		})
	}
}

func TestCalculateSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}

	sma := CalculateSMA(closes, 3)
	require.NotNil(t, sma)
	assert.InDelta(t, 4.0, *sma, 1e-12)

	assert.Nil(t, CalculateSMA(closes, 6), "not enough data")
}

func TestCalculateMomentum(t *testing.T) {
	closes := []float64{100, 105, 110, 120}

	mom := CalculateMomentum(closes, 3)
	require.NotNil(t, mom)
	assert.InDelta(t, 0.2, *mom, 1e-9)

	assert.Nil(t, CalculateMomentum(closes, 4))
}

func TestRollingExtremes(t *testing.T) {
	values := []float64{3, 9, 1, 4, 2}

	hi := RollingMax(values, 3)
	lo := RollingMin(values, 3)
	require.NotNil(t, hi)
	require.NotNil(t, lo)
	assert.Equal(t, 4.0, *hi)
	assert.Equal(t, 1.0, *lo)
}

func TestMaxDrawdown(t *testing.T) {
	assert.InDelta(t, -0.5, MaxDrawdown([]float64{100, 200, 100, 150}), 1e-12)
	assert.Equal(t, 0.0, MaxDrawdown([]float64{1, 2, 3}))
	assert.Equal(t, 0.0, MaxDrawdown(nil))
}

func TestSampleCovariance(t *testing.T) {
	a := []float64{0.01, 0.02, 0.03}
	b := []float64{0.03, 0.02, 0.01}

	cov := SampleCovariance([][]float64{a, b})
	require.Len(t, cov, 2)
	assert.InDelta(t, 0.0001, cov[0][0], 1e-12)
	assert.InDelta(t, -0.0001, cov[0][1], 1e-12)
	assert.Equal(t, cov[0][1], cov[1][0])
}

func TestCorrelationMatrixFromCovariance(t *testing.T) {
	corr, err := CorrelationMatrixFromCovariance([][]float64{{0.04, 0.01}, {0.01, 0.09}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, corr[0][0])
	assert.InDelta(t, 0.01/math.Sqrt(0.04*0.09), corr[0][1], 1e-12)

	_, err = CorrelationMatrixFromCovariance([][]float64{{0, 0}, {0, 1}})
	assert.Error(t, err, "zero variance is rejected")
}
