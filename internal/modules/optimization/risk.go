package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/pkg/formulas"
)

// ReturnWindow holds aligned trailing daily returns for a set of symbols.
type ReturnWindow struct {
	Symbols []string
	// Returns[k] is the return column of Symbols[k].
	Returns [][]float64
}

// TrailingReturns collects the last lookback daily close-to-close returns of
// each symbol. Symbols without lookback+1 consecutive closes are left out, so
// the kept columns are aligned on the same dates.
func TrailingReturns(h *data.History, symbols []string, lookback int) ReturnWindow {
	var w ReturnWindow
	if lookback < 1 {
		return w
	}
	for _, sym := range symbols {
		closes := h.Window(sym, data.FieldClose, lookback+1)
		if len(closes) != lookback+1 || !allPositive(closes) {
			continue
		}
		w.Symbols = append(w.Symbols, sym)
		w.Returns = append(w.Returns, formulas.CalculateReturns(closes))
	}
	return w
}

func allPositive(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || v <= 0 {
			return false
		}
	}
	return true
}

// Covariance returns the sample covariance of the window's return columns.
func (w ReturnWindow) Covariance() ([][]float64, error) {
	if len(w.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols with return history")
	}
	if len(w.Returns[0]) < 2 {
		return nil, fmt.Errorf("insufficient data: need at least 2 observations, got %d", len(w.Returns[0]))
	}
	return formulas.SampleCovariance(w.Returns), nil
}

// MeanReturns returns each column's average daily return.
func (w ReturnWindow) MeanReturns() map[string]float64 {
	out := make(map[string]float64, len(w.Symbols))
	for k, sym := range w.Symbols {
		out[sym] = formulas.Mean(w.Returns[k])
	}
	return out
}

// ShrinkCovariance applies Ledoit-Wolf style shrinkage toward a
// constant-correlation target: Σ = (1−δ)·S + δ·T. The intensity δ is
// estimated from the data and bounded to [0, 0.5].
func ShrinkCovariance(sampleCov [][]float64) ([][]float64, error) {
	n := len(sampleCov)
	if n == 0 {
		return nil, fmt.Errorf("empty covariance matrix")
	}
	if n == 1 {
		return [][]float64{{sampleCov[0][0]}}, nil
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sampleCov[i][i]
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sampleCov[i][j]
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			switch {
			case i == j:
				target.Set(i, j, avgVar)
			case avgVar > 0:
				target.Set(i, j, avgCov)
			}
		}
	}

	shrinkage := 0.2
	if n > 2 && avgVar > 0 {
		var sumSqDiff, sumSq, sum float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				diff := sampleCov[i][j] - target.At(i, j)
				sumSqDiff += diff * diff
				sum += sampleCov[i][j]
				sumSq += sampleCov[i][j] * sampleCov[i][j]
			}
		}
		count := float64(n * n)
		meanSqDiff := sumSqDiff / count
		mean := sum / count
		varSample := sumSq/count - mean*mean
		if varSample > 0 && meanSqDiff > 0 {
			shrinkage = math.Min(0.5, math.Max(0.0, varSample/(varSample+meanSqDiff)))
		}
	}

	var shrunk mat.Dense
	shrunk.Scale(shrinkage, target)
	sample := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sample.Set(i, j, sampleCov[i][j])
		}
	}
	sample.Scale(1-shrinkage, sample)
	shrunk.Add(&shrunk, sample)

	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = mat.Row(nil, i, &shrunk)
	}
	return out, nil
}
