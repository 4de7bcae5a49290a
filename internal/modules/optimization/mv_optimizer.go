// Package optimization provides the Optimizer implementations used by the
// mvo sizer and the covariance helpers they are fed with.
package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/aristath/backtester/internal/domain"
)

// DefaultMinWeight is the weight below which optimizer output is dropped.
const DefaultMinWeight = 1e-4

// MVOptimizer performs long-only mean-variance optimization.
//
// Mathematical formulation:
//   - maximize μ'w − γ(w'Σw)
//   - Σw = 1
//   - 0 ≤ w_i ≤ maxWeight
//
// Constraints are enforced with the penalty method over a projection to bounds.
type MVOptimizer struct {
	riskAversion float64
	maxWeight    float64
	minWeight    float64
	log          zerolog.Logger
}

var _ domain.Optimizer = (*MVOptimizer)(nil)

// MVOption customizes an MVOptimizer.
type MVOption func(*MVOptimizer)

// WithMaxWeight caps every asset's weight.
func WithMaxWeight(w float64) MVOption {
	return func(m *MVOptimizer) { m.maxWeight = w }
}

// WithMinWeight sets the cut-off below which weights are dropped.
func WithMinWeight(w float64) MVOption {
	return func(m *MVOptimizer) { m.minWeight = w }
}

// NewMVOptimizer creates a new mean-variance optimizer with risk aversion γ.
func NewMVOptimizer(riskAversion float64, log zerolog.Logger, opts ...MVOption) *MVOptimizer {
	m := &MVOptimizer{
		riskAversion: riskAversion,
		maxWeight:    1,
		minWeight:    DefaultMinWeight,
		log:          log.With().Str("component", "mv_optimizer").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// validateInputs checks shapes and finiteness; every failure is malformed input.
func validateInputs(universe []string, expectedReturns map[string]float64, covariance [][]float64, needReturns bool) error {
	n := len(universe)
	if len(covariance) != n {
		return fmt.Errorf("covariance matrix size %d doesn't match universe size %d", len(covariance), n)
	}
	for i := range covariance {
		if len(covariance[i]) != n {
			return fmt.Errorf("covariance matrix row %d has size %d, expected %d", i, len(covariance[i]), n)
		}
		for j, v := range covariance[i] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("covariance matrix entry (%d,%d) is not finite", i, j)
			}
		}
	}
	if !needReturns {
		return nil
	}
	for _, sym := range universe {
		r, ok := expectedReturns[sym]
		if !ok {
			return fmt.Errorf("missing expected return for %s", sym)
		}
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("expected return for %s is not finite", sym)
		}
	}
	return nil
}

// Optimize solves the problem. Infeasible or non-converging problems return an
// empty map; only malformed input returns an error.
func (mvo *MVOptimizer) Optimize(
	universe []string,
	expectedReturns map[string]float64,
	covariance [][]float64,
	currentWeights map[string]float64,
) (map[string]float64, error) {
	if err := validateInputs(universe, expectedReturns, covariance, true); err != nil {
		return nil, err
	}
	n := len(universe)
	if n == 0 || mvo.maxWeight*float64(n) < 1-domain.Epsilon {
		return map[string]float64{}, nil
	}

	mu := make([]float64, n)
	for i, sym := range universe {
		mu[i] = expectedReturns[sym]
	}
	sigma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sigma.SetSym(i, j, (covariance[i][j]+covariance[j][i])/2)
		}
	}

	x, ok := mvo.solve(mu, sigma, mvo.initialGuess(universe, currentWeights))
	if !ok {
		mvo.log.Debug().Int("assets", n).Msg("Mean-variance optimization did not converge")
		return map[string]float64{}, nil
	}
	return mvo.finalize(universe, mvo.projectToBounds(x)), nil
}

// initialGuess seeds the search from the current weights when they are usable,
// equal weights otherwise.
func (mvo *MVOptimizer) initialGuess(universe []string, current map[string]float64) []float64 {
	n := len(universe)
	initial := make([]float64, n)
	sum := 0.0
	for i, sym := range universe {
		w := current[sym]
		if w < 0 || math.IsNaN(w) {
			sum = 0
			break
		}
		initial[i] = w
		sum += w
	}
	if sum <= domain.Epsilon {
		for i := range initial {
			initial[i] = 1.0 / float64(n)
		}
		return initial
	}
	for i := range initial {
		initial[i] /= sum
	}
	return initial
}

func (mvo *MVOptimizer) solve(mu []float64, sigma *mat.SymDense, initial []float64) ([]float64, bool) {
	n := len(mu)
	gamma := mvo.riskAversion
	penaltyWeight := 1000.0

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			w := mvo.projectToBounds(x)
			wv := mat.NewVecDense(n, w)
			portfolioReturn := mat.Dot(mat.NewVecDense(n, mu), wv)
			portfolioVariance := mat.Inner(wv, sigma, wv)

			sum := 0.0
			for _, v := range w {
				sum += v
			}
			return -(portfolioReturn - gamma*portfolioVariance) + penaltyWeight*(sum-1)*(sum-1)
		},
		Grad: func(grad, x []float64) {
			w := mvo.projectToBounds(x)
			var sw mat.VecDense
			sw.MulVec(sigma, mat.NewVecDense(n, w))
			sum := 0.0
			for _, v := range w {
				sum += v
			}
			for i := 0; i < n; i++ {
				grad[i] = -mu[i] + 2*gamma*sw.AtVec(i) + 2*penaltyWeight*(sum-1)
			}
		},
	}

	result, err := optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.NelderMead{})
	if err != nil || !finite(result.X) {
		// Try with a gradient method
		result, err = optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.BFGS{})
		if err != nil || !finite(result.X) {
			return nil, false
		}
	}
	return result.X, true
}

// finalize normalizes, drops near-zero weights and renormalizes.
func (mvo *MVOptimizer) finalize(universe []string, x []float64) map[string]float64 {
	sum := 0.0
	for _, v := range x {
		sum += v
	}
	weights := make(map[string]float64)
	if sum <= domain.Epsilon {
		return weights
	}
	kept := 0.0
	for i, sym := range universe {
		w := x[i] / sum
		if w < mvo.minWeight {
			continue
		}
		weights[sym] = w
		kept += w
	}
	for sym := range weights {
		weights[sym] /= kept
	}
	return weights
}

// projectToBounds projects weights to [0, maxWeight].
func (mvo *MVOptimizer) projectToBounds(x []float64) []float64 {
	proj := make([]float64, len(x))
	for i := range x {
		proj[i] = math.Max(0, math.Min(mvo.maxWeight, x[i]))
	}
	return proj
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return len(x) > 0
}
