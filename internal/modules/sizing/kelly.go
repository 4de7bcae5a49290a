package sizing

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/optimization"
	"github.com/aristath/backtester/internal/modules/rules"
)

// kelly sizes w = fraction × pinv(Σ) × μ with μ = score × scoreScale and Σ
// the sample covariance of trailing daily returns.
type kelly struct {
	fraction   float64
	scoreScale float64
	lookback   int
	log        zerolog.Logger
}

func newKelly(spec rules.Spec) (Sizer, error) {
	k := &kelly{
		fraction:   rules.GetFloatParam(spec.Params, "fraction", 0.5),
		scoreScale: rules.GetFloatParam(spec.Params, "score_scale", 1),
		lookback:   rules.GetIntParam(spec.Params, "lookback", 60),
		log:        zerolog.Nop(),
	}
	if err := rules.Positive("fraction", k.fraction); err != nil {
		return nil, err
	}
	if k.lookback < 2 {
		return nil, fmt.Errorf("%w: lookback must be at least 2", rules.ErrInvalidParam)
	}
	return k, nil
}

func (k *kelly) Name() string { return "kelly" }

func (k *kelly) setLogger(log zerolog.Logger) { k.log = log }

// Size returns empty weights when no scored symbol has enough history or the
// covariance is degenerate.
func (k *kelly) Size(d *domain.Decision, h *data.History, _ domain.PortfolioSnapshot) (domain.TargetWeights, error) {
	var scored []string
	for _, sym := range domain.SortedKeys(d.Scores) {
		if s := d.Scores[sym]; s != 0 && !math.IsNaN(s) {
			scored = append(scored, sym)
		}
	}
	window := optimization.TrailingReturns(h, scored, k.lookback)
	if len(window.Symbols) == 0 {
		return domain.TargetWeights{}, nil
	}
	cov, err := window.Covariance()
	if err != nil {
		return domain.TargetWeights{}, nil
	}

	n := len(window.Symbols)
	sigma := mat.NewDense(n, n, nil)
	mu := mat.NewVecDense(n, nil)
	for i, sym := range window.Symbols {
		mu.SetVec(i, d.Scores[sym]*k.scoreScale)
		for j := 0; j < n; j++ {
			sigma.Set(i, j, cov[i][j])
		}
	}
	pinv, ok := pseudoInverse(sigma)
	if !ok {
		k.log.Debug().Int("symbols", n).Msg("Degenerate covariance, no Kelly weights")
		return domain.TargetWeights{}, nil
	}

	var raw mat.VecDense
	raw.MulVec(pinv, mu)
	w := make(domain.TargetWeights, n)
	for i, sym := range window.Symbols {
		v := k.fraction * raw.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.TargetWeights{}, nil
		}
		if math.Abs(v) > domain.Epsilon {
			w[sym] = v
		}
	}
	return w, nil
}

// pseudoInverse computes the Moore-Penrose inverse through an SVD, treating
// singular values below a relative tolerance as zero. It reports false when
// the matrix has no singular value above the tolerance.
func pseudoInverse(a *mat.Dense) (*mat.Dense, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, false
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] <= 0 || math.IsNaN(values[0]) {
		return nil, false
	}
	r, c := a.Dims()
	tol := float64(max(r, c)) * values[0] * 1e-12

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	inv := mat.NewDiagDense(len(values), nil)
	rank := 0
	for i, s := range values {
		if s > tol {
			inv.SetDiag(i, 1/s)
			rank++
		}
	}
	if rank == 0 {
		return nil, false
	}
	var tmp, out mat.Dense
	tmp.Mul(&v, inv)
	out.Mul(&tmp, u.T())
	return &out, true
}
