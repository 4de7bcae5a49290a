package sizing

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/optimization"
	"github.com/aristath/backtester/internal/modules/rules"
)

// Optimizer kinds of the mvo sizer.
const (
	OptimizerMeanVariance = "mean_variance"
	OptimizerHRP          = "hrp"
)

// mvo delegates to an Optimizer over the positively scored symbols with
// enough return history.
type mvo struct {
	kind         string
	riskAversion float64
	maxWeight    float64
	minWeight    float64
	linkage      optimization.Linkage
	lookback     int
	scoreScale   float64
	gross        float64
	shrink       bool
	optimizer    domain.Optimizer
	log          zerolog.Logger
}

func newMVO(spec rules.Spec) (Sizer, error) {
	s := &mvo{
		kind:         rules.GetStringParam(spec.Params, "optimizer", OptimizerMeanVariance),
		riskAversion: rules.GetFloatParam(spec.Params, "risk_aversion", 1),
		maxWeight:    rules.GetFloatParam(spec.Params, "max_weight", 1),
		minWeight:    rules.GetFloatParam(spec.Params, "min_weight", optimization.DefaultMinWeight),
		linkage:      optimization.Linkage(rules.GetStringParam(spec.Params, "linkage", "")),
		lookback:     rules.GetIntParam(spec.Params, "lookback", 60),
		scoreScale:   rules.GetFloatParam(spec.Params, "score_scale", 1),
		gross:        rules.GetFloatParam(spec.Params, "gross", 1),
		shrink:       rules.GetBoolParam(spec.Params, "shrink", false),
		log:          zerolog.Nop(),
	}
	if err := rules.OneOf("optimizer", s.kind, OptimizerMeanVariance, OptimizerHRP); err != nil {
		return nil, err
	}
	if s.riskAversion < 0 {
		return nil, fmt.Errorf("%w: risk_aversion must be non-negative", rules.ErrInvalidParam)
	}
	if err := rules.InRange("max_weight", s.maxWeight, domain.Epsilon, 1); err != nil {
		return nil, err
	}
	if s.lookback < 2 {
		return nil, fmt.Errorf("%w: lookback must be at least 2", rules.ErrInvalidParam)
	}
	if err := rules.Positive("gross", s.gross); err != nil {
		return nil, err
	}
	if err := s.buildOptimizer(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *mvo) buildOptimizer() error {
	if s.kind == OptimizerHRP {
		hrp, err := optimization.NewHRPOptimizer(s.linkage)
		if err != nil {
			return fmt.Errorf("%w: %v", rules.ErrInvalidParam, err)
		}
		s.optimizer = hrp
		return nil
	}
	s.optimizer = s.meanVariance()
	return nil
}

func (s *mvo) meanVariance() *optimization.MVOptimizer {
	return optimization.NewMVOptimizer(s.riskAversion, s.log,
		optimization.WithMaxWeight(s.maxWeight),
		optimization.WithMinWeight(s.minWeight),
	)
}

func (s *mvo) Name() string { return "mvo" }

func (s *mvo) setLogger(log zerolog.Logger) {
	s.log = log
	if s.kind == OptimizerMeanVariance {
		s.optimizer = s.meanVariance()
	}
}

// Size returns empty weights when the optimizer finds no feasible portfolio.
func (s *mvo) Size(d *domain.Decision, h *data.History, snapshot domain.PortfolioSnapshot) (domain.TargetWeights, error) {
	var scored []string
	for _, sym := range domain.SortedKeys(d.Scores) {
		if d.Scores[sym] > 0 {
			scored = append(scored, sym)
		}
	}
	window := optimization.TrailingReturns(h, scored, s.lookback)
	if len(window.Symbols) == 0 {
		return domain.TargetWeights{}, nil
	}
	cov, err := window.Covariance()
	if err != nil {
		return domain.TargetWeights{}, nil
	}
	if s.shrink {
		if cov, err = optimization.ShrinkCovariance(cov); err != nil {
			return nil, fmt.Errorf("failed to shrink covariance: %w", err)
		}
	}

	expected := make(map[string]float64, len(window.Symbols))
	for _, sym := range window.Symbols {
		expected[sym] = d.Scores[sym] * s.scoreScale
	}
	weights, err := s.optimizer.Optimize(window.Symbols, expected, cov, currentWeights(h, snapshot))
	if err != nil {
		return nil, fmt.Errorf("optimizer failed: %w", err)
	}

	w := make(domain.TargetWeights, len(weights))
	for sym, v := range weights {
		if v > domain.Epsilon && !math.IsNaN(v) {
			w[sym] = v * s.gross
		}
	}
	s.log.Debug().Int("candidates", len(window.Symbols)).Int("weights", len(w)).Msg("Optimized weights")
	return w, nil
}

// currentWeights derives held weights from shares × close / equity.
func currentWeights(h *data.History, snapshot domain.PortfolioSnapshot) map[string]float64 {
	out := make(map[string]float64, len(snapshot.Positions))
	if snapshot.Equity <= 0 {
		return out
	}
	for sym, qty := range snapshot.Positions {
		if bar := h.Bar(sym); bar.HasClose() {
			out[sym] = qty * bar.Close / snapshot.Equity
		}
	}
	return out
}
