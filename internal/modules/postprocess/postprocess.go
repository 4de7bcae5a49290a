// Package postprocess transforms merged scores before sizing.
//
// Normalizers work on score magnitudes and put the sign back afterwards, so a
// step never moves a symbol from the long book to the short book.
package postprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/internal/modules/scoring"
)

// Context carries what a step may need besides the scores.
type Context struct {
	// Previous returns the last emitted score of a symbol.
	Previous func(sym string) (float64, bool)
}

// Step is one postprocess transformation over scores and scales.
type Step interface {
	Name() string
	Apply(ctx Context, scores, scales map[string]float64) (map[string]float64, map[string]float64)
}

// Steps is the closed registry of postprocess steps.
var Steps = rules.NewRegistry[Step]("postprocess step")

func init() {
	Steps.Register("clamp", newClamp)
	Steps.Register("zscore", newZScore)
	Steps.Register("minmax", newMinMax)
	Steps.Register("rank_percentile", newRankPercentile)
	Steps.Register("smoothing", newSmoothing)
}

// Chain applies steps in order.
type Chain []Step

// NewChain builds a chain from specs.
func NewChain(specs []rules.Spec) (Chain, error) {
	steps, err := Steps.BuildAll(specs)
	if err != nil {
		return nil, err
	}
	return Chain(steps), nil
}

// Apply runs every step. NaN scores are dropped first.
func (c Chain) Apply(ctx Context, scores, scales map[string]float64) (map[string]float64, map[string]float64) {
	outScores := make(map[string]float64, len(scores))
	for sym, s := range scores {
		if !math.IsNaN(s) {
			outScores[sym] = s
		}
	}
	outScales := make(map[string]float64, len(scales))
	for sym, s := range scales {
		outScales[sym] = s
	}
	for _, step := range c {
		outScores, outScales = step.Apply(ctx, outScores, outScales)
	}
	return outScores, outScales
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func magnitudes(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for sym, s := range scores {
		out[sym] = math.Abs(s)
	}
	return out
}

type clamp struct {
	min, max float64
	target   string
}

func newClamp(spec rules.Spec) (Step, error) {
	lo := rules.GetFloatParam(spec.Params, "min", math.Inf(-1))
	hi := rules.GetFloatParam(spec.Params, "max", math.Inf(1))
	if lo > hi {
		return nil, fmt.Errorf("%w: min %v exceeds max %v", rules.ErrInvalidParam, lo, hi)
	}
	target := rules.GetStringParam(spec.Params, "target", "scores")
	if err := rules.OneOf("target", target, "scores", "scales"); err != nil {
		return nil, err
	}
	return &clamp{min: lo, max: hi, target: target}, nil
}

func (s *clamp) Name() string { return "clamp" }

func (s *clamp) Apply(_ Context, scores, scales map[string]float64) (map[string]float64, map[string]float64) {
	values := scores
	if s.target == "scales" {
		values = scales
	}
	for sym, v := range values {
		values[sym] = math.Max(s.min, math.Min(s.max, v))
	}
	return scores, scales
}

// zscore standardizes magnitudes and maps them through the standard normal
// CDF into (0, 1).
type zscore struct{}

func newZScore(rules.Spec) (Step, error) { return zscore{}, nil }

func (zscore) Name() string { return "zscore" }

func (zscore) Apply(_ Context, scores, scales map[string]float64) (map[string]float64, map[string]float64) {
	if len(scores) == 0 {
		return scores, scales
	}
	mags := magnitudes(scores)
	values := make([]float64, 0, len(mags))
	for _, m := range mags {
		values = append(values, m)
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	out := make(map[string]float64, len(scores))
	for sym, s := range scores {
		z := 0.0
		if std > 0 {
			z = (mags[sym] - mean) / std
		}
		out[sym] = sign(s) * distuv.UnitNormal.CDF(z)
	}
	return out, scales
}

// minmax rescales magnitudes linearly into [floor, 1].
type minmax struct {
	floor float64
}

func newMinMax(spec rules.Spec) (Step, error) {
	floor := rules.GetFloatParam(spec.Params, "floor", 0.1)
	if err := rules.InRange("floor", floor, 0, 1); err != nil {
		return nil, err
	}
	return &minmax{floor: floor}, nil
}

func (s *minmax) Name() string { return "minmax" }

func (s *minmax) Apply(_ Context, scores, scales map[string]float64) (map[string]float64, map[string]float64) {
	if len(scores) == 0 {
		return scores, scales
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range scores {
		m := math.Abs(v)
		lo, hi = math.Min(lo, m), math.Max(hi, m)
	}
	out := make(map[string]float64, len(scores))
	for sym, v := range scores {
		m := 1.0
		if hi > lo {
			m = s.floor + (1-s.floor)*(math.Abs(v)-lo)/(hi-lo)
		}
		out[sym] = sign(v) * m
	}
	return out, scales
}

// rankPercentile replaces magnitudes by their percentile rank in (0, 1].
type rankPercentile struct{}

func newRankPercentile(rules.Spec) (Step, error) { return rankPercentile{}, nil }

func (rankPercentile) Name() string { return "rank_percentile" }

func (rankPercentile) Apply(_ Context, scores, scales map[string]float64) (map[string]float64, map[string]float64) {
	ranks := scoring.PercentileRanks(magnitudes(scores), false)
	out := make(map[string]float64, len(scores))
	for sym, v := range scores {
		out[sym] = sign(v) * ranks[sym]
	}
	return out, scales
}

// smoothing pulls each score toward its previous value:
// s' = alpha × s + (1 − alpha) × prev. A side change takes the new score.
type smoothing struct {
	alpha float64
}

func newSmoothing(spec rules.Spec) (Step, error) {
	alpha := rules.GetFloatParam(spec.Params, "alpha", 0.5)
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: alpha must be within (0, 1], got %v", rules.ErrInvalidParam, alpha)
	}
	return &smoothing{alpha: alpha}, nil
}

func (s *smoothing) Name() string { return "smoothing" }

func (s *smoothing) Apply(ctx Context, scores, scales map[string]float64) (map[string]float64, map[string]float64) {
	if ctx.Previous == nil {
		return scores, scales
	}
	out := make(map[string]float64, len(scores))
	for sym, v := range scores {
		prev, ok := ctx.Previous(sym)
		if !ok || math.IsNaN(prev) || prev == 0 || sign(prev) != sign(v) {
			out[sym] = v
			continue
		}
		out[sym] = s.alpha*v + (1-s.alpha)*prev
	}
	return out, scales
}
