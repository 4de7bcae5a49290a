package sizing

import (
	"fmt"
	"math"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/rules"
)

// Weighting schemes of the long/short sizer.
const (
	WeightingEqual      = "equal"
	WeightingScorePower = "score_power"
)

// longShort sizes independent long and short books with budgets
// (gross+net)/2 and (gross−net)/2.
type longShort struct {
	gross, net float64
	nLong      int
	nShort     int
	weighting  string
	power      float64
	keepRank   int
}

func newLongShort(spec rules.Spec) (Sizer, error) {
	s := &longShort{
		gross:     rules.GetFloatParam(spec.Params, "gross", 1),
		net:       rules.GetFloatParam(spec.Params, "net", 0),
		nLong:     rules.GetIntParam(spec.Params, "n_long", 0),
		nShort:    rules.GetIntParam(spec.Params, "n_short", 0),
		weighting: rules.GetStringParam(spec.Params, "weighting", WeightingEqual),
		power:     rules.GetFloatParam(spec.Params, "power", 1),
		keepRank:  rules.GetIntParam(spec.Params, "keep_rank", 0),
	}
	if err := rules.Positive("gross", s.gross); err != nil {
		return nil, err
	}
	if math.Abs(s.net) > s.gross {
		return nil, fmt.Errorf("%w: |net| %v exceeds gross %v", rules.ErrInvalidParam, s.net, s.gross)
	}
	if s.nLong < 0 || s.nShort < 0 || s.keepRank < 0 {
		return nil, fmt.Errorf("%w: n_long, n_short and keep_rank must be non-negative", rules.ErrInvalidParam)
	}
	if err := rules.OneOf("weighting", s.weighting, WeightingEqual, WeightingScorePower); err != nil {
		return nil, err
	}
	if err := rules.Positive("power", s.power); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *longShort) Name() string { return "long_short" }

func (s *longShort) Size(d *domain.Decision, _ *data.History, snapshot domain.PortfolioSnapshot) (domain.TargetWeights, error) {
	w := make(domain.TargetWeights)
	s.book(w, d.Scores, snapshot, domain.SideLong, s.nLong, (s.gross+s.net)/2)
	s.book(w, d.Scores, snapshot, domain.SideShort, s.nShort, (s.gross-s.net)/2)
	return w, nil
}

// book fills one side. Held names on that side whose rank is within keepRank
// are kept first, then the strongest remaining names fill up to n.
func (s *longShort) book(w domain.TargetWeights, scores map[string]float64, snapshot domain.PortfolioSnapshot, side domain.Side, n int, budget float64) {
	if budget <= domain.Epsilon {
		return
	}
	candidates := ranked(scores, side)
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}
	if n == 0 {
		return
	}

	chosen := make([]string, 0, n)
	picked := make(map[string]bool, n)
	if s.keepRank > 0 {
		for rank, sym := range candidates {
			if rank >= s.keepRank || len(chosen) >= n {
				break
			}
			if domain.SideOf(snapshot.Positions[sym]) == side && snapshot.Positions[sym] != 0 {
				chosen = append(chosen, sym)
				picked[sym] = true
			}
		}
	}
	for _, sym := range candidates {
		if len(chosen) >= n {
			break
		}
		if !picked[sym] {
			chosen = append(chosen, sym)
			picked[sym] = true
		}
	}

	raw := make(map[string]float64, len(chosen))
	total := 0.0
	for _, sym := range chosen {
		v := 1.0
		if s.weighting == WeightingScorePower {
			v = math.Pow(math.Abs(scores[sym]), s.power)
		}
		raw[sym] = v
		total += v
	}
	if total <= 0 {
		return
	}
	for sym, v := range raw {
		w[sym] = float64(side) * budget * v / total
	}
}
