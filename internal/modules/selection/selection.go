// Package selection picks rebalance candidates from raw scores. A score's
// sign is its side: long selections only ever take positive scores and short
// selections negative ones. Symbols scoring exactly zero are never selected.
// Selected scores are sign-adjusted: longs carry +|score| and shorts −|score|.
package selection

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/backtester/internal/modules/rules"
)

// Selector picks candidates from raw scores.
type Selector interface {
	Name() string
	Select(scores map[string]float64) map[string]float64
}

// Selectors is the closed registry of selectors.
var Selectors = rules.NewRegistry[Selector]("selector")

func init() {
	Selectors.Register("top_n", newTopN)
	Selectors.Register("top_n_long_short", newTopNLongShort)
	Selectors.Register("threshold", newThreshold)
	Selectors.Register("quantile", newQuantile)
}

// New builds the selector named by spec.
func New(spec rules.Spec) (Selector, error) {
	return Selectors.Build(spec)
}

type entry struct {
	symbol string
	score  float64
}

// ranked returns the non-zero scores, highest first, ties broken by symbol.
func ranked(scores map[string]float64) []entry {
	out := make([]entry, 0, len(scores))
	for sym, s := range scores {
		if s == 0 || math.IsNaN(s) {
			continue
		}
		out = append(out, entry{sym, s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].symbol < out[j].symbol
		}
		return out[i].score > out[j].score
	})
	return out
}

// longs returns the positive entries of r, highest first.
func longs(r []entry) []entry {
	var out []entry
	for _, e := range r {
		if e.score > 0 {
			out = append(out, e)
		}
	}
	return out
}

// shorts returns the negative entries of r, lowest first, ties broken by symbol.
func shorts(r []entry) []entry {
	var out []entry
	for _, e := range r {
		if e.score < 0 {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].symbol < out[j].symbol
		}
		return out[i].score < out[j].score
	})
	return out
}

func take(dst map[string]float64, entries []entry, n int, sign float64) {
	for i := 0; i < len(entries) && i < n; i++ {
		dst[entries[i].symbol] = sign * math.Abs(entries[i].score)
	}
}

func parseSide(spec rules.Spec, allowed ...string) (string, error) {
	side := rules.GetStringParam(spec.Params, "side", "long")
	return side, rules.OneOf("side", side, allowed...)
}

type topN struct {
	n    int
	side string
}

func newTopN(spec rules.Spec) (Selector, error) {
	n, err := rules.RequireInt(spec.Params, "n")
	if err != nil {
		return nil, err
	}
	if err := rules.Positive("n", float64(n)); err != nil {
		return nil, err
	}
	side, err := parseSide(spec, "long", "short")
	if err != nil {
		return nil, err
	}
	return &topN{n: n, side: side}, nil
}

func (s *topN) Name() string { return "top_n" }

func (s *topN) Select(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, s.n)
	r := ranked(scores)
	if s.side == "short" {
		take(out, shorts(r), s.n, -1)
	} else {
		take(out, longs(r), s.n, 1)
	}
	return out
}

type topNLongShort struct {
	nLong, nShort int
}

func newTopNLongShort(spec rules.Spec) (Selector, error) {
	n := rules.GetIntParam(spec.Params, "n", 0)
	s := &topNLongShort{
		nLong:  rules.GetIntParam(spec.Params, "n_long", n),
		nShort: rules.GetIntParam(spec.Params, "n_short", n),
	}
	if s.nLong < 0 || s.nShort < 0 || s.nLong+s.nShort == 0 {
		return nil, fmt.Errorf("%w: n_long/n_short (or n) must be positive", rules.ErrInvalidParam)
	}
	return s, nil
}

func (s *topNLongShort) Name() string { return "top_n_long_short" }

func (s *topNLongShort) Select(scores map[string]float64) map[string]float64 {
	r := ranked(scores)
	out := make(map[string]float64, s.nLong+s.nShort)
	take(out, longs(r), s.nLong, 1)
	take(out, shorts(r), s.nShort, -1)
	return out
}

type threshold struct {
	longAbove, shortBelow *float64
}

func newThreshold(spec rules.Spec) (Selector, error) {
	s := &threshold{}
	if _, ok := spec.Params["long_above"]; ok {
		v := rules.GetFloatParam(spec.Params, "long_above", 0)
		s.longAbove = &v
	}
	if _, ok := spec.Params["short_below"]; ok {
		v := rules.GetFloatParam(spec.Params, "short_below", 0)
		s.shortBelow = &v
	}
	if s.longAbove == nil && s.shortBelow == nil {
		return nil, fmt.Errorf("%w: long_above or short_below", rules.ErrMissingParam)
	}
	if s.longAbove != nil && s.shortBelow != nil && *s.shortBelow >= *s.longAbove {
		return nil, fmt.Errorf("%w: short_below must be below long_above", rules.ErrInvalidParam)
	}
	return s, nil
}

func (s *threshold) Name() string { return "threshold" }

func (s *threshold) Select(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for _, e := range ranked(scores) {
		switch {
		case s.longAbove != nil && e.score >= *s.longAbove:
			out[e.symbol] = math.Abs(e.score)
		case s.shortBelow != nil && e.score <= *s.shortBelow:
			out[e.symbol] = -math.Abs(e.score)
		}
	}
	return out
}

// quantile takes the top and/or bottom fraction of the ranked scores. The
// count k is a fraction of every non-zero score; each side then takes up to k
// symbols of its own sign, so a side can come back short or empty.
type quantile struct {
	q    float64
	side string
}

func newQuantile(spec rules.Spec) (Selector, error) {
	q := rules.GetFloatParam(spec.Params, "q", 0.2)
	if q <= 0 || q > 0.5 {
		return nil, fmt.Errorf("%w: q must be within (0, 0.5], got %v", rules.ErrInvalidParam, q)
	}
	side, err := parseSide(spec, "long", "short", "both")
	if err != nil {
		return nil, err
	}
	return &quantile{q: q, side: side}, nil
}

func (s *quantile) Name() string { return "quantile" }

func (s *quantile) Select(scores map[string]float64) map[string]float64 {
	r := ranked(scores)
	if len(r) == 0 {
		return map[string]float64{}
	}
	k := int(math.Floor(s.q * float64(len(r))))
	if k < 1 {
		k = 1
	}
	out := make(map[string]float64, 2*k)
	if s.side == "long" || s.side == "both" {
		take(out, longs(r), k, 1)
	}
	if s.side == "short" || s.side == "both" {
		take(out, shorts(r), k, -1)
	}
	return out
}
