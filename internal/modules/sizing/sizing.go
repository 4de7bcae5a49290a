// Package sizing converts strategy decisions into target portfolio weights.
package sizing

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/rules"
)

// Sizer converts a decision's scores into target weights.
type Sizer interface {
	Name() string
	Size(d *domain.Decision, h *data.History, snapshot domain.PortfolioSnapshot) (domain.TargetWeights, error)
}

// Sizers is the closed registry of sizers.
var Sizers = rules.NewRegistry[Sizer]("sizer")

func init() {
	Sizers.Register("equal_weight", newEqualWeight)
	Sizers.Register("long_short", newLongShort)
	Sizers.Register("kelly", newKelly)
	Sizers.Register("mvo", newMVO)
}

type loggerAware interface {
	setLogger(zerolog.Logger)
}

// New builds the sizer named by spec; an empty spec means equal_weight.
func New(spec rules.Spec, log zerolog.Logger) (Sizer, error) {
	if spec.IsZero() {
		spec = rules.NewSpec("equal_weight")
	}
	s, err := Sizers.Build(spec)
	if err != nil {
		return nil, err
	}
	if la, ok := s.(loggerAware); ok {
		la.setLogger(log.With().Str("component", "sizer").Str("sizer", s.Name()).Logger())
	}
	return s, nil
}

// Apply sizes d and multiplies each weight by the decision's scale. A
// presized decision is returned as is.
func Apply(s Sizer, d *domain.Decision, h *data.History, snapshot domain.PortfolioSnapshot) (domain.TargetWeights, error) {
	if d.Presized() {
		return d.Weights.Clone(), nil
	}
	w, err := s.Size(d, h, snapshot)
	if err != nil {
		return nil, err
	}
	for sym, scale := range d.Scales {
		if _, ok := w[sym]; ok {
			w[sym] *= scale
		}
	}
	for sym, v := range w {
		if math.Abs(v) <= domain.Epsilon || math.IsNaN(v) {
			delete(w, sym)
		}
	}
	return w, nil
}

// ranked returns the symbols whose score has the given sign, strongest first,
// ties broken by symbol.
func ranked(scores map[string]float64, side domain.Side) []string {
	var out []string
	for sym, s := range scores {
		if math.IsNaN(s) || domain.SideOf(s) != side || s == 0 {
			continue
		}
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := math.Abs(scores[out[i]]), math.Abs(scores[out[j]])
		if a == b {
			return out[i] < out[j]
		}
		return a > b
	})
	return out
}

type equalWeight struct {
	gross float64
	topK  int
}

func newEqualWeight(spec rules.Spec) (Sizer, error) {
	gross := rules.GetFloatParam(spec.Params, "gross", 1)
	if err := rules.Positive("gross", gross); err != nil {
		return nil, err
	}
	topK := rules.GetIntParam(spec.Params, "top_k", 0)
	if topK < 0 {
		return nil, rules.Positive("top_k", float64(topK))
	}
	return &equalWeight{gross: gross, topK: topK}, nil
}

func (s *equalWeight) Name() string { return "equal_weight" }

// Size gives each of the top-K positive scores gross/K.
func (s *equalWeight) Size(d *domain.Decision, _ *data.History, _ domain.PortfolioSnapshot) (domain.TargetWeights, error) {
	longs := ranked(d.Scores, domain.SideLong)
	if s.topK > 0 && len(longs) > s.topK {
		longs = longs[:s.topK]
	}
	w := make(domain.TargetWeights, len(longs))
	for _, sym := range longs {
		w[sym] = s.gross / float64(len(longs))
	}
	return w, nil
}
