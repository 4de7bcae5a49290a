// Package scoring turns per-symbol signal rows into raw scores. A score's
// sign is the desired side; symbols a model cannot score are left out.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/pkg/formulas"
)

// Rows maps symbol → today's signal row.
type Rows map[string]map[string]float64

// Model scores the eligible symbols of one bar.
type Model interface {
	Name() string
	Score(h *data.History, symbols []string, rows Rows) map[string]float64
}

// Models is the closed registry of scoring models.
var Models = rules.NewRegistry[Model]("scoring model")

func init() {
	Models.Register("column", newColumn)
	Models.Register("weighted_sum", newWeightedSum)
	Models.Register("max_of", newMaxOf)
	Models.Register("rank", newRank)
	Models.Register("breakout", newBreakout)
}

// New builds the model named by spec.
func New(spec rules.Spec) (Model, error) {
	return Models.Build(spec)
}

type column struct {
	column     string
	multiplier float64
}

func newColumn(spec rules.Spec) (Model, error) {
	col, err := rules.RequireString(spec.Params, "column")
	if err != nil {
		return nil, err
	}
	m := rules.GetFloatParam(spec.Params, "multiplier", 1)
	if rules.GetBoolParam(spec.Params, "ascending", false) {
		m = -m
	}
	return &column{column: col, multiplier: m}, nil
}

func (c *column) Name() string { return "column" }

func (c *column) Score(_ *data.History, symbols []string, rows Rows) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if v, ok := rows[sym][c.column]; ok && formulas.IsValid(v) {
			out[sym] = v * c.multiplier
		}
	}
	return out
}

type weightedSum struct {
	weights    map[string]float64
	columns    []string
	requireAll bool
}

func newWeightedSum(spec rules.Spec) (Model, error) {
	weights, err := rules.GetFloatMapParam(spec.Params, "weights")
	if err != nil {
		return nil, err
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: weights", rules.ErrMissingParam)
	}
	cols := make([]string, 0, len(weights))
	for c := range weights {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return &weightedSum{
		weights:    weights,
		columns:    cols,
		requireAll: rules.GetBoolParam(spec.Params, "require_all", false),
	}, nil
}

func (w *weightedSum) Name() string { return "weighted_sum" }

func (w *weightedSum) Score(_ *data.History, symbols []string, rows Rows) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		row := rows[sym]
		total, seen := 0.0, 0
		for _, col := range w.columns {
			v, ok := row[col]
			if !ok || !formulas.IsValid(v) {
				continue
			}
			total += w.weights[col] * v
			seen++
		}
		if seen == 0 || (w.requireAll && seen < len(w.columns)) {
			continue
		}
		out[sym] = total
	}
	return out
}

// maxOf keeps, per symbol, the sub-score of largest magnitude.
type maxOf struct {
	models []Model
}

func newMaxOf(spec rules.Spec) (Model, error) {
	specs, err := rules.GetSpecListParam(spec.Params, "models")
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: models", rules.ErrMissingParam)
	}
	models, err := Models.BuildAll(specs)
	if err != nil {
		return nil, err
	}
	return &maxOf{models: models}, nil
}

func (m *maxOf) Name() string { return "max_of" }

func (m *maxOf) Score(h *data.History, symbols []string, rows Rows) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, model := range m.models {
		for sym, v := range model.Score(h, symbols, rows) {
			if cur, ok := out[sym]; !ok || math.Abs(v) > math.Abs(cur) {
				out[sym] = v
			}
		}
	}
	return out
}

// rank replaces a base score by its percentile rank. Ties share their average
// rank. With centered the result lies in (-1, 1), otherwise in (0, 1].
type rank struct {
	base     Model
	centered bool
}

func newRank(spec rules.Spec) (Model, error) {
	baseSpec, err := rules.RequireSpec(spec.Params, "base")
	if err != nil {
		return nil, err
	}
	base, err := Models.Build(baseSpec)
	if err != nil {
		return nil, err
	}
	return &rank{base: base, centered: rules.GetBoolParam(spec.Params, "centered", false)}, nil
}

func (r *rank) Name() string { return "rank" }

func (r *rank) Score(h *data.History, symbols []string, rows Rows) map[string]float64 {
	return PercentileRanks(r.base.Score(h, symbols, rows), r.centered)
}

// PercentileRanks maps values to (rank+1)/n with ties averaged, or to
// 2·(rank+0.5)/n − 1 when centered.
func PercentileRanks(values map[string]float64, centered bool) map[string]float64 {
	n := len(values)
	out := make(map[string]float64, n)
	if n == 0 {
		return out
	}
	syms := make([]string, 0, n)
	for s := range values {
		syms = append(syms, s)
	}
	sort.Slice(syms, func(i, j int) bool {
		if values[syms[i]] == values[syms[j]] {
			return syms[i] < syms[j]
		}
		return values[syms[i]] < values[syms[j]]
	})
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[syms[j+1]] == values[syms[i]] {
			j++
		}
		avg := float64(i+j) / 2
		for k := i; k <= j; k++ {
			if centered {
				out[syms[k]] = 2*(avg+0.5)/float64(n) - 1
			} else {
				out[syms[k]] = (avg + 1) / float64(n)
			}
		}
		i = j + 1
	}
	return out
}

// breakout scores a close above the prior lookback-bar high positively and a
// close below the prior low negatively, by the relative distance.
type breakout struct {
	lookback int
}

func newBreakout(spec rules.Spec) (Model, error) {
	lookback := rules.GetIntParam(spec.Params, "lookback", 20)
	if err := rules.Positive("lookback", float64(lookback)); err != nil {
		return nil, err
	}
	return &breakout{lookback: lookback}, nil
}

func (b *breakout) Name() string { return "breakout" }

func (b *breakout) Score(h *data.History, symbols []string, _ Rows) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		bar := h.Bar(sym)
		if !bar.HasClose() {
			continue
		}
		highs := h.Window(sym, data.FieldHigh, b.lookback+1)
		lows := h.Window(sym, data.FieldLow, b.lookback+1)
		closes := h.Window(sym, data.FieldClose, b.lookback+1)
		if len(highs) < b.lookback+1 {
			continue
		}
		prevHigh := fillMissing(highs[:b.lookback], closes[:b.lookback])
		prevLow := fillMissing(lows[:b.lookback], closes[:b.lookback])
		hi := formulas.RollingMax(prevHigh, b.lookback)
		lo := formulas.RollingMin(prevLow, b.lookback)
		if hi == nil || lo == nil {
			continue
		}
		switch {
		case bar.Close > *hi:
			out[sym] = bar.Close / *hi - 1
		case bar.Close < *lo:
			out[sym] = bar.Close / *lo - 1
		default:
			out[sym] = 0
		}
	}
	return out
}

// fillMissing substitutes the close where a high or low is missing.
func fillMissing(values, closes []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			v = closes[i]
		}
		out[i] = v
	}
	return out
}
