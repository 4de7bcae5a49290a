// Package signals loads the per-symbol signal row of a bar, either straight
// from the signal table, computed from prices, or both with fallback.
package signals

import (
	"fmt"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/pkg/formulas"
)

// Provider returns today's signal values for a symbol. A nil row means the
// symbol has no signals today.
type Provider interface {
	Name() string
	Row(h *data.History, symbol string) map[string]float64
}

// Providers is the closed registry of signal providers.
var Providers = rules.NewRegistry[Provider]("signal provider")

func init() {
	Providers.Register("passthrough", func(rules.Spec) (Provider, error) { return passthrough{}, nil })
	Providers.Register("computed", newComputed)
	Providers.Register("hybrid", newHybrid)
}

// New builds the provider named by spec; an empty spec means passthrough.
func New(spec rules.Spec) (Provider, error) {
	if spec.IsZero() {
		return passthrough{}, nil
	}
	return Providers.Build(spec)
}

type passthrough struct{}

func (passthrough) Name() string { return "passthrough" }

func (passthrough) Row(h *data.History, symbol string) map[string]float64 {
	return h.SignalRow(symbol)
}

// feature is one price-derived column.
type feature struct {
	name     string
	kind     string
	lookback int
}

func (f feature) compute(h *data.History, symbol string) (float64, bool) {
	closes := h.Closes(symbol, 0)
	var v *float64
	switch f.kind {
	case "momentum":
		v = formulas.CalculateMomentum(closes, f.lookback)
	case "sma_ratio":
		v = ratio(closes, formulas.CalculateSMA(closes, f.lookback))
	case "ema_ratio":
		if len(closes) >= f.lookback {
			v = ratio(closes, formulas.CalculateEMA(closes, f.lookback))
		}
	case "rsi":
		v = formulas.CalculateRSI(closes, f.lookback)
	case "volatility":
		v = formulas.RealizedVolatility(closes, f.lookback)
	case "return":
		v = formulas.CalculateMomentum(closes, 1)
	}
	if v == nil || !formulas.IsValid(*v) {
		return 0, false
	}
	return *v, true
}

// ratio returns last close / average - 1.
func ratio(closes []float64, avg *float64) *float64 {
	if avg == nil || *avg <= 0 || len(closes) == 0 {
		return nil
	}
	r := closes[len(closes)-1]/(*avg) - 1
	return &r
}

var featureKinds = []string{"momentum", "sma_ratio", "ema_ratio", "rsi", "volatility", "return"}

func parseFeatures(spec rules.Spec) ([]feature, error) {
	specs, err := rules.GetSpecListParam(spec.Params, "features")
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: features", rules.ErrMissingParam)
	}
	out := make([]feature, 0, len(specs))
	for _, fs := range specs {
		if err := rules.OneOf("feature type", fs.Type, featureKinds...); err != nil {
			return nil, err
		}
		lookback := rules.GetIntParam(fs.Params, "lookback", 20)
		if fs.Type == "return" {
			lookback = 1
		}
		if err := rules.Positive("lookback", float64(lookback)); err != nil {
			return nil, err
		}
		name := rules.GetStringParam(fs.Params, "name", "")
		if name == "" {
			name = fmt.Sprintf("%s_%d", fs.Type, lookback)
		}
		out = append(out, feature{name: name, kind: fs.Type, lookback: lookback})
	}
	return out, nil
}

type computed struct {
	features []feature
}

func newComputed(spec rules.Spec) (Provider, error) {
	features, err := parseFeatures(spec)
	if err != nil {
		return nil, err
	}
	return &computed{features: features}, nil
}

func (c *computed) Name() string { return "computed" }

func (c *computed) Row(h *data.History, symbol string) map[string]float64 {
	if !h.HasPriceRow(symbol) {
		return nil
	}
	row := make(map[string]float64, len(c.features))
	for _, f := range c.features {
		if v, ok := f.compute(h, symbol); ok {
			row[f.name] = v
		}
	}
	return row
}

// hybrid prefers table values and computes only the columns the table lacks.
type hybrid struct {
	computed *computed
}

func newHybrid(spec rules.Spec) (Provider, error) {
	features, err := parseFeatures(spec)
	if err != nil {
		return nil, err
	}
	return &hybrid{computed: &computed{features: features}}, nil
}

func (p *hybrid) Name() string { return "hybrid" }

func (p *hybrid) Row(h *data.History, symbol string) map[string]float64 {
	row := h.SignalRow(symbol)
	if row == nil && !h.HasPriceRow(symbol) {
		return nil
	}
	if row == nil {
		row = make(map[string]float64)
	}
	for _, f := range p.computed.features {
		if _, ok := row[f.name]; ok {
			continue
		}
		if v, ok := f.compute(h, symbol); ok {
			row[f.name] = v
		}
	}
	return row
}
