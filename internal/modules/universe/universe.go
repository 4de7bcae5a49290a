// Package universe builds the eligible-symbol set of a bar: a source
// intersected with a chain of filters.
package universe

import (
	"fmt"
	"math"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/pkg/formulas"
)

// Source names.
const (
	SourcePrices  = "prices"
	SourceSignals = "signals"
	SourceBoth    = "both"
)

// Config describes a universe.
type Config struct {
	Source  string       `yaml:"source" json:"source"`
	Filters []rules.Spec `yaml:"filters" json:"filters"`
}

// Filter narrows a candidate list. Filters keep the input order.
type Filter interface {
	Name() string
	Apply(h *data.History, symbols []string) []string
}

// Universe is a built source plus filter chain.
type Universe struct {
	source  string
	filters []Filter
}

// Filters is the closed registry of universe filters.
var Filters = rules.NewRegistry[Filter]("universe filter")

func init() {
	Filters.Register("whitelist", newListFilter(true))
	Filters.Register("blacklist", newListFilter(false))
	Filters.Register("min_price", newMinPrice)
	Filters.Register("min_avg_dollar_volume", newAvgVolume(true))
	Filters.Register("min_avg_volume", newAvgVolume(false))
	Filters.Register("require_signals", newRequireSignals)
	Filters.Register("no_missing_prices", newNoMissingPrices)
	Filters.Register("max_volatility", newMaxVolatility)
}

// New builds a universe. An empty source defaults to prices.
func New(cfg Config) (*Universe, error) {
	source := cfg.Source
	if source == "" {
		source = SourcePrices
	}
	if err := rules.OneOf("source", source, SourcePrices, SourceSignals, SourceBoth); err != nil {
		return nil, fmt.Errorf("universe: %w", err)
	}
	filters, err := Filters.BuildAll(cfg.Filters)
	if err != nil {
		return nil, err
	}
	return &Universe{source: source, filters: filters}, nil
}

// Source returns the configured source.
func (u *Universe) Source() string { return u.source }

// Eligible returns today's eligible symbols in lexicographic order. Symbols
// for which blocked returns true are removed before filtering.
func (u *Universe) Eligible(h *data.History, blocked func(string) bool) []string {
	var symbols []string
	for _, sym := range h.Symbols() {
		if blocked != nil && blocked(sym) {
			continue
		}
		hasPrice := h.HasPriceRow(sym)
		hasSignal := h.HasSignalRow(sym)
		switch u.source {
		case SourceSignals:
			if !hasSignal {
				continue
			}
		case SourceBoth:
			if !hasPrice || !hasSignal {
				continue
			}
		default:
			if !hasPrice {
				continue
			}
		}
		symbols = append(symbols, sym)
	}
	for _, f := range u.filters {
		symbols = f.Apply(h, symbols)
		if len(symbols) == 0 {
			break
		}
	}
	return symbols
}

type predicateFilter struct {
	name string
	keep func(h *data.History, sym string) bool
}

func (f predicateFilter) Name() string { return f.name }

func (f predicateFilter) Apply(h *data.History, symbols []string) []string {
	out := symbols[:0:0]
	for _, sym := range symbols {
		if f.keep(h, sym) {
			out = append(out, sym)
		}
	}
	return out
}

func newListFilter(allow bool) rules.Factory[Filter] {
	return func(spec rules.Spec) (Filter, error) {
		list := rules.GetStringSliceParam(spec.Params, "symbols")
		if allow && len(list) == 0 {
			return nil, fmt.Errorf("%w: symbols", rules.ErrMissingParam)
		}
		set := make(map[string]bool, len(list))
		for _, s := range list {
			set[s] = true
		}
		return predicateFilter{name: spec.Type, keep: func(_ *data.History, sym string) bool {
			return set[sym] == allow
		}}, nil
	}
}

func newMinPrice(spec rules.Spec) (Filter, error) {
	min, err := rules.RequireFloat(spec.Params, "min")
	if err != nil {
		return nil, err
	}
	return predicateFilter{name: spec.Type, keep: func(h *data.History, sym string) bool {
		bar := h.Bar(sym)
		return bar.HasClose() && bar.Close >= min
	}}, nil
}

func newAvgVolume(dollar bool) rules.Factory[Filter] {
	return func(spec rules.Spec) (Filter, error) {
		min, err := rules.RequireFloat(spec.Params, "min")
		if err != nil {
			return nil, err
		}
		lookback := rules.GetIntParam(spec.Params, "lookback", 20)
		if err := rules.Positive("lookback", float64(lookback)); err != nil {
			return nil, err
		}
		return predicateFilter{name: spec.Type, keep: func(h *data.History, sym string) bool {
			volumes := h.Window(sym, data.FieldVolume, lookback)
			closes := h.Window(sym, data.FieldClose, lookback)
			var values []float64
			for i, v := range volumes {
				if math.IsNaN(v) {
					continue
				}
				if dollar {
					if math.IsNaN(closes[i]) {
						continue
					}
					v *= closes[i]
				}
				values = append(values, v)
			}
			if len(values) == 0 {
				return false
			}
			return formulas.Mean(values) >= min
		}}, nil
	}
}

func newRequireSignals(spec rules.Spec) (Filter, error) {
	columns := rules.GetStringSliceParam(spec.Params, "columns")
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: columns", rules.ErrMissingParam)
	}
	return predicateFilter{name: spec.Type, keep: func(h *data.History, sym string) bool {
		for _, col := range columns {
			if _, ok := h.Signal(sym, col); !ok {
				return false
			}
		}
		return true
	}}, nil
}

func newNoMissingPrices(spec rules.Spec) (Filter, error) {
	lookback := rules.GetIntParam(spec.Params, "lookback", 20)
	if err := rules.Positive("lookback", float64(lookback)); err != nil {
		return nil, err
	}
	// Until lookback bars exist the window is incomplete and nothing passes.
	return predicateFilter{name: spec.Type, keep: func(h *data.History, sym string) bool {
		window := h.Window(sym, data.FieldClose, lookback)
		if len(window) < lookback {
			return false
		}
		for _, v := range window {
			if math.IsNaN(v) || v <= 0 {
				return false
			}
		}
		return true
	}}, nil
}

func newMaxVolatility(spec rules.Spec) (Filter, error) {
	max, err := rules.RequireFloat(spec.Params, "max")
	if err != nil {
		return nil, err
	}
	lookback := rules.GetIntParam(spec.Params, "lookback", 20)
	if lookback < 2 {
		return nil, fmt.Errorf("%w: lookback must be at least 2", rules.ErrInvalidParam)
	}
	return predicateFilter{name: spec.Type, keep: func(h *data.History, sym string) bool {
		vol := formulas.RealizedVolatility(h.Closes(sym, lookback+1), lookback)
		return vol != nil && *vol <= max
	}}, nil
}
