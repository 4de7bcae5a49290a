// Package domain provides core domain models and types shared by the simulation core.
package domain

import (
	"math"
	"sort"
	"time"
)

// Epsilon is the share magnitude at or below which a position counts as flat.
const Epsilon = 1e-9

// Bar is one day of prices for a symbol. Missing fields hold NaN.
type Bar struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// MissingBar returns a bar with every field missing.
func MissingBar() Bar {
	nan := math.NaN()
	return Bar{Open: nan, High: nan, Low: nan, Close: nan, Volume: nan}
}

// HasOpen reports whether the bar carries a tradable (positive) open price.
func (b Bar) HasOpen() bool { return validPositive(b.Open) }

// HasClose reports whether the bar carries a positive close price.
func (b Bar) HasClose() bool { return validPositive(b.Close) }

// HasHigh reports whether the bar carries a positive high price.
func (b Bar) HasHigh() bool { return validPositive(b.High) }

// HasLow reports whether the bar carries a positive low price.
func (b Bar) HasLow() bool { return validPositive(b.Low) }

// HasVolume reports whether the bar carries a known, non-negative volume.
func (b Bar) HasVolume() bool {
	return !math.IsNaN(b.Volume) && !math.IsInf(b.Volume, 0) && b.Volume >= 0
}

func validPositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// MarketSnapshot is the market state of one trading date.
type MarketSnapshot struct {
	Date     time.Time
	BarIndex int
	Bars     map[string]Bar
}

// Bar returns the bar for symbol, or a missing bar.
func (s MarketSnapshot) Bar(symbol string) Bar {
	if b, ok := s.Bars[symbol]; ok {
		return b
	}
	return MissingBar()
}

// OpenPrices returns symbol→open for every symbol with a valid open.
func (s MarketSnapshot) OpenPrices() map[string]float64 {
	out := make(map[string]float64, len(s.Bars))
	for sym, b := range s.Bars {
		if b.HasOpen() {
			out[sym] = b.Open
		}
	}
	return out
}

// ClosePrices returns symbol→close for every symbol with a valid close.
func (s MarketSnapshot) ClosePrices() map[string]float64 {
	out := make(map[string]float64, len(s.Bars))
	for sym, b := range s.Bars {
		if b.HasClose() {
			out[sym] = b.Close
		}
	}
	return out
}

// Side is the direction of a position: +1 long, -1 short, 0 flat.
type Side int

const (
	SideFlat  Side = 0
	SideLong  Side = 1
	SideShort Side = -1
)

// SideOf returns the side implied by a signed quantity or score.
func SideOf(v float64) Side {
	switch {
	case v > Epsilon:
		return SideLong
	case v < -Epsilon:
		return SideShort
	default:
		return SideFlat
	}
}

// String returns the side as "long", "short" or "flat".
func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// PositionState is the per-symbol entry metadata of a held position plus the
// strategy-owned fields (score, target scale, flags, cooldown) layered on top.
type PositionState struct {
	Symbol        string          `json:"symbol"`
	Shares        float64         `json:"shares"`
	Side          Side            `json:"side"`
	EntryDate     time.Time       `json:"entry_date"`
	EntryPrice    float64         `json:"entry_price"`
	EntryBarIndex int             `json:"entry_bar_index"`
	LastFillDate  time.Time       `json:"last_fill_date"`
	HighWatermark float64         `json:"high_watermark"`
	LowWatermark  float64         `json:"low_watermark"`
	Score         float64         `json:"score"`
	TargetScale   float64         `json:"target_scale"`
	Flags         map[string]bool `json:"flags,omitempty"`
	CooldownUntil *int            `json:"cooldown_until,omitempty"`
	DroppedSince  *int            `json:"dropped_since,omitempty"`
}

// BarsHeld returns the number of bars elapsed since entry.
func (p PositionState) BarsHeld(barIndex int) int {
	return barIndex - p.EntryBarIndex
}

// PortfolioSnapshot is the read-only view of a portfolio handed to strategies.
type PortfolioSnapshot struct {
	AsOf           time.Time
	BarIndex       int
	Cash           float64
	Equity         float64
	Positions      map[string]float64
	PositionStates map[string]PositionState
}

// Held returns the held symbols in lexicographic order.
func (p PortfolioSnapshot) Held() []string {
	return SortedKeys(p.Positions)
}

// TargetWeights maps symbol → signed fraction of equity.
type TargetWeights map[string]float64

// Clone returns a copy of the weights.
func (w TargetWeights) Clone() TargetWeights {
	out := make(TargetWeights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Gross returns Σ|w|.
func (w TargetWeights) Gross() float64 {
	total := 0.0
	for _, v := range w {
		total += math.Abs(v)
	}
	return total
}

// Net returns Σw.
func (w TargetWeights) Net() float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

// Decision is a strategy's output for one bar.
// Scores carry the desired side in their sign; Scales shrink sized weights.
// A non-nil Weights means the strategy sized itself and the engine skips the sizer.
type Decision struct {
	Scores  map[string]float64
	Scales  map[string]float64
	Weights TargetWeights
}

// Presized reports whether the decision already carries target weights.
func (d *Decision) Presized() bool {
	return d != nil && d.Weights != nil
}

// TradeFill is one simulated execution.
type TradeFill struct {
	Date         time.Time `json:"date"`
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	Notional     float64   `json:"notional"`
	Commission   float64   `json:"commission"`
	SlippageCost float64   `json:"slippage_cost"`
	CashAfter    float64   `json:"cash_after"`
}

// Side returns "buy" or "sell".
func (f TradeFill) Side() string {
	if f.Quantity >= 0 {
		return "buy"
	}
	return "sell"
}

// Reject reason tags.
const (
	RejectMissingPrice     = "missing_price"
	RejectRoundsToZero     = "rounds_to_zero"
	RejectParticipationCap = "participation_cap"
	RejectMinShares        = "min_shares"
	RejectMinNotional      = "min_notional"
)

// ExecutionReject records an order that was not (fully) executed.
type ExecutionReject struct {
	Date              time.Time `json:"date"`
	Symbol            string    `json:"symbol"`
	Reason            string    `json:"reason"`
	Detail            string    `json:"detail"`
	RequestedQuantity float64   `json:"requested_quantity"`
	ExecutedQuantity  float64   `json:"executed_quantity"`
	RequestedNotional float64   `json:"requested_notional"`
	ExecutedNotional  float64   `json:"executed_notional"`
}

// ExecutionCosts sums the costs of one execution pass.
type ExecutionCosts struct {
	Commission float64 `json:"commission"`
	Slippage   float64 `json:"slippage"`
	Turnover   float64 `json:"turnover"` // Σ|notional|
}

// ConstraintHit is an audit record of one constraint adjustment.
type ConstraintHit struct {
	Date       time.Time `json:"date"`
	Constraint string    `json:"constraint"`
	Symbol     string    `json:"symbol,omitempty"`
	Before     float64   `json:"before"`
	After      float64   `json:"after"`
	Details    string    `json:"details,omitempty"`
}

// DailyMetrics is the per-day telemetry record.
type DailyMetrics struct {
	Date             time.Time `json:"date"`
	BarIndex         int       `json:"bar_index"`
	Cash             float64   `json:"cash"`
	Equity           float64   `json:"equity"`
	LongExposure     float64   `json:"long_exposure"`
	ShortExposure    float64   `json:"short_exposure"`
	GrossExposure    float64   `json:"gross_exposure"`
	NetExposure      float64   `json:"net_exposure"`
	DailyReturn      float64   `json:"daily_return"`
	CumulativeReturn float64   `json:"cumulative_return"`
	Peak             float64   `json:"peak"`
	Drawdown         float64   `json:"drawdown"`
	Turnover         float64   `json:"turnover"`
	Commission       float64   `json:"commission"`
	Slippage         float64   `json:"slippage"`
	Trades           int       `json:"trades"`
	Rejects          int       `json:"rejects"`
}

// PositionRow is one line of the daily positions snapshot.
type PositionRow struct {
	Date        time.Time `json:"date" msgpack:"-"`
	Symbol      string    `json:"symbol" msgpack:"s"`
	Shares      float64   `json:"shares" msgpack:"q"`
	Price       float64   `json:"price" msgpack:"p"`
	MarketValue float64   `json:"market_value" msgpack:"v"`
	Weight      float64   `json:"weight" msgpack:"w"`
}

// SortedKeys returns the keys of m in lexicographic order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
