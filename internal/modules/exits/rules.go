// Package exits evaluates risk-based exit rules over held positions and
// resolves conflicting outcomes with a precedence mode.
package exits

import (
	"fmt"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/pkg/formulas"
)

// Action is the result of one rule for one symbol: a full exit, or a scale in
// [0, 1) that shrinks the position.
type Action struct {
	Rule   string
	Exit   bool
	Scale  float64
	Reason string
	// Flag is set on the position once a scale action is applied.
	Flag string
}

// Rule inspects one held position.
type Rule interface {
	Name() string
	Evaluate(h *data.History, st domain.PositionState) *Action
}

// Rules is the closed registry of exit rules.
var Rules = rules.NewRegistry[Rule]("exit rule")

func init() {
	Rules.Register("stop_loss", newStopLoss)
	Rules.Register("take_profit", newTakeProfit)
	Rules.Register("trailing_stop", newTrailingStop)
	Rules.Register("trailing_ma", newTrailingMA)
	Rules.Register("time_stop", newTimeStop)
	Rules.Register("partial_exit", newPartialExit)
}

func requirePct(spec rules.Spec) (float64, error) {
	pct, err := rules.RequireFloat(spec.Params, "pct")
	if err != nil {
		return 0, err
	}
	if err := rules.InRange("pct", pct, 0, 10); err != nil || pct == 0 {
		return 0, fmt.Errorf("%w: pct must be positive", rules.ErrInvalidParam)
	}
	return pct, nil
}

// adverse returns the bar price that moves against the position: the low for
// longs and the high for shorts when intraday is set, the close otherwise.
func adverse(bar domain.Bar, side domain.Side, intraday bool) (float64, bool) {
	if intraday {
		if side == domain.SideLong && bar.HasLow() {
			return bar.Low, true
		}
		if side == domain.SideShort && bar.HasHigh() {
			return bar.High, true
		}
	}
	return bar.Close, bar.HasClose()
}

// favorable is the mirror image of adverse.
func favorable(bar domain.Bar, side domain.Side, intraday bool) (float64, bool) {
	if side == domain.SideLong {
		return adverse(bar, domain.SideShort, intraday)
	}
	return adverse(bar, domain.SideLong, intraday)
}

type stopLoss struct {
	pct      float64
	intraday bool
}

func newStopLoss(spec rules.Spec) (Rule, error) {
	pct, err := requirePct(spec)
	if err != nil {
		return nil, err
	}
	return &stopLoss{pct: pct, intraday: rules.GetBoolParam(spec.Params, "use_intraday", true)}, nil
}

func (r *stopLoss) Name() string { return "stop_loss" }

func (r *stopLoss) Evaluate(h *data.History, st domain.PositionState) *Action {
	if st.EntryPrice <= 0 {
		return nil
	}
	price, ok := adverse(h.Bar(st.Symbol), st.Side, r.intraday)
	if !ok {
		return nil
	}
	if (st.Side == domain.SideLong && price <= st.EntryPrice*(1-r.pct)) ||
		(st.Side == domain.SideShort && price >= st.EntryPrice*(1+r.pct)) {
		return &Action{Rule: r.Name(), Exit: true, Reason: fmt.Sprintf("stop loss %.2f%% hit at %.4f (entry %.4f)", r.pct*100, price, st.EntryPrice)}
	}
	return nil
}

type takeProfit struct {
	pct      float64
	intraday bool
}

func newTakeProfit(spec rules.Spec) (Rule, error) {
	pct, err := requirePct(spec)
	if err != nil {
		return nil, err
	}
	return &takeProfit{pct: pct, intraday: rules.GetBoolParam(spec.Params, "use_intraday", true)}, nil
}

func (r *takeProfit) Name() string { return "take_profit" }

func (r *takeProfit) Evaluate(h *data.History, st domain.PositionState) *Action {
	if st.EntryPrice <= 0 {
		return nil
	}
	price, ok := favorable(h.Bar(st.Symbol), st.Side, r.intraday)
	if !ok {
		return nil
	}
	if (st.Side == domain.SideLong && price >= st.EntryPrice*(1+r.pct)) ||
		(st.Side == domain.SideShort && price <= st.EntryPrice*(1-r.pct)) {
		return &Action{Rule: r.Name(), Exit: true, Reason: fmt.Sprintf("take profit %.2f%% hit at %.4f (entry %.4f)", r.pct*100, price, st.EntryPrice)}
	}
	return nil
}

// trailingStop exits when price retraces pct from the position's watermark.
type trailingStop struct {
	pct      float64
	intraday bool
}

func newTrailingStop(spec rules.Spec) (Rule, error) {
	pct, err := requirePct(spec)
	if err != nil {
		return nil, err
	}
	return &trailingStop{pct: pct, intraday: rules.GetBoolParam(spec.Params, "use_intraday", true)}, nil
}

func (r *trailingStop) Name() string { return "trailing_stop" }

func (r *trailingStop) Evaluate(h *data.History, st domain.PositionState) *Action {
	price, ok := adverse(h.Bar(st.Symbol), st.Side, r.intraday)
	if !ok {
		return nil
	}
	switch {
	case st.Side == domain.SideLong && st.HighWatermark > 0 && price <= st.HighWatermark*(1-r.pct):
		return &Action{Rule: r.Name(), Exit: true, Reason: fmt.Sprintf("trailing stop: %.4f below watermark %.4f", price, st.HighWatermark)}
	case st.Side == domain.SideShort && st.LowWatermark > 0 && price >= st.LowWatermark*(1+r.pct):
		return &Action{Rule: r.Name(), Exit: true, Reason: fmt.Sprintf("trailing stop: %.4f above watermark %.4f", price, st.LowWatermark)}
	}
	return nil
}

// trailingMA exits when the close crosses its moving average against the position.
type trailingMA struct {
	window int
}

func newTrailingMA(spec rules.Spec) (Rule, error) {
	window := rules.GetIntParam(spec.Params, "window", 20)
	if err := rules.Positive("window", float64(window)); err != nil {
		return nil, err
	}
	return &trailingMA{window: window}, nil
}

func (r *trailingMA) Name() string { return "trailing_ma" }

func (r *trailingMA) Evaluate(h *data.History, st domain.PositionState) *Action {
	bar := h.Bar(st.Symbol)
	if !bar.HasClose() {
		return nil
	}
	ma := formulas.CalculateSMA(h.Closes(st.Symbol, r.window), r.window)
	if ma == nil {
		return nil
	}
	if (st.Side == domain.SideLong && bar.Close < *ma) || (st.Side == domain.SideShort && bar.Close > *ma) {
		return &Action{Rule: r.Name(), Exit: true, Reason: fmt.Sprintf("close %.4f crossed %d-bar average %.4f", bar.Close, r.window, *ma)}
	}
	return nil
}

type timeStop struct {
	bars int
}

func newTimeStop(spec rules.Spec) (Rule, error) {
	bars, err := rules.RequireInt(spec.Params, "bars")
	if err != nil {
		return nil, err
	}
	if err := rules.Positive("bars", float64(bars)); err != nil {
		return nil, err
	}
	return &timeStop{bars: bars}, nil
}

func (r *timeStop) Name() string { return "time_stop" }

func (r *timeStop) Evaluate(h *data.History, st domain.PositionState) *Action {
	if held := st.BarsHeld(h.Index()); held >= r.bars {
		return &Action{Rule: r.Name(), Exit: true, Reason: fmt.Sprintf("held %d bars (limit %d)", held, r.bars)}
	}
	return nil
}

// partialExit shrinks a position once, after it has been held afterBars bars.
type partialExit struct {
	afterBars int
	fraction  float64
	flag      string
}

func newPartialExit(spec rules.Spec) (Rule, error) {
	after, err := rules.RequireInt(spec.Params, "after_bars")
	if err != nil {
		return nil, err
	}
	if err := rules.Positive("after_bars", float64(after)); err != nil {
		return nil, err
	}
	fraction := rules.GetFloatParam(spec.Params, "fraction", 0.5)
	if fraction <= 0 || fraction >= 1 {
		return nil, fmt.Errorf("%w: fraction must be within (0, 1), got %v", rules.ErrInvalidParam, fraction)
	}
	return &partialExit{afterBars: after, fraction: fraction, flag: fmt.Sprintf("partial_exit_%d", after)}, nil
}

func (r *partialExit) Name() string { return "partial_exit" }

func (r *partialExit) Evaluate(h *data.History, st domain.PositionState) *Action {
	if st.Flags[r.flag] || st.BarsHeld(h.Index()) < r.afterBars {
		return nil
	}
	return &Action{
		Rule:   r.Name(),
		Scale:  1 - r.fraction,
		Reason: fmt.Sprintf("partial exit of %.0f%% after %d bars", r.fraction*100, r.afterBars),
		Flag:   r.flag,
	}
}
