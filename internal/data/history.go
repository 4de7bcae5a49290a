package data

import (
	"math"
	"time"

	"github.com/aristath/backtester/internal/domain"
)

// Field selects one price series.
type Field int

const (
	FieldOpen Field = iota
	FieldHigh
	FieldLow
	FieldClose
	FieldVolume
)

// History is a point-in-time view of the table: nothing after bar index End
// is reachable through it, so strategies cannot look ahead.
type History struct {
	table *Table
	end   int
}

// Index returns the bar index of the view's last date.
func (h *History) Index() int { return h.end }

// Date returns the view's last date.
func (h *History) Date() time.Time { return h.table.Dates[h.end] }

// Len returns the number of bars visible through the view.
func (h *History) Len() int { return h.end + 1 }

// Symbols returns every symbol of the table.
func (h *History) Symbols() []string { return h.table.Symbols }

// Table exposes the underlying table for components that build sub-views.
func (h *History) Table() *Table { return h.table }

// Bar returns today's bar for symbol.
func (h *History) Bar(symbol string) domain.Bar {
	return h.table.Series(symbol).Bar(h.end)
}

// HasPriceRow reports whether the symbol has a price row today.
func (h *History) HasPriceRow(symbol string) bool {
	s := h.table.Series(symbol)
	return s != nil && s.Present[h.end]
}

// Window returns the last n values of a price field up to and including today.
// n <= 0 returns the full visible history. Missing values are NaN.
func (h *History) Window(symbol string, field Field, n int) []float64 {
	s := h.table.Series(symbol)
	if s == nil {
		return nil
	}
	var src []float64
	switch field {
	case FieldOpen:
		src = s.Open
	case FieldHigh:
		src = s.High
	case FieldLow:
		src = s.Low
	case FieldVolume:
		src = s.Volume
	default:
		src = s.Close
	}
	start := 0
	if n > 0 && h.end+1-n > 0 {
		start = h.end + 1 - n
	}
	out := make([]float64, h.end+1-start)
	copy(out, src[start:h.end+1])
	return out
}

// Closes returns the last n closes, missing values dropped.
func (h *History) Closes(symbol string, n int) []float64 {
	return dropNaN(h.Window(symbol, FieldClose, n))
}

// HasSignalRow reports whether the symbol has a signal row today.
func (h *History) HasSignalRow(symbol string) bool {
	ss := h.table.signals[symbol]
	return ss != nil && ss.present[h.end]
}

// Signal returns today's value of a signal column.
func (h *History) Signal(symbol, column string) (float64, bool) {
	ss := h.table.signals[symbol]
	if ss == nil || !ss.present[h.end] {
		return 0, false
	}
	col, ok := ss.columns[column]
	if !ok {
		return 0, false
	}
	v := col[h.end]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// SignalRow returns today's non-missing signal values for symbol, or nil when
// the symbol has no signal row today.
func (h *History) SignalRow(symbol string) map[string]float64 {
	ss := h.table.signals[symbol]
	if ss == nil || !ss.present[h.end] {
		return nil
	}
	row := make(map[string]float64, len(ss.columns))
	for name, col := range ss.columns {
		if v := col[h.end]; !math.IsNaN(v) {
			row[name] = v
		}
	}
	return row
}

// SignalSymbols returns the symbols with a signal row today, sorted.
func (h *History) SignalSymbols() []string {
	var out []string
	for _, sym := range h.table.Symbols {
		if h.HasSignalRow(sym) {
			out = append(out, sym)
		}
	}
	return out
}

func dropNaN(values []float64) []float64 {
	out := values[:0:0]
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
