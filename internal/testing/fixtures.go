package testing

import (
	"math"
	"testing"
	"time"

	"github.com/aristath/backtester/internal/data"
)

// Epoch is the first date produced by Day.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Day returns the i-th consecutive calendar date after Epoch.
func Day(i int) time.Time {
	return Epoch.AddDate(0, 0, i)
}

// FrameBuilder assembles price and signal frames for tests.
type FrameBuilder struct {
	prices  map[time.Time]map[string]map[string]float64
	signals map[time.Time]map[string]map[string]float64
	sigCols []string
}

// NewFrames returns an empty builder.
func NewFrames() *FrameBuilder {
	return &FrameBuilder{
		prices:  make(map[time.Time]map[string]map[string]float64),
		signals: make(map[time.Time]map[string]map[string]float64),
	}
}

func put(m map[time.Time]map[string]map[string]float64, i int, sym string, values map[string]float64) {
	d := Day(i)
	if m[d] == nil {
		m[d] = make(map[string]map[string]float64)
	}
	m[d][sym] = values
}

// Closes adds flat bars (open = high = low = close) starting at day 0.
// NaN entries leave the day without a row.
func (b *FrameBuilder) Closes(sym string, closes ...float64) *FrameBuilder {
	for i, c := range closes {
		if math.IsNaN(c) {
			continue
		}
		put(b.prices, i, sym, map[string]float64{
			"open": c, "high": c, "low": c, "close": c, "volume": 1e6,
		})
	}
	return b
}

// Bar adds one full bar on day i.
func (b *FrameBuilder) Bar(i int, sym string, open, high, low, close, volume float64) *FrameBuilder {
	put(b.prices, i, sym, map[string]float64{
		"open": open, "high": high, "low": low, "close": close, "volume": volume,
	})
	return b
}

// Signal adds one signal row on day i.
func (b *FrameBuilder) Signal(i int, sym string, values map[string]float64) *FrameBuilder {
	for col := range values {
		if !contains(b.sigCols, col) {
			b.sigCols = append(b.sigCols, col)
		}
	}
	put(b.signals, i, sym, values)
	return b
}

// SignalSeries adds one signal column for sym, one value per day from day 0.
func (b *FrameBuilder) SignalSeries(sym, column string, values ...float64) *FrameBuilder {
	for i, v := range values {
		row := map[string]float64{column: v}
		if existing, ok := b.signals[Day(i)][sym]; ok {
			existing[column] = v
			row = existing
		}
		b.Signal(i, sym, row)
	}
	return b
}

// Prices returns the price frame.
func (b *FrameBuilder) Prices() data.Frame {
	return toFrame(b.prices, []string{"open", "high", "low", "close", "volume"})
}

// Signals returns the signal frame, or nil when no signal was added.
func (b *FrameBuilder) Signals() *data.Frame {
	if len(b.signals) == 0 {
		return nil
	}
	f := toFrame(b.signals, b.sigCols)
	return &f
}

// Table validates the frames into a table, failing the test on error.
func (b *FrameBuilder) Table(t testing.TB) *data.Table {
	t.Helper()
	table, err := data.NewTable(b.Prices(), b.Signals(), data.Options{})
	if err != nil {
		t.Fatalf("failed to build table: %v", err)
	}
	return table
}

func toFrame(m map[time.Time]map[string]map[string]float64, columns []string) data.Frame {
	f := data.Frame{Columns: columns}
	for d, bySym := range m {
		for sym, values := range bySym {
			f.Rows = append(f.Rows, data.Row{Date: d, Symbol: sym, Values: values})
		}
	}
	return f
}

// Repeat returns n copies of v.
func Repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
