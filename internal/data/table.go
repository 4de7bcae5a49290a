// Package data converts pre-loaded price and signal frames into validated,
// typed per-symbol time series and exposes point-in-time views of them.
//
// Column names are checked once here. Inside the simulation loop nothing
// looks up a price column by name.
package data

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aristath/backtester/internal/domain"
)

// Price column names.
const (
	ColOpen   = "open"
	ColHigh   = "high"
	ColLow    = "low"
	ColClose  = "close"
	ColVolume = "volume"
)

// RequiredPriceColumns must be present in every price frame.
var RequiredPriceColumns = []string{ColOpen, ColClose}

var (
	// ErrMissingColumns is returned when a frame lacks a required column
	ErrMissingColumns = errors.New("missing required columns")
	// ErrNoPriceRows is returned when no price rows survive universe/date filtering
	ErrNoPriceRows = errors.New("no price rows for the configured universe and date range")
	// ErrDuplicateRow is returned when a (date, symbol) pair appears twice
	ErrDuplicateRow = errors.New("duplicate (date, symbol) row")
)

// Row is one (date, symbol) record of a frame. Missing values are absent from
// Values or hold NaN.
type Row struct {
	Date   time.Time
	Symbol string
	Values map[string]float64
}

// Frame is a loosely typed table as handed over by the data-loading collaborator.
type Frame struct {
	Columns []string
	Rows    []Row
}

// HasColumn reports whether the frame declares the column.
func (f Frame) HasColumn(name string) bool {
	for _, c := range f.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Options restrict the frames to a universe and an inclusive date range.
// Zero dates leave the corresponding side unbounded.
type Options struct {
	Universe []string
	Start    time.Time
	End      time.Time
}

// Series holds one symbol's prices aligned to Table.Dates. Missing values are NaN.
type Series struct {
	Open    []float64
	High    []float64
	Low     []float64
	Close   []float64
	Volume  []float64
	Present []bool
}

func newSeries(n int) *Series {
	s := &Series{
		Open:    nanSlice(n),
		High:    nanSlice(n),
		Low:     nanSlice(n),
		Close:   nanSlice(n),
		Volume:  nanSlice(n),
		Present: make([]bool, n),
	}
	return s
}

// Bar returns the bar at index i.
func (s *Series) Bar(i int) domain.Bar {
	if s == nil || i < 0 || i >= len(s.Present) || !s.Present[i] {
		return domain.MissingBar()
	}
	return domain.Bar{Open: s.Open[i], High: s.High[i], Low: s.Low[i], Close: s.Close[i], Volume: s.Volume[i]}
}

type signalSeries struct {
	present []bool
	columns map[string][]float64
}

// Table is the validated, typed form of the price and signal inputs.
type Table struct {
	Dates         []time.Time
	Symbols       []string
	SignalColumns []string

	prices  map[string]*Series
	signals map[string]*signalSeries
	index   map[time.Time]int
}

// NewTable validates the frames and builds the typed table. The signal frame is optional.
func NewTable(prices Frame, signals *Frame, opts Options) (*Table, error) {
	var missing []string
	for _, col := range RequiredPriceColumns {
		if !prices.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("price frame: %w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	inUniverse := func(string) bool { return true }
	if len(opts.Universe) > 0 {
		allowed := make(map[string]bool, len(opts.Universe))
		for _, s := range opts.Universe {
			allowed[s] = true
		}
		inUniverse = func(s string) bool { return allowed[s] }
	}
	inRange := func(d time.Time) bool {
		if !opts.Start.IsZero() && d.Before(opts.Start) {
			return false
		}
		if !opts.End.IsZero() && d.After(opts.End) {
			return false
		}
		return true
	}

	var kept []Row
	dateSet := make(map[time.Time]bool)
	symbolSet := make(map[string]bool)
	for _, row := range prices.Rows {
		d := normalizeDate(row.Date)
		if !inUniverse(row.Symbol) || !inRange(d) {
			continue
		}
		row.Date = d
		kept = append(kept, row)
		dateSet[d] = true
		symbolSet[row.Symbol] = true
	}
	if len(kept) == 0 {
		return nil, ErrNoPriceRows
	}

	t := &Table{
		prices:  make(map[string]*Series),
		signals: make(map[string]*signalSeries),
		index:   make(map[time.Time]int),
	}
	for d := range dateSet {
		t.Dates = append(t.Dates, d)
	}
	sort.Slice(t.Dates, func(i, j int) bool { return t.Dates[i].Before(t.Dates[j]) })
	for i, d := range t.Dates {
		t.index[d] = i
	}

	if len(opts.Universe) > 0 {
		for _, s := range opts.Universe {
			symbolSet[s] = true
		}
	}
	t.Symbols = domain.SortedKeys(symbolSet)

	n := len(t.Dates)
	for _, sym := range t.Symbols {
		t.prices[sym] = newSeries(n)
	}
	for _, row := range kept {
		i := t.index[row.Date]
		s := t.prices[row.Symbol]
		if s.Present[i] {
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicateRow, row.Symbol, row.Date.Format("2006-01-02"))
		}
		s.Present[i] = true
		s.Open[i] = value(row.Values, ColOpen)
		s.High[i] = value(row.Values, ColHigh)
		s.Low[i] = value(row.Values, ColLow)
		s.Close[i] = value(row.Values, ColClose)
		s.Volume[i] = value(row.Values, ColVolume)
	}

	if signals != nil {
		if err := t.loadSignals(*signals, inUniverse); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Table) loadSignals(frame Frame, inUniverse func(string) bool) error {
	for _, c := range frame.Columns {
		if c == "date" || c == "symbol" {
			continue
		}
		t.SignalColumns = append(t.SignalColumns, c)
	}
	n := len(t.Dates)
	for _, row := range frame.Rows {
		d := normalizeDate(row.Date)
		i, ok := t.index[d]
		if !ok || !inUniverse(row.Symbol) {
			continue
		}
		ss := t.signals[row.Symbol]
		if ss == nil {
			ss = &signalSeries{present: make([]bool, n), columns: make(map[string][]float64)}
			for _, c := range t.SignalColumns {
				ss.columns[c] = nanSlice(n)
			}
			t.signals[row.Symbol] = ss
		}
		if ss.present[i] {
			return fmt.Errorf("signal frame: %w: %s %s", ErrDuplicateRow, row.Symbol, d.Format("2006-01-02"))
		}
		ss.present[i] = true
		for _, c := range t.SignalColumns {
			ss.columns[c][i] = value(row.Values, c)
		}
	}
	return nil
}

// Len returns the number of trading dates.
func (t *Table) Len() int { return len(t.Dates) }

// HasSignals reports whether a signal frame was supplied.
func (t *Table) HasSignals() bool { return len(t.SignalColumns) > 0 || len(t.signals) > 0 }

// HasSignalColumn reports whether the signal frame declared the column.
func (t *Table) HasSignalColumn(name string) bool {
	for _, c := range t.SignalColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Series returns the price series of a symbol, or nil.
func (t *Table) Series(symbol string) *Series { return t.prices[symbol] }

// Snapshot builds the market snapshot of bar index i.
func (t *Table) Snapshot(i int) domain.MarketSnapshot {
	bars := make(map[string]domain.Bar, len(t.Symbols))
	for _, sym := range t.Symbols {
		s := t.prices[sym]
		if s.Present[i] {
			bars[sym] = s.Bar(i)
		}
	}
	return domain.MarketSnapshot{Date: t.Dates[i], BarIndex: i, Bars: bars}
}

// History returns the point-in-time view ending at bar index i (inclusive).
func (t *Table) History(i int) *History {
	return &History{table: t, end: i}
}

func value(values map[string]float64, key string) float64 {
	if v, ok := values[key]; ok {
		return v
	}
	return math.NaN()
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func normalizeDate(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}
