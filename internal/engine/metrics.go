package engine

import (
	"math"
	"time"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/broker"
)

// metricsTracker carries the running values behind the daily metrics record.
type metricsTracker struct {
	initial    float64
	prevEquity float64
	peak       float64
}

func newMetricsTracker(initialCash float64) *metricsTracker {
	return &metricsTracker{initial: initialCash, prevEquity: initialCash, peak: initialCash}
}

// next builds the record of one bar and advances the running state.
// Turnover is Σ|fill notional| over the equity at the prior close.
func (m *metricsTracker) next(date time.Time, barIndex int, cash, equity, long, short float64, exec broker.Result) domain.DailyMetrics {
	rec := domain.DailyMetrics{
		Date:          date,
		BarIndex:      barIndex,
		Cash:          cash,
		Equity:        equity,
		LongExposure:  long,
		ShortExposure: short,
		Commission:    exec.Costs.Commission,
		Slippage:      exec.Costs.Slippage,
		Trades:        len(exec.Fills),
		Rejects:       len(exec.Rejects),
	}
	if equity > 0 {
		rec.GrossExposure = (long - short) / equity
		rec.NetExposure = (long + short) / equity
	}
	if m.prevEquity > 0 {
		rec.DailyReturn = equity/m.prevEquity - 1
		rec.Turnover = exec.Costs.Turnover / m.prevEquity
	}
	if m.initial > 0 {
		rec.CumulativeReturn = equity/m.initial - 1
	}
	m.peak = math.Max(m.peak, equity)
	rec.Peak = m.peak
	if m.peak > 0 {
		rec.Drawdown = equity/m.peak - 1
	}
	m.prevEquity = equity
	return rec
}

// positionRows lists every universe symbol, held or not.
func positionRows(date time.Time, symbols []string, positions, prices map[string]float64, equity float64) []domain.PositionRow {
	rows := make([]domain.PositionRow, 0, len(symbols))
	for _, sym := range symbols {
		shares := positions[sym]
		price, ok := prices[sym]
		if !ok || math.IsNaN(price) {
			price = 0
		}
		row := domain.PositionRow{
			Date:        date,
			Symbol:      sym,
			Shares:      shares,
			Price:       price,
			MarketValue: shares * price,
		}
		if equity > 0 {
			row.Weight = row.MarketValue / equity
		}
		rows = append(rows, row)
	}
	return rows
}
