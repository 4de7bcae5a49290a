package reporting

import (
	"math"
	"time"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/pkg/formulas"
)

// Summary is the headline performance of a run.
type Summary struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Days             int       `json:"days"`
	InitialEquity    float64   `json:"initial_equity"`
	FinalEquity      float64   `json:"final_equity"`
	TotalReturn      float64   `json:"total_return"`
	AnnualizedReturn float64   `json:"annualized_return"`
	AnnualizedVol    float64   `json:"annualized_volatility"`
	Sharpe           float64   `json:"sharpe"`
	MaxDrawdown      float64   `json:"max_drawdown"` // negative fraction
	Trades           int       `json:"trades"`
	Commission       float64   `json:"commission"`
	Slippage         float64   `json:"slippage"`
}

// Summarize computes the summary from a daily metrics stream. The initial
// equity is recovered from the first record's daily return. Sharpe uses a
// zero risk-free rate and is 0 when volatility is 0.
func Summarize(days []domain.DailyMetrics) Summary {
	var s Summary
	if len(days) == 0 {
		return s
	}
	first, last := days[0], days[len(days)-1]
	s.Start, s.End, s.Days = first.Date, last.Date, len(days)
	s.FinalEquity = last.Equity
	if g := 1 + first.DailyReturn; g != 0 {
		s.InitialEquity = first.Equity / g
	}

	returns := make([]float64, 0, len(days))
	equity := make([]float64, 0, len(days)+1)
	equity = append(equity, s.InitialEquity)
	for _, d := range days {
		returns = append(returns, d.DailyReturn)
		equity = append(equity, d.Equity)
		s.Trades += d.Trades
		s.Commission += d.Commission
		s.Slippage += d.Slippage
	}

	if s.InitialEquity > 0 {
		s.TotalReturn = s.FinalEquity/s.InitialEquity - 1
	}
	if s.TotalReturn > -1 {
		s.AnnualizedReturn = math.Pow(1+s.TotalReturn, formulas.TradingDaysPerYear/float64(len(days))) - 1
	} else {
		s.AnnualizedReturn = -1
	}
	if len(returns) > 1 {
		s.AnnualizedVol = formulas.AnnualizedVolatility(returns)
		if sd := formulas.StdDev(returns); sd > 0 {
			s.Sharpe = formulas.Mean(returns) / sd * math.Sqrt(formulas.TradingDaysPerYear)
		}
	}
	s.MaxDrawdown = formulas.MaxDrawdown(equity)
	return s
}
