// Package portfolio holds the cash and share ledger of one run or sleeve.
package portfolio

import (
	"math"
	"time"

	"github.com/aristath/backtester/internal/domain"
)

// Portfolio is a cash balance plus signed share quantities per symbol.
// Only its broker mutates it.
type Portfolio struct {
	Cash      float64
	positions map[string]float64
}

// New creates a portfolio holding only cash.
func New(initialCash float64) *Portfolio {
	return &Portfolio{Cash: initialCash, positions: make(map[string]float64)}
}

// Shares returns the signed quantity held in symbol.
func (p *Portfolio) Shares(symbol string) float64 {
	return p.positions[symbol]
}

// SetShares sets the quantity held in symbol. Quantities within Epsilon of
// zero remove the entry.
func (p *Portfolio) SetShares(symbol string, shares float64) {
	if math.Abs(shares) <= domain.Epsilon {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = shares
}

// Positions returns a copy of the holdings.
func (p *Portfolio) Positions() map[string]float64 {
	out := make(map[string]float64, len(p.positions))
	for sym, q := range p.positions {
		out[sym] = q
	}
	return out
}

// Symbols returns the held symbols in lexicographic order.
func (p *Portfolio) Symbols() []string {
	return domain.SortedKeys(p.positions)
}

// Equity returns cash plus the market value of every position. A position
// without a price contributes nothing.
func (p *Portfolio) Equity(prices map[string]float64) float64 {
	equity := p.Cash
	for sym, q := range p.positions {
		if price, ok := prices[sym]; ok && !math.IsNaN(price) {
			equity += q * price
		}
	}
	return equity
}

// Exposure returns the long market value (>= 0) and short market value (<= 0).
func (p *Portfolio) Exposure(prices map[string]float64) (long, short float64) {
	for sym, q := range p.positions {
		price, ok := prices[sym]
		if !ok || math.IsNaN(price) {
			continue
		}
		v := q * price
		if v > 0 {
			long += v
		} else {
			short += v
		}
	}
	return long, short
}

// Weights returns the current weight of every position: shares × price / equity.
// Nil when equity is not positive.
func (p *Portfolio) Weights(prices map[string]float64) domain.TargetWeights {
	equity := p.Equity(prices)
	if equity <= 0 {
		return nil
	}
	out := make(domain.TargetWeights, len(p.positions))
	for sym, q := range p.positions {
		if price, ok := prices[sym]; ok && !math.IsNaN(price) {
			out[sym] = q * price / equity
		}
	}
	return out
}

// Snapshot builds the read-only view handed to strategies.
func (p *Portfolio) Snapshot(asOf time.Time, barIndex int, prices map[string]float64, states map[string]domain.PositionState) domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{
		AsOf:           asOf,
		BarIndex:       barIndex,
		Cash:           p.Cash,
		Equity:         p.Equity(prices),
		Positions:      p.Positions(),
		PositionStates: states,
	}
}
