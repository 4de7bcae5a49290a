// Package broker simulates order execution at the daily open.
package broker

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/portfolio"
)

// entry is the authoritative entry metadata of one held position.
type entry struct {
	side          domain.Side
	entryDate     time.Time
	entryPrice    float64
	entryBarIndex int
	lastFillDate  time.Time
	highWatermark float64
	lowWatermark  float64
}

// Result is the outcome of one execution pass.
type Result struct {
	Fills   []domain.TradeFill
	Costs   domain.ExecutionCosts
	Rejects []domain.ExecutionReject
}

// Broker fills target weights against the open of a market snapshot and is
// the only writer of its Portfolio.
type Broker struct {
	cfg        Config
	portfolio  *portfolio.Portfolio
	entries    map[string]*entry
	lastPrices map[string]float64
	log        zerolog.Logger
}

// New creates a broker for p.
func New(cfg Config, p *portfolio.Portfolio, log zerolog.Logger) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Broker{
		cfg:        cfg,
		portfolio:  p,
		entries:    make(map[string]*entry),
		lastPrices: make(map[string]float64),
		log:        log.With().Str("component", "broker").Logger(),
	}, nil
}

// Portfolio returns the ledger this broker mutates.
func (b *Broker) Portfolio() *portfolio.Portfolio { return b.portfolio }

// Config returns the broker configuration.
func (b *Broker) Config() Config { return b.cfg }

// LastPrice returns the most recent price seen for symbol.
func (b *Broker) LastPrice(symbol string) (float64, bool) {
	p, ok := b.lastPrices[symbol]
	return p, ok
}

// OpeningEquity values the portfolio at the snapshot's opens, falling back
// to the last known price for held symbols without an open.
func (b *Broker) OpeningEquity(snapshot domain.MarketSnapshot) float64 {
	return b.portfolio.Equity(b.pricesAt(snapshot, func(bar domain.Bar) (float64, bool) {
		return bar.Open, bar.HasOpen()
	}))
}

// MarkPrices returns the closes of the snapshot with the last known price
// carried forward for held symbols that have no close today.
func (b *Broker) MarkPrices(snapshot domain.MarketSnapshot) map[string]float64 {
	return b.pricesAt(snapshot, func(bar domain.Bar) (float64, bool) {
		return bar.Close, bar.HasClose()
	})
}

func (b *Broker) pricesAt(snapshot domain.MarketSnapshot, pick func(domain.Bar) (float64, bool)) map[string]float64 {
	prices := make(map[string]float64)
	for sym, bar := range snapshot.Bars {
		if p, ok := pick(bar); ok {
			prices[sym] = p
		}
	}
	for _, sym := range b.portfolio.Symbols() {
		if _, ok := prices[sym]; ok {
			continue
		}
		if p, ok := b.lastPrices[sym]; ok {
			prices[sym] = p
		}
	}
	return prices
}

// ExecuteTargetWeights trades the portfolio toward targets at the snapshot's
// opens. Symbols are processed in lexicographic order over the union of
// holdings and targets. Rejects never abort the pass.
func (b *Broker) ExecuteTargetWeights(snapshot domain.MarketSnapshot, targets domain.TargetWeights) Result {
	var res Result
	equity := b.OpeningEquity(snapshot)

	universe := make(map[string]struct{}, len(targets))
	for sym := range targets {
		universe[sym] = struct{}{}
	}
	for _, sym := range b.portfolio.Symbols() {
		universe[sym] = struct{}{}
	}

	for _, sym := range domain.SortedKeys(universe) {
		bar := snapshot.Bar(sym)
		if !bar.HasOpen() {
			if b.cfg.MissingPrice == MissingPriceReject {
				res.Rejects = append(res.Rejects, b.reject(snapshot.Date, sym, domain.RejectMissingPrice,
					"no tradable open price", 0, 0, 0, 0))
			}
			continue
		}
		open := bar.Open
		b.lastPrices[sym] = open
		current := b.portfolio.Shares(sym)
		target := targets[sym]

		var qty float64
		if math.Abs(target) <= domain.Epsilon {
			// Closing a held position sells exactly what is held.
			qty = -current
		} else {
			raw := (target*equity - current*open) / open
			qty = raw
			if b.cfg.needsRounding() {
				qty = RoundToLot(raw, b.cfg.LotSize, b.cfg.Rounding)
				if math.Abs(qty) <= domain.Epsilon && math.Abs(raw) > domain.Epsilon {
					res.Rejects = append(res.Rejects, b.reject(snapshot.Date, sym, domain.RejectRoundsToZero,
						fmt.Sprintf("Quantity %.6f rounds to zero at lot %g", raw, b.cfg.LotSize),
						raw, 0, raw*open, 0))
					continue
				}
			}
		}
		if math.Abs(qty) <= domain.Epsilon {
			continue
		}

		if b.cfg.ParticipationCap > 0 && bar.HasVolume() {
			limit := b.cfg.ParticipationCap * bar.Volume
			if math.Abs(qty) > limit {
				clipped := math.Copysign(limit, qty)
				if b.cfg.needsRounding() {
					clipped = RoundToLot(clipped, b.cfg.LotSize, RoundTowardZero)
				}
				res.Rejects = append(res.Rejects, b.reject(snapshot.Date, sym, domain.RejectParticipationCap,
					fmt.Sprintf("Quantity %.6f capped to %.6f (%g of volume %g)", qty, clipped, b.cfg.ParticipationCap, bar.Volume),
					qty, clipped, qty*open, clipped*open))
				qty = clipped
				if math.Abs(qty) <= domain.Epsilon {
					continue
				}
			}
		}

		side := float64(domain.SideOf(qty))
		fillPrice := open * (1 + side*(b.cfg.HalfSpreadBps+b.cfg.SlippageBps)/10000)
		notional := qty * fillPrice
		commission := math.Abs(notional) * b.cfg.CommissionRate
		slippage := math.Abs(qty) * math.Abs(fillPrice-open)

		if b.cfg.MinTradeShares > 0 && math.Abs(qty) < b.cfg.MinTradeShares {
			res.Rejects = append(res.Rejects, b.reject(snapshot.Date, sym, domain.RejectMinShares,
				fmt.Sprintf("Shares %.6f < min %g", math.Abs(qty), b.cfg.MinTradeShares),
				qty, 0, notional, 0))
			continue
		}
		if b.cfg.MinTradeNotional > 0 && math.Abs(notional) < b.cfg.MinTradeNotional {
			res.Rejects = append(res.Rejects, b.reject(snapshot.Date, sym, domain.RejectMinNotional,
				fmt.Sprintf("Notional %.2f < min %g", math.Abs(notional), b.cfg.MinTradeNotional),
				qty, 0, notional, 0))
			continue
		}

		b.portfolio.Cash -= notional + commission
		newShares := current + qty
		if math.Abs(newShares) <= domain.Epsilon {
			newShares = 0
		}
		b.portfolio.SetShares(sym, newShares)
		b.updateEntry(sym, current, newShares, fillPrice, snapshot)

		res.Fills = append(res.Fills, domain.TradeFill{
			Date:         snapshot.Date,
			Symbol:       sym,
			Quantity:     qty,
			Price:        fillPrice,
			Notional:     notional,
			Commission:   commission,
			SlippageCost: slippage,
			CashAfter:    b.portfolio.Cash,
		})
		res.Costs.Commission += commission
		res.Costs.Slippage += slippage
		res.Costs.Turnover += math.Abs(notional)
	}

	b.log.Debug().
		Time("date", snapshot.Date).
		Int("fills", len(res.Fills)).
		Int("rejects", len(res.Rejects)).
		Float64("turnover", res.Costs.Turnover).
		Msg("Executed target weights")

	return res
}

func (b *Broker) updateEntry(sym string, prev, next, fillPrice float64, snapshot domain.MarketSnapshot) {
	prevSide := domain.SideOf(prev)
	nextSide := domain.SideOf(next)

	if nextSide == domain.SideFlat {
		delete(b.entries, sym)
		return
	}

	e, ok := b.entries[sym]
	if !ok || prevSide != nextSide {
		// Flips and entries from flat start fresh; no averaging across sides.
		b.entries[sym] = &entry{
			side:          nextSide,
			entryDate:     snapshot.Date,
			entryPrice:    fillPrice,
			entryBarIndex: snapshot.BarIndex,
			lastFillDate:  snapshot.Date,
			highWatermark: fillPrice,
			lowWatermark:  fillPrice,
		}
		return
	}

	prevAbs, nextAbs := math.Abs(prev), math.Abs(next)
	if nextAbs > prevAbs {
		e.entryPrice = (prevAbs*e.entryPrice + (nextAbs-prevAbs)*fillPrice) / nextAbs
	}
	e.lastFillDate = snapshot.Date
}

// Mark updates the watermarks of held positions from the snapshot's bars and
// remembers the closes as last known prices.
func (b *Broker) Mark(snapshot domain.MarketSnapshot) {
	for sym, bar := range snapshot.Bars {
		if bar.HasClose() {
			b.lastPrices[sym] = bar.Close
		}
	}
	for _, sym := range b.portfolio.Symbols() {
		e, ok := b.entries[sym]
		if !ok {
			continue
		}
		bar := snapshot.Bar(sym)
		high, low := bar.High, bar.Low
		if !bar.HasHigh() {
			high = bar.Close
		}
		if !bar.HasLow() {
			low = bar.Close
		}
		if !math.IsNaN(high) && high > e.highWatermark {
			e.highWatermark = high
		}
		if !math.IsNaN(low) && low > 0 && low < e.lowWatermark {
			e.lowWatermark = low
		}
	}
}

// PositionStates derives the visible position state of every held symbol and
// prunes entry metadata of symbols no longer held.
func (b *Broker) PositionStates() map[string]domain.PositionState {
	held := b.portfolio.Positions()
	for sym := range b.entries {
		if _, ok := held[sym]; !ok {
			delete(b.entries, sym)
		}
	}

	states := make(map[string]domain.PositionState, len(held))
	for sym, shares := range held {
		st := domain.PositionState{
			Symbol:      sym,
			Shares:      shares,
			Side:        domain.SideOf(shares),
			TargetScale: 1,
		}
		if e, ok := b.entries[sym]; ok && e.side == st.Side {
			st.EntryDate = e.entryDate
			st.EntryPrice = e.entryPrice
			st.EntryBarIndex = e.entryBarIndex
			st.LastFillDate = e.lastFillDate
			st.HighWatermark = e.highWatermark
			st.LowWatermark = e.lowWatermark
		}
		states[sym] = st
	}
	return states
}

func (b *Broker) reject(date time.Time, sym, reason, detail string, reqQty, execQty, reqNotional, execNotional float64) domain.ExecutionReject {
	b.log.Debug().
		Str("symbol", sym).
		Str("reason", reason).
		Str("detail", detail).
		Msg("Order rejected")
	return domain.ExecutionReject{
		Date:              date,
		Symbol:            sym,
		Reason:            reason,
		Detail:            detail,
		RequestedQuantity: reqQty,
		ExecutedQuantity:  execQty,
		RequestedNotional: reqNotional,
		ExecutedNotional:  execNotional,
	}
}
