package reporting

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
)

// Log writes records to a zerolog logger: fills, rejects and hits at Info,
// days at Debug, positions and weights at Trace.
type Log struct {
	log zerolog.Logger
}

// NewLog creates a logging reporter.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "reporter").Logger()}
}

func (l *Log) RecordTrades(fills []domain.TradeFill) error {
	for _, f := range fills {
		l.log.Info().
			Time("date", f.Date).
			Str("symbol", f.Symbol).
			Str("side", f.Side()).
			Float64("quantity", f.Quantity).
			Float64("price", f.Price).
			Float64("notional", f.Notional).
			Float64("commission", f.Commission).
			Msg("Trade filled")
	}
	return nil
}

func (l *Log) RecordRejects(rejects []domain.ExecutionReject) error {
	for _, r := range rejects {
		l.log.Info().
			Time("date", r.Date).
			Str("symbol", r.Symbol).
			Str("reason", r.Reason).
			Str("detail", r.Detail).
			Float64("requested_quantity", r.RequestedQuantity).
			Float64("executed_quantity", r.ExecutedQuantity).
			Msg("Order rejected")
	}
	return nil
}

func (l *Log) RecordDay(m domain.DailyMetrics) error {
	l.log.Debug().
		Time("date", m.Date).
		Int("bar", m.BarIndex).
		Float64("equity", m.Equity).
		Float64("cash", m.Cash).
		Float64("gross", m.GrossExposure).
		Float64("daily_return", m.DailyReturn).
		Float64("drawdown", m.Drawdown).
		Msg("Day closed")
	return nil
}

func (l *Log) RecordPositions(date time.Time, rows []domain.PositionRow) error {
	if l.log.GetLevel() > zerolog.TraceLevel {
		return nil
	}
	held := 0
	for _, r := range rows {
		if r.Shares != 0 {
			held++
		}
	}
	l.log.Trace().Time("date", date).Int("symbols", len(rows)).Int("held", held).Msg("Positions snapshot")
	return nil
}

func (l *Log) RecordConstraintHits(hits []domain.ConstraintHit) error {
	for _, h := range hits {
		l.log.Info().
			Time("date", h.Date).
			Str("constraint", h.Constraint).
			Str("symbol", h.Symbol).
			Float64("before", h.Before).
			Float64("after", h.After).
			Str("details", h.Details).
			Msg("Constraint applied")
	}
	return nil
}

func (l *Log) RecordLegWeights(date time.Time, leg string, weights domain.TargetWeights) error {
	l.log.Trace().Time("date", date).Str("leg", leg).Float64("gross", weights.Gross()).Int("symbols", len(weights)).Msg("Leg weights")
	return nil
}

func (l *Log) RecordBlendedWeights(date time.Time, weights domain.TargetWeights) error {
	l.log.Trace().Time("date", date).Float64("gross", weights.Gross()).Float64("net", weights.Net()).Msg("Blended weights")
	return nil
}
