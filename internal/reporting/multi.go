package reporting

import (
	"time"

	"github.com/aristath/backtester/internal/domain"
)

// Multi fans every record out to several reporters and stops at the first error.
type Multi []domain.Reporter

func (m Multi) each(fn func(domain.Reporter) error) error {
	for _, r := range m {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) RecordTrades(fills []domain.TradeFill) error {
	return m.each(func(r domain.Reporter) error { return r.RecordTrades(fills) })
}

func (m Multi) RecordRejects(rejects []domain.ExecutionReject) error {
	return m.each(func(r domain.Reporter) error { return r.RecordRejects(rejects) })
}

func (m Multi) RecordDay(metrics domain.DailyMetrics) error {
	return m.each(func(r domain.Reporter) error { return r.RecordDay(metrics) })
}

func (m Multi) RecordPositions(date time.Time, rows []domain.PositionRow) error {
	return m.each(func(r domain.Reporter) error { return r.RecordPositions(date, rows) })
}

func (m Multi) RecordConstraintHits(hits []domain.ConstraintHit) error {
	return m.each(func(r domain.Reporter) error { return r.RecordConstraintHits(hits) })
}

func (m Multi) RecordLegWeights(date time.Time, leg string, weights domain.TargetWeights) error {
	return m.each(func(r domain.Reporter) error { return r.RecordLegWeights(date, leg, weights) })
}

func (m Multi) RecordBlendedWeights(date time.Time, weights domain.TargetWeights) error {
	return m.each(func(r domain.Reporter) error { return r.RecordBlendedWeights(date, weights) })
}
