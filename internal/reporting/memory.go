// Package reporting implements the run reporters: in-memory capture, log
// output, fan-out, the SQLite run store and Prometheus metrics. Every
// reporter can reproduce the run Summary from the daily metrics stream alone.
package reporting

import (
	"time"

	"github.com/aristath/backtester/internal/domain"
)

// WeightRecord is one leg or blended weight record. Leg is BlendedLeg for
// the blended weights of a composite.
type WeightRecord struct {
	Date    time.Time
	Leg     string
	Weights domain.TargetWeights
}

// BlendedLeg names the blended weights in weight records.
const BlendedLeg = "__blended__"

// Memory keeps every record in memory.
type Memory struct {
	Trades    []domain.TradeFill
	Rejects   []domain.ExecutionReject
	Days      []domain.DailyMetrics
	Positions map[time.Time][]domain.PositionRow
	Hits      []domain.ConstraintHit
	Weights   []WeightRecord
}

// NewMemory creates an empty in-memory reporter.
func NewMemory() *Memory {
	return &Memory{Positions: make(map[time.Time][]domain.PositionRow)}
}

func (m *Memory) RecordTrades(fills []domain.TradeFill) error {
	m.Trades = append(m.Trades, fills...)
	return nil
}

func (m *Memory) RecordRejects(rejects []domain.ExecutionReject) error {
	m.Rejects = append(m.Rejects, rejects...)
	return nil
}

func (m *Memory) RecordDay(metrics domain.DailyMetrics) error {
	m.Days = append(m.Days, metrics)
	return nil
}

func (m *Memory) RecordPositions(date time.Time, rows []domain.PositionRow) error {
	m.Positions[date] = append([]domain.PositionRow(nil), rows...)
	return nil
}

func (m *Memory) RecordConstraintHits(hits []domain.ConstraintHit) error {
	m.Hits = append(m.Hits, hits...)
	return nil
}

func (m *Memory) RecordLegWeights(date time.Time, leg string, weights domain.TargetWeights) error {
	m.Weights = append(m.Weights, WeightRecord{Date: date, Leg: leg, Weights: weights.Clone()})
	return nil
}

func (m *Memory) RecordBlendedWeights(date time.Time, weights domain.TargetWeights) error {
	m.Weights = append(m.Weights, WeightRecord{Date: date, Leg: BlendedLeg, Weights: weights.Clone()})
	return nil
}

// Summary derives the run summary from the recorded days.
func (m *Memory) Summary() Summary {
	return Summarize(m.Days)
}
