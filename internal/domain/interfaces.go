package domain

import "time"

// Reporter receives simulation events. The simulation core never performs
// file or network I/O itself; every persisted artifact flows through here.
// Implementations must be able to rebuild the run summary from RecordDay alone.
type Reporter interface {
	// RecordTrades receives the fills executed at one bar's open
	RecordTrades(fills []TradeFill) error

	// RecordRejects receives the per-symbol execution rejects of one bar
	RecordRejects(rejects []ExecutionReject) error

	// RecordDay receives exactly one metrics record per trading date
	RecordDay(metrics DailyMetrics) error

	// RecordPositions receives a snapshot covering every universe symbol, including flat ones
	RecordPositions(date time.Time, rows []PositionRow) error

	// RecordConstraintHits receives the adjustments made while planning at a close
	RecordConstraintHits(hits []ConstraintHit) error

	// RecordLegWeights receives one composite leg's normalized weights
	RecordLegWeights(date time.Time, leg string, weights TargetWeights) error

	// RecordBlendedWeights receives a composite's blended (pre-constraint) weights
	RecordBlendedWeights(date time.Time, weights TargetWeights) error
}

// Optimizer solves a portfolio allocation problem for a set of symbols.
// It returns an empty map when the problem is infeasible and an error only
// for malformed input (dimension mismatches, unknown symbols).
type Optimizer interface {
	Optimize(
		universe []string,
		expectedReturns map[string]float64,
		covariance [][]float64,
		currentWeights map[string]float64,
	) (map[string]float64, error)
}
