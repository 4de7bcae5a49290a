package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/backtester/internal/database"
	"github.com/aristath/backtester/internal/domain"
)

const dateLayout = "2006-01-02"

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

// RunInfo describes a run when it starts. Config is stored msgpack-encoded.
type RunInfo struct {
	Name        string
	Strategy    string
	InitialCash float64
	Config      interface{}
}

// RunRow is one stored run.
type RunRow struct {
	RunID       string
	Name        string
	Strategy    string
	InitialCash float64
	Status      string
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// RunStore persists runs in a SQLite database migrated with the "runs" schema.
type RunStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRunStore creates a run store.
func NewRunStore(db *database.DB, log zerolog.Logger) *RunStore {
	return &RunStore{db: db, log: log.With().Str("component", "run_store").Logger()}
}

// Begin registers a new run and returns the reporter that records it.
func (s *RunStore) Begin(ctx context.Context, info RunInfo) (*RunRecorder, error) {
	var config []byte
	if info.Config != nil {
		var err error
		if config, err = msgpack.Marshal(info.Config); err != nil {
			return nil, fmt.Errorf("failed to encode run config: %w", err)
		}
	}
	runID := uuid.New().String()
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO runs (run_id, name, strategy, initial_cash, config, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, info.Name, info.Strategy, info.InitialCash, config, RunRunning, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	s.log.Info().Str("run_id", runID).Str("name", info.Name).Msg("Run registered")
	return &RunRecorder{store: s, runID: runID}, nil
}

// RunRecorder is the reporter of one stored run.
type RunRecorder struct {
	store     *RunStore
	runID     string
	tradeSeq  int
	rejectSeq int
	hitSeq    int
}

// RunID returns the run identifier.
func (r *RunRecorder) RunID() string { return r.runID }

func (r *RunRecorder) conn() *sql.DB { return r.store.db.Conn() }

func (r *RunRecorder) RecordTrades(fills []domain.TradeFill) error {
	return database.WithTransaction(r.conn(), func(tx *sql.Tx) error {
		for _, f := range fills {
			r.tradeSeq++
			if _, err := tx.Exec(`
				INSERT INTO trades (run_id, seq, date, symbol, quantity, price, notional, commission, slippage_cost, cash_after)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.runID, r.tradeSeq, f.Date.Format(dateLayout), f.Symbol, f.Quantity, f.Price, f.Notional,
				f.Commission, f.SlippageCost, f.CashAfter); err != nil {
				return fmt.Errorf("failed to insert trade: %w", err)
			}
		}
		return nil
	})
}

func (r *RunRecorder) RecordRejects(rejects []domain.ExecutionReject) error {
	return database.WithTransaction(r.conn(), func(tx *sql.Tx) error {
		for _, rj := range rejects {
			r.rejectSeq++
			if _, err := tx.Exec(`
				INSERT INTO rejects (run_id, seq, date, symbol, reason, detail, requested_quantity,
					executed_quantity, requested_notional, executed_notional)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.runID, r.rejectSeq, rj.Date.Format(dateLayout), rj.Symbol, rj.Reason, rj.Detail,
				rj.RequestedQuantity, rj.ExecutedQuantity, rj.RequestedNotional, rj.ExecutedNotional); err != nil {
				return fmt.Errorf("failed to insert reject: %w", err)
			}
		}
		return nil
	})
}

func (r *RunRecorder) RecordDay(m domain.DailyMetrics) error {
	_, err := r.conn().Exec(`
		INSERT INTO daily_metrics (run_id, date, bar_index, cash, equity, long_exposure, short_exposure,
			gross_exposure, net_exposure, daily_return, cumulative_return, peak, drawdown, turnover,
			commission, slippage, trades, rejects)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.runID, m.Date.Format(dateLayout), m.BarIndex, m.Cash, m.Equity, m.LongExposure, m.ShortExposure,
		m.GrossExposure, m.NetExposure, m.DailyReturn, m.CumulativeReturn, m.Peak, m.Drawdown, m.Turnover,
		m.Commission, m.Slippage, m.Trades, m.Rejects)
	if err != nil {
		return fmt.Errorf("failed to insert daily metrics: %w", err)
	}
	return nil
}

func (r *RunRecorder) RecordPositions(date time.Time, rows []domain.PositionRow) error {
	payload, err := msgpack.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode positions: %w", err)
	}
	if _, err := r.conn().Exec(`INSERT INTO positions (run_id, date, payload) VALUES (?, ?, ?)`,
		r.runID, date.Format(dateLayout), payload); err != nil {
		return fmt.Errorf("failed to insert positions: %w", err)
	}
	return nil
}

func (r *RunRecorder) RecordConstraintHits(hits []domain.ConstraintHit) error {
	return database.WithTransaction(r.conn(), func(tx *sql.Tx) error {
		for _, h := range hits {
			r.hitSeq++
			if _, err := tx.Exec(`
				INSERT INTO constraint_hits (run_id, seq, date, constraint_name, symbol, value_before, value_after, details)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, r.runID, r.hitSeq, h.Date.Format(dateLayout), h.Constraint, h.Symbol, h.Before, h.After, h.Details); err != nil {
				return fmt.Errorf("failed to insert constraint hit: %w", err)
			}
		}
		return nil
	})
}

func (r *RunRecorder) RecordLegWeights(date time.Time, leg string, weights domain.TargetWeights) error {
	return r.recordWeights(date, leg, weights)
}

func (r *RunRecorder) RecordBlendedWeights(date time.Time, weights domain.TargetWeights) error {
	return r.recordWeights(date, BlendedLeg, weights)
}

func (r *RunRecorder) recordWeights(date time.Time, leg string, weights domain.TargetWeights) error {
	payload, err := msgpack.Marshal(map[string]float64(weights))
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	if _, err := r.conn().Exec(`
		INSERT OR REPLACE INTO weights (run_id, date, leg, weights) VALUES (?, ?, ?, ?)
	`, r.runID, date.Format(dateLayout), leg, payload); err != nil {
		return fmt.Errorf("failed to insert weights: %w", err)
	}
	return nil
}

// Finish marks the run finished, or failed with runErr.
func (r *RunRecorder) Finish(ctx context.Context, runErr error) error {
	status, msg := RunFinished, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	_, err := r.conn().ExecContext(ctx, `UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, msg, time.Now().UTC().Format(time.RFC3339), r.runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", r.runID, err)
	}
	return nil
}

// Runs lists stored runs, newest first.
func (s *RunStore) Runs(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT run_id, name, strategy, initial_cash, status, COALESCE(error, ''), started_at, finished_at
		FROM runs ORDER BY started_at DESC, run_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var run RunRow
		var started string
		var finished sql.NullString
		if err := rows.Scan(&run.RunID, &run.Name, &run.Strategy, &run.InitialCash, &run.Status, &run.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("invalid started_at for run %s: %w", run.RunID, err)
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339, finished.String)
			if err != nil {
				return nil, fmt.Errorf("invalid finished_at for run %s: %w", run.RunID, err)
			}
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Days loads the daily metrics of a run in bar order.
func (s *RunStore) Days(ctx context.Context, runID string) ([]domain.DailyMetrics, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT date, bar_index, cash, equity, long_exposure, short_exposure, gross_exposure, net_exposure,
			daily_return, cumulative_return, peak, drawdown, turnover, commission, slippage, trades, rejects
		FROM daily_metrics WHERE run_id = ? ORDER BY bar_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyMetrics
	for rows.Next() {
		var m domain.DailyMetrics
		var date string
		if err := rows.Scan(&date, &m.BarIndex, &m.Cash, &m.Equity, &m.LongExposure, &m.ShortExposure,
			&m.GrossExposure, &m.NetExposure, &m.DailyReturn, &m.CumulativeReturn, &m.Peak, &m.Drawdown,
			&m.Turnover, &m.Commission, &m.Slippage, &m.Trades, &m.Rejects); err != nil {
			return nil, fmt.Errorf("failed to scan daily metrics: %w", err)
		}
		if m.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("invalid metrics date %q: %w", date, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Trades loads the fills of a run in execution order.
func (s *RunStore) Trades(ctx context.Context, runID string) ([]domain.TradeFill, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT date, symbol, quantity, price, notional, commission, slippage_cost, cash_after
		FROM trades WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeFill
	for rows.Next() {
		var f domain.TradeFill
		var date string
		if err := rows.Scan(&date, &f.Symbol, &f.Quantity, &f.Price, &f.Notional, &f.Commission, &f.SlippageCost, &f.CashAfter); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if f.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("invalid trade date %q: %w", date, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Positions loads the positions snapshot of one date.
func (s *RunStore) Positions(ctx context.Context, runID string, date time.Time) ([]domain.PositionRow, error) {
	var payload []byte
	err := s.db.Conn().QueryRowContext(ctx, `SELECT payload FROM positions WHERE run_id = ? AND date = ?`,
		runID, date.Format(dateLayout)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	var rows []domain.PositionRow
	if err := msgpack.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}
	for i := range rows {
		rows[i].Date = date
	}
	return rows, nil
}

// Weights loads a leg's (or the blend's) weights of one date.
func (s *RunStore) Weights(ctx context.Context, runID string, date time.Time, leg string) (domain.TargetWeights, error) {
	var payload []byte
	err := s.db.Conn().QueryRowContext(ctx, `SELECT weights FROM weights WHERE run_id = ? AND date = ? AND leg = ?`,
		runID, date.Format(dateLayout), leg).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query weights: %w", err)
	}
	var w map[string]float64
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	return domain.TargetWeights(w), nil
}

// Summary recomputes the summary of a stored run from its daily metrics.
func (s *RunStore) Summary(ctx context.Context, runID string) (Summary, error) {
	days, err := s.Days(ctx, runID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(days), nil
}
