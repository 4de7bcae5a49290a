package reporting

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/backtester/internal/domain"
)

// Prometheus exposes a run as Prometheus metrics on its own registry. The
// gauges hold the latest day; counters accumulate over the run.
type Prometheus struct {
	registry *prometheus.Registry

	Equity        prometheus.Gauge
	Cash          prometheus.Gauge
	Drawdown      prometheus.Gauge
	GrossExposure prometheus.Gauge
	NetExposure   prometheus.Gauge
	Days          prometheus.Counter
	Trades        *prometheus.CounterVec
	Notional      prometheus.Counter
	Costs         *prometheus.CounterVec
	Rejects       *prometheus.CounterVec
	Hits          *prometheus.CounterVec
	LegGross      *prometheus.GaugeVec
}

// NewPrometheus creates the metrics with a constant "run" label.
func NewPrometheus(run string) *Prometheus {
	labels := prometheus.Labels{"run": run}
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_equity", Help: "Portfolio equity at the latest close", ConstLabels: labels,
		}),
		Cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_cash", Help: "Cash balance at the latest close", ConstLabels: labels,
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_drawdown_ratio", Help: "Drawdown from the running equity peak (non-positive)", ConstLabels: labels,
		}),
		GrossExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_gross_exposure_ratio", Help: "Gross exposure as a fraction of equity", ConstLabels: labels,
		}),
		NetExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_net_exposure_ratio", Help: "Net exposure as a fraction of equity", ConstLabels: labels,
		}),
		Days: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_days_total", Help: "Simulated trading days", ConstLabels: labels,
		}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_trades_total", Help: "Trade fills by side", ConstLabels: labels,
		}, []string{"side"}),
		Notional: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_traded_notional_total", Help: "Sum of absolute fill notional", ConstLabels: labels,
		}),
		Costs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_costs_total", Help: "Execution costs by kind", ConstLabels: labels,
		}, []string{"kind"}),
		Rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_rejects_total", Help: "Execution rejects by reason", ConstLabels: labels,
		}, []string{"reason"}),
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_constraint_hits_total", Help: "Constraint adjustments by constraint", ConstLabels: labels,
		}, []string{"constraint"}),
		LegGross: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backtest_leg_gross_weight", Help: "Latest gross weight per composite leg", ConstLabels: labels,
		}, []string{"leg"}),
	}
	p.registry.MustRegister(p.Equity, p.Cash, p.Drawdown, p.GrossExposure, p.NetExposure, p.Days,
		p.Trades, p.Notional, p.Costs, p.Rejects, p.Hits, p.LegGross)
	return p
}

// Registry returns the registry holding the run's metrics.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// WriteTextfile writes the metrics in the text exposition format, for the
// node exporter's textfile collector.
func (p *Prometheus) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func (p *Prometheus) RecordTrades(fills []domain.TradeFill) error {
	for _, f := range fills {
		p.Trades.WithLabelValues(f.Side()).Inc()
		if f.Notional < 0 {
			p.Notional.Add(-f.Notional)
		} else {
			p.Notional.Add(f.Notional)
		}
	}
	return nil
}

func (p *Prometheus) RecordRejects(rejects []domain.ExecutionReject) error {
	for _, r := range rejects {
		p.Rejects.WithLabelValues(r.Reason).Inc()
	}
	return nil
}

func (p *Prometheus) RecordDay(m domain.DailyMetrics) error {
	p.Equity.Set(m.Equity)
	p.Cash.Set(m.Cash)
	p.Drawdown.Set(m.Drawdown)
	p.GrossExposure.Set(m.GrossExposure)
	p.NetExposure.Set(m.NetExposure)
	p.Days.Inc()
	p.Costs.WithLabelValues("commission").Add(m.Commission)
	p.Costs.WithLabelValues("slippage").Add(m.Slippage)
	return nil
}

func (p *Prometheus) RecordPositions(time.Time, []domain.PositionRow) error { return nil }

func (p *Prometheus) RecordConstraintHits(hits []domain.ConstraintHit) error {
	for _, h := range hits {
		p.Hits.WithLabelValues(h.Constraint).Inc()
	}
	return nil
}

func (p *Prometheus) RecordLegWeights(_ time.Time, leg string, weights domain.TargetWeights) error {
	p.LegGross.WithLabelValues(leg).Set(weights.Gross())
	return nil
}

func (p *Prometheus) RecordBlendedWeights(_ time.Time, weights domain.TargetWeights) error {
	p.LegGross.WithLabelValues(BlendedLeg).Set(weights.Gross())
	return nil
}
