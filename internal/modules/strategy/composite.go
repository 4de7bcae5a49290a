package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/broker"
	"github.com/aristath/backtester/internal/modules/portfolio"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/internal/modules/sizing"
)

// Exposure policies normalize a leg's weights or the blend.
const (
	// ExposureNone keeps weights as they are.
	ExposureNone = "none"
	// ExposureGross scales weights so that Σ|w| = 1.
	ExposureGross = "gross"
	// ExposureCap scales weights down only when Σ|w| > 1.
	ExposureCap = "cap"
)

// LegConfig describes one composite leg.
type LegConfig struct {
	Name     string     `yaml:"name"`
	Alpha    float64    `yaml:"alpha"`
	Enabled  *bool      `yaml:"enabled"`
	Strategy rules.Spec `yaml:"strategy"`
	Sizing   rules.Spec `yaml:"sizing"`
	Exposure string     `yaml:"exposure"`
}

// CompositeConfig describes a composite strategy.
type CompositeConfig struct {
	Legs         []LegConfig `yaml:"legs"`
	AllowOverlap bool        `yaml:"allow_overlap"`
	Blend        string      `yaml:"blend"`
}

func normalize(w domain.TargetWeights, policy string) (domain.TargetWeights, float64) {
	gross := w.Gross()
	factor := 1.0
	switch policy {
	case ExposureGross:
		if gross > domain.Epsilon {
			factor = 1 / gross
		}
	case ExposureCap:
		if gross > 1 {
			factor = 1 / gross
		}
	}
	out := make(domain.TargetWeights, len(w))
	for sym, v := range w {
		out[sym] = v * factor
	}
	return out, factor
}

type leg struct {
	name     string
	alpha    float64
	exposure string
	strategy Strategy
	sizer    sizing.Sizer
	broker   *broker.Broker
	// contribution is alpha × normalized leg weights × blend factor.
	contribution domain.TargetWeights
	pending      domain.TargetWeights
}

// composite blends several legs, each trading its own sleeve.
type composite struct {
	cfg      CompositeConfig
	legs     []*leg
	reporter domain.Reporter
	log      zerolog.Logger
}

func decodeCompositeConfig(spec rules.Spec) (CompositeConfig, error) {
	var cfg CompositeConfig
	if _, err := rules.DecodeParam(spec.Params, "legs", &cfg.Legs); err != nil {
		return cfg, err
	}
	cfg.AllowOverlap = rules.GetBoolParam(spec.Params, "allow_overlap", false)
	cfg.Blend = rules.GetStringParam(spec.Params, "blend", ExposureNone)
	return cfg, validateCompositeConfig(&cfg)
}

func validateCompositeConfig(cfg *CompositeConfig) error {
	if err := rules.OneOf("blend", cfg.Blend, ExposureNone, ExposureGross, ExposureCap); err != nil {
		return err
	}
	if len(cfg.Legs) == 0 {
		return fmt.Errorf("%w: legs", rules.ErrMissingParam)
	}
	total := 0.0
	seen := make(map[string]bool)
	for i := range cfg.Legs {
		l := &cfg.Legs[i]
		if l.Name == "" {
			l.Name = fmt.Sprintf("leg_%d", i)
		}
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate leg name %q", rules.ErrInvalidParam, l.Name)
		}
		seen[l.Name] = true
		if l.Exposure == "" {
			l.Exposure = ExposureNone
		}
		if err := rules.OneOf("exposure", l.Exposure, ExposureNone, ExposureGross, ExposureCap); err != nil {
			return fmt.Errorf("leg %s: %w", l.Name, err)
		}
		if l.Strategy.Type == "composite" {
			return fmt.Errorf("%w: leg %s: composites cannot nest", rules.ErrInvalidParam, l.Name)
		}
		if l.Alpha < 0 || math.IsNaN(l.Alpha) {
			return fmt.Errorf("%w: leg %s: alpha must be non-negative", rules.ErrInvalidParam, l.Name)
		}
		if l.Enabled == nil || *l.Enabled {
			total += l.Alpha
		}
	}
	if total <= 0 {
		return fmt.Errorf("%w: enabled leg alphas must sum to a positive value", rules.ErrInvalidParam)
	}
	for i := range cfg.Legs {
		cfg.Legs[i].Alpha /= total
	}
	return nil
}

func newComposite(spec rules.Spec) (Constructor, error) {
	cfg, err := decodeCompositeConfig(spec)
	if err != nil {
		return nil, err
	}
	if _, err := buildComposite(cfg, Env{Log: zerolog.Nop(), InitialCash: 1, Broker: broker.DefaultConfig()}); err != nil {
		return nil, err
	}
	return func(env Env) (Strategy, error) {
		return buildComposite(cfg, env)
	}, nil
}

// NewComposite builds a composite from a config. Alphas are normalized.
func NewComposite(cfg CompositeConfig, env Env) (Strategy, error) {
	if cfg.Blend == "" {
		cfg.Blend = ExposureNone
	}
	legs := append([]LegConfig(nil), cfg.Legs...)
	cfg.Legs = legs
	if err := validateCompositeConfig(&cfg); err != nil {
		return nil, err
	}
	return buildComposite(cfg, env)
}

func buildComposite(cfg CompositeConfig, env Env) (*composite, error) {
	c := &composite{cfg: cfg, log: env.Log.With().Str("component", "composite").Logger()}
	for _, lc := range cfg.Legs {
		if lc.Enabled != nil && !*lc.Enabled {
			continue
		}
		legLog := env.Log.With().Str("leg", lc.Name).Logger()
		strat, err := New(lc.Strategy, Env{Log: legLog, InitialCash: env.InitialCash * lc.Alpha, Broker: env.Broker})
		if err != nil {
			return nil, fmt.Errorf("leg %s: %w", lc.Name, err)
		}
		sizer, err := sizing.New(lc.Sizing, legLog)
		if err != nil {
			return nil, fmt.Errorf("leg %s: %w", lc.Name, err)
		}
		b, err := broker.New(env.Broker, portfolio.New(env.InitialCash*lc.Alpha), legLog)
		if err != nil {
			return nil, fmt.Errorf("leg %s: %w", lc.Name, err)
		}
		c.legs = append(c.legs, &leg{
			name:     lc.Name,
			alpha:    lc.Alpha,
			exposure: lc.Exposure,
			strategy: strat,
			sizer:    sizer,
			broker:   b,
		})
	}
	return c, nil
}

func (c *composite) Name() string { return "composite" }

// SetReporter receives the run's reporter for leg and blend records.
func (c *composite) SetReporter(r domain.Reporter) {
	c.reporter = r
	for _, l := range c.legs {
		if ra, ok := l.strategy.(ReporterAware); ok {
			ra.SetReporter(r)
		}
	}
}

// Sleeve returns the portfolio of a leg.
func (c *composite) Sleeve(name string) (*portfolio.Portfolio, bool) {
	for _, l := range c.legs {
		if l.name == name {
			return l.broker.Portfolio(), true
		}
	}
	return nil, false
}

func (c *composite) OnBar(h *data.History, _ domain.PortfolioSnapshot) (*domain.Decision, error) {
	date := h.Date()
	market := h.Table().Snapshot(h.Index())

	legWeights := make([]domain.TargetWeights, len(c.legs))
	anyDecision := false
	for k, l := range c.legs {
		l.broker.Mark(market)
		prices := l.broker.MarkPrices(market)
		sleeve := l.broker.Portfolio().Snapshot(date, h.Index(), prices, l.broker.PositionStates())

		d, err := l.strategy.OnBar(h, sleeve)
		if err != nil {
			return nil, fmt.Errorf("leg %s: %w", l.name, err)
		}
		var w domain.TargetWeights
		if d == nil {
			w = l.broker.Portfolio().Weights(prices)
			if w == nil {
				w = domain.TargetWeights{}
			}
		} else {
			anyDecision = true
			if w, err = sizing.Apply(l.sizer, d, h, sleeve); err != nil {
				return nil, fmt.Errorf("leg %s: %w", l.name, err)
			}
		}
		w, _ = normalize(w, l.exposure)
		legWeights[k] = w
		if c.reporter != nil {
			if err := c.reporter.RecordLegWeights(date, l.name, w); err != nil {
				return nil, fmt.Errorf("failed to record leg weights: %w", err)
			}
		}
	}
	if !anyDecision {
		return nil, nil
	}
	if err := c.checkOverlap(legWeights); err != nil {
		return nil, fmt.Errorf("%s: %w", date.Format("2006-01-02"), err)
	}

	blended := make(domain.TargetWeights)
	for k, l := range c.legs {
		for sym, v := range legWeights[k] {
			blended[sym] += l.alpha * v
		}
	}
	blended, factor := normalize(blended, c.cfg.Blend)
	for k, l := range c.legs {
		l.contribution = make(domain.TargetWeights, len(legWeights[k]))
		for sym, v := range legWeights[k] {
			l.contribution[sym] = l.alpha * v * factor
		}
	}
	for sym, v := range blended {
		if math.Abs(v) <= domain.Epsilon {
			delete(blended, sym)
		}
	}
	if c.reporter != nil {
		if err := c.reporter.RecordBlendedWeights(date, blended); err != nil {
			return nil, fmt.Errorf("failed to record blended weights: %w", err)
		}
	}
	c.log.Debug().Time("date", date).Int("legs", len(c.legs)).Int("symbols", len(blended)).Msg("Blended leg weights")
	return &domain.Decision{Weights: blended}, nil
}

// checkOverlap enforces the overlap rule on non-zero leg weights.
func (c *composite) checkOverlap(legWeights []domain.TargetWeights) error {
	owner := make(map[string]int)
	for k, w := range legWeights {
		for _, sym := range domain.SortedKeys(w) {
			v := w[sym]
			if math.Abs(v) <= domain.Epsilon {
				continue
			}
			prev, ok := owner[sym]
			if !ok {
				owner[sym] = k
				continue
			}
			if !c.cfg.AllowOverlap {
				return fmt.Errorf("%w: legs %s and %s both target %s", ErrOverlapConflict, c.legs[prev].name, c.legs[k].name, sym)
			}
			if domain.SideOf(legWeights[prev][sym]) != domain.SideOf(v) {
				return fmt.Errorf("%w: legs %s and %s disagree on the side of %s", ErrOverlapConflict, c.legs[prev].name, c.legs[k].name, sym)
			}
		}
	}
	return nil
}

// OnConstrained re-derives each leg's sleeve target from the constrained blend:
// contribution × post/pre ÷ alpha.
func (c *composite) OnConstrained(_ time.Time, pre, post domain.TargetWeights) {
	for _, l := range c.legs {
		target := make(domain.TargetWeights, len(l.contribution))
		for sym, v := range l.contribution {
			p := pre[sym]
			if math.Abs(p) <= domain.Epsilon || l.alpha <= 0 {
				continue
			}
			if w := v * (post[sym] / p) / l.alpha; math.Abs(w) > domain.Epsilon {
				target[sym] = w
			}
		}
		l.pending = target
	}
}

// OnExecuted executes the pending sleeve targets at the open.
func (c *composite) OnExecuted(snapshot domain.MarketSnapshot) error {
	for _, l := range c.legs {
		if l.pending == nil {
			continue
		}
		res := l.broker.ExecuteTargetWeights(snapshot, l.pending)
		l.pending = nil
		c.log.Debug().Str("leg", l.name).Int("fills", len(res.Fills)).Int("rejects", len(res.Rejects)).Msg("Executed sleeve targets")
	}
	return nil
}
