// Package constraints scales proposed target weights into the feasible set.
//
// Every adjustment is proportional: one global factor per step, never a
// per-symbol priority. Each step that changes anything produces a hit.
package constraints

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
)

// Constraint names used in hits.
const (
	NoShort         = "no_short"
	MaxPositionSize = "max_position_size"
	MaxLeverage     = "max_leverage"
	MaxNetExposure  = "max_net_exposure"
	MaxTurnover     = "max_turnover"
)

// Config holds the portfolio-level caps. Zero optional caps are disabled.
type Config struct {
	MaxLeverage     float64 `yaml:"max_leverage" json:"max_leverage"`
	MaxPositionSize float64 `yaml:"max_position_size" json:"max_position_size"`
	AllowShort      bool    `yaml:"allow_short" json:"allow_short"`
	MaxNetExposure  float64 `yaml:"max_net_exposure" json:"max_net_exposure"`
	MaxTurnover     float64 `yaml:"max_turnover" json:"max_turnover"`
}

// DefaultConfig returns a long-only, unlevered configuration.
func DefaultConfig() Config {
	return Config{MaxLeverage: 1, MaxPositionSize: 1}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var problems []string
	if c.MaxLeverage <= 0 {
		problems = append(problems, "max_leverage must be positive")
	}
	if c.MaxPositionSize <= 0 {
		problems = append(problems, "max_position_size must be positive")
	}
	if c.MaxNetExposure < 0 {
		problems = append(problems, "max_net_exposure must be non-negative")
	}
	if c.MaxTurnover < 0 {
		problems = append(problems, "max_turnover must be non-negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid constraints: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Constraints applies a Config.
type Constraints struct {
	cfg Config
	log zerolog.Logger
}

// New creates a constraint set.
func New(cfg Config, log zerolog.Logger) (*Constraints, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Constraints{cfg: cfg, log: log.With().Str("component", "constraints").Logger()}, nil
}

// Config returns the configuration.
func (c *Constraints) Config() Config { return c.cfg }

// Apply returns feasible weights and the adjustments made. current holds the
// weights implied by today's holdings; it is only needed by the turnover cap.
// The input map is not modified.
func (c *Constraints) Apply(date time.Time, weights, current domain.TargetWeights) (domain.TargetWeights, []domain.ConstraintHit) {
	w := weights.Clone()
	var hits []domain.ConstraintHit
	hit := func(name, sym string, before, after float64, details string) {
		hits = append(hits, domain.ConstraintHit{
			Date: date, Constraint: name, Symbol: sym, Before: before, After: after, Details: details,
		})
	}

	c.dropShorts(w, hit, "")
	c.clipPositions(w, hit, "")
	c.capLeverage(w, hit, "")
	c.capNet(w, hit, "")

	if c.cfg.MaxTurnover > 0 {
		turnover := 0.0
		for _, sym := range union(w, current) {
			turnover += math.Abs(w[sym] - current[sym])
		}
		if turnover > c.cfg.MaxTurnover+domain.Epsilon {
			f := c.cfg.MaxTurnover / turnover
			for _, sym := range union(w, current) {
				w[sym] = current[sym] + f*(w[sym]-current[sym])
			}
			hit(MaxTurnover, "", turnover, c.cfg.MaxTurnover, fmt.Sprintf("trade delta scaled by %.6f", f))

			// Current holdings may sit outside the caps; the caps win over turnover.
			c.dropShorts(w, hit, " after turnover")
			c.clipPositions(w, hit, " after turnover")
			c.capLeverage(w, hit, " after turnover")
			c.capNet(w, hit, " after turnover")
		}
	}

	for sym, v := range w {
		if math.Abs(v) <= domain.Epsilon {
			delete(w, sym)
		}
	}

	if len(hits) > 0 {
		c.log.Debug().Time("date", date).Int("hits", len(hits)).Msg("Constraints adjusted weights")
	}

	return w, hits
}

func (c *Constraints) dropShorts(w domain.TargetWeights, hit func(string, string, float64, float64, string), suffix string) {
	if c.cfg.AllowShort {
		return
	}
	for _, sym := range domain.SortedKeys(w) {
		if w[sym] < -domain.Epsilon {
			hit(NoShort, sym, w[sym], 0, "short weight removed"+suffix)
			delete(w, sym)
		}
	}
}

func (c *Constraints) clipPositions(w domain.TargetWeights, hit func(string, string, float64, float64, string), suffix string) {
	limit := c.cfg.MaxPositionSize
	for _, sym := range domain.SortedKeys(w) {
		v := w[sym]
		if math.Abs(v) > limit+domain.Epsilon {
			clipped := math.Copysign(limit, v)
			w[sym] = clipped
			hit(MaxPositionSize, sym, v, clipped, "clipped"+suffix)
		}
	}
}

func (c *Constraints) capLeverage(w domain.TargetWeights, hit func(string, string, float64, float64, string), suffix string) {
	gross := w.Gross()
	if gross > c.cfg.MaxLeverage+domain.Epsilon {
		f := c.cfg.MaxLeverage / gross
		scale(w, f)
		hit(MaxLeverage, "", gross, w.Gross(), fmt.Sprintf("scaled by %.6f%s", f, suffix))
	}
}

func (c *Constraints) capNet(w domain.TargetWeights, hit func(string, string, float64, float64, string), suffix string) {
	if c.cfg.MaxNetExposure <= 0 {
		return
	}
	net := w.Net()
	if math.Abs(net) > c.cfg.MaxNetExposure+domain.Epsilon {
		f := c.cfg.MaxNetExposure / math.Abs(net)
		scale(w, f)
		hit(MaxNetExposure, "", net, w.Net(), fmt.Sprintf("scaled by %.6f%s", f, suffix))
	}
}

func scale(w domain.TargetWeights, f float64) {
	for sym := range w {
		w[sym] *= f
	}
}

func union(a, b domain.TargetWeights) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	return domain.SortedKeys(set)
}
