package exits

import (
	"fmt"
	"math"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/rules"
)

// Precedence modes.
const (
	ExitOverScale = "exit_over_scale"
	ScaleOverExit = "scale_over_exit"
	FirstMatch    = "first_match"
)

// Config describes an exit engine.
type Config struct {
	Rules        []rules.Spec `yaml:"rules" json:"rules"`
	Precedence   string       `yaml:"precedence" json:"precedence"`
	CooldownBars int          `yaml:"cooldown_bars" json:"cooldown_bars"`
}

// Engine evaluates every rule over every held position.
type Engine struct {
	rules        []Rule
	precedence   string
	cooldownBars int
}

// Outcome holds the resolved result of one bar.
type Outcome struct {
	// Exits maps symbol → reason of the winning exit.
	Exits map[string]string
	// Scales maps symbol → minimum scale over every applied scale action.
	Scales map[string]float64
	// Flags maps symbol → one-shot flags to set because their action was applied.
	Flags map[string][]string
}

// NewEngine builds the engine; an empty precedence means exit_over_scale.
func NewEngine(cfg Config) (*Engine, error) {
	precedence := cfg.Precedence
	if precedence == "" {
		precedence = ExitOverScale
	}
	if err := rules.OneOf("precedence", precedence, ExitOverScale, ScaleOverExit, FirstMatch); err != nil {
		return nil, err
	}
	if cfg.CooldownBars < 0 {
		return nil, fmt.Errorf("%w: cooldown_bars must be non-negative", rules.ErrInvalidParam)
	}
	built, err := Rules.BuildAll(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return &Engine{rules: built, precedence: precedence, cooldownBars: cfg.CooldownBars}, nil
}

// CooldownBars returns how many bars an exited symbol stays out of the universe.
func (e *Engine) CooldownBars() int { return e.cooldownBars }

// Empty reports whether the engine has no rules.
func (e *Engine) Empty() bool { return len(e.rules) == 0 }

// Evaluate runs the rules over the held states, in lexicographic symbol order.
func (e *Engine) Evaluate(h *data.History, held []domain.PositionState) Outcome {
	out := Outcome{
		Exits:  make(map[string]string),
		Scales: make(map[string]float64),
		Flags:  make(map[string][]string),
	}
	for _, st := range held {
		var exit *Action
		var scales []*Action
		for _, rule := range e.rules {
			a := rule.Evaluate(h, st)
			if a == nil {
				continue
			}
			if a.Exit {
				if exit == nil {
					exit = a
				}
			} else {
				scales = append(scales, a)
			}
			if e.precedence == FirstMatch {
				break
			}
		}

		applyScales := func() {
			min := 1.0
			for _, a := range scales {
				min = math.Min(min, a.Scale)
				if a.Flag != "" {
					out.Flags[st.Symbol] = append(out.Flags[st.Symbol], a.Flag)
				}
			}
			out.Scales[st.Symbol] = min
		}

		switch {
		case exit == nil && len(scales) == 0:
		case e.precedence == ScaleOverExit && len(scales) > 0:
			applyScales()
		case exit != nil:
			out.Exits[st.Symbol] = exit.Reason
		default:
			applyScales()
		}
	}
	return out
}
