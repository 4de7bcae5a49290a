package strategy

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/exits"
	"github.com/aristath/backtester/internal/modules/holding"
	"github.com/aristath/backtester/internal/modules/postprocess"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/internal/modules/schedule"
	"github.com/aristath/backtester/internal/modules/scoring"
	"github.com/aristath/backtester/internal/modules/selection"
	"github.com/aristath/backtester/internal/modules/signals"
	"github.com/aristath/backtester/internal/modules/state"
	"github.com/aristath/backtester/internal/modules/universe"
)

// Policies for an unmet min_candidates.
const (
	MinCandidatesSkip  = "skip"
	MinCandidatesRaise = "raise"
)

// PipelineConfig is the decoded configuration of a configurable strategy.
type PipelineConfig struct {
	Schedule            rules.Spec      `yaml:"schedule"`
	Universe            universe.Config `yaml:"universe"`
	Signals             rules.Spec      `yaml:"signals"`
	Scoring             rules.Spec      `yaml:"scoring"`
	Selection           rules.Spec      `yaml:"selection"`
	MinCandidates       int             `yaml:"min_candidates"`
	MinCandidatesPolicy string          `yaml:"min_candidates_policy"`
	Holding             rules.Spec      `yaml:"holding"`
	Exits               exits.Config    `yaml:"exits"`
	Postprocess         []rules.Spec    `yaml:"postprocess"`
}

func decodePipelineConfig(spec rules.Spec) (PipelineConfig, error) {
	var cfg PipelineConfig
	for key, out := range map[string]interface{}{
		"universe":    &cfg.Universe,
		"exits":       &cfg.Exits,
		"postprocess": &cfg.Postprocess,
	} {
		if _, err := rules.DecodeParam(spec.Params, key, out); err != nil {
			return cfg, err
		}
	}
	for key, out := range map[string]*rules.Spec{
		"schedule":  &cfg.Schedule,
		"signals":   &cfg.Signals,
		"holding":   &cfg.Holding,
		"scoring":   &cfg.Scoring,
		"selection": &cfg.Selection,
	} {
		if _, ok := spec.Params[key]; !ok {
			continue
		}
		s, err := rules.RequireSpec(spec.Params, key)
		if err != nil {
			return cfg, err
		}
		*out = s
	}
	if cfg.Scoring.IsZero() {
		return cfg, fmt.Errorf("%w: scoring", rules.ErrMissingParam)
	}
	if cfg.Selection.IsZero() {
		return cfg, fmt.Errorf("%w: selection", rules.ErrMissingParam)
	}
	if cfg.Schedule.IsZero() {
		cfg.Schedule = rules.NewSpec(string(schedule.Daily))
	}
	cfg.MinCandidates = rules.GetIntParam(spec.Params, "min_candidates", 0)
	if cfg.MinCandidates < 0 {
		return cfg, fmt.Errorf("%w: min_candidates must be non-negative", rules.ErrInvalidParam)
	}
	cfg.MinCandidatesPolicy = rules.GetStringParam(spec.Params, "min_candidates_policy", MinCandidatesSkip)
	if err := rules.OneOf("min_candidates_policy", cfg.MinCandidatesPolicy, MinCandidatesSkip, MinCandidatesRaise); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// pipeline is the configurable rule-based strategy.
type pipeline struct {
	cfg       PipelineConfig
	schedule  *schedule.Schedule
	universe  *universe.Universe
	provider  signals.Provider
	model     scoring.Model
	selector  selection.Selector
	holding   holding.Policy
	exits     *exits.Engine
	post      postprocess.Chain
	store     *state.Store
	holdScale map[string]float64
	log       zerolog.Logger
}

func newPipeline(spec rules.Spec) (Constructor, error) {
	cfg, err := decodePipelineConfig(spec)
	if err != nil {
		return nil, err
	}
	// Build once to validate every nested spec before any run starts.
	if _, err := buildPipeline(cfg, zerolog.Nop()); err != nil {
		return nil, err
	}
	return func(env Env) (Strategy, error) {
		return buildPipeline(cfg, env.Log)
	}, nil
}

// NewPipeline builds a configurable strategy from a decoded config.
func NewPipeline(cfg PipelineConfig, log zerolog.Logger) (Strategy, error) {
	if cfg.MinCandidatesPolicy == "" {
		cfg.MinCandidatesPolicy = MinCandidatesSkip
	}
	return buildPipeline(cfg, log)
}

func buildPipeline(cfg PipelineConfig, log zerolog.Logger) (*pipeline, error) {
	p := &pipeline{
		cfg:       cfg,
		store:     state.NewStore(),
		holdScale: make(map[string]float64),
		log:       log.With().Str("component", "pipeline").Logger(),
	}
	var err error
	if p.schedule, err = schedule.FromSpec(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	if p.universe, err = universe.New(cfg.Universe); err != nil {
		return nil, err
	}
	if p.provider, err = signals.New(cfg.Signals); err != nil {
		return nil, fmt.Errorf("signals: %w", err)
	}
	if p.model, err = scoring.New(cfg.Scoring); err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}
	if p.selector, err = selection.New(cfg.Selection); err != nil {
		return nil, fmt.Errorf("selection: %w", err)
	}
	if p.holding, err = holding.New(cfg.Holding); err != nil {
		return nil, fmt.Errorf("holding: %w", err)
	}
	if p.exits, err = exits.NewEngine(cfg.Exits); err != nil {
		return nil, fmt.Errorf("exits: %w", err)
	}
	if p.post, err = postprocess.NewChain(cfg.Postprocess); err != nil {
		return nil, fmt.Errorf("postprocess: %w", err)
	}
	return p, nil
}

func (p *pipeline) Name() string { return "pipeline" }

// Store exposes the position-state store.
func (p *pipeline) Store() *state.Store { return p.store }

func (p *pipeline) OnBar(h *data.History, snapshot domain.PortfolioSnapshot) (*domain.Decision, error) {
	i, date := h.Index(), h.Date()

	p.store.Sync(snapshot)
	rebalance := p.schedule.ShouldRebalance(date, i, false)

	eligible := p.universe.Eligible(h, func(sym string) bool { return p.store.InCooldown(sym, i) })
	rows := make(scoring.Rows, len(eligible))
	for _, sym := range eligible {
		if row := p.provider.Row(h, sym); row != nil {
			rows[sym] = row
		}
	}
	raw := p.model.Score(h, eligible, rows)

	var scores, holdScales map[string]float64
	if rebalance {
		selected := p.selector.Select(raw)
		if len(selected) < p.cfg.MinCandidates {
			if p.cfg.MinCandidatesPolicy == MinCandidatesRaise {
				return nil, fmt.Errorf("%s: %d selected, need %d: %w", date.Format("2006-01-02"), len(selected), p.cfg.MinCandidates, ErrInsufficientCandidates)
			}
			p.log.Debug().Time("date", date).Int("selected", len(selected)).Int("required", p.cfg.MinCandidates).
				Msg("Skipping rebalance, not enough candidates")
			rebalance = false
		} else {
			merged := p.holding.Merge(holding.Context{BarIndex: i, Selected: selected, Raw: raw, Store: p.store})
			scores, holdScales = merged.Scores, merged.Scales
			p.holdScale = merged.Scales
		}
	}
	if !rebalance {
		scores = make(map[string]float64)
		holdScales = make(map[string]float64)
		for _, sym := range p.store.Held() {
			scores[sym], _ = p.store.Score(sym)
			if s, ok := p.holdScale[sym]; ok {
				holdScales[sym] = s
			}
		}
	}

	changed := p.applyExits(h, scores)

	scales := make(map[string]float64, len(scores))
	for sym := range scores {
		scale := p.store.Scale(sym)
		if s, ok := holdScales[sym]; ok {
			scale = math.Min(scale, s)
		}
		if scale < 1 {
			scales[sym] = scale
		}
	}

	scores, scales = p.post.Apply(postprocess.Context{Previous: p.store.Score}, scores, scales)

	if !rebalance && !changed {
		return nil, nil
	}
	if rebalance {
		p.schedule.ShouldRebalance(date, i, true)
	}
	for sym, s := range scores {
		p.store.SetScore(sym, s)
	}
	p.log.Debug().Time("date", date).Bool("rebalance", rebalance).Int("scores", len(scores)).Msg("Pipeline decision")
	return &domain.Decision{Scores: scores, Scales: scales}, nil
}

// applyExits runs the exit engine over held symbols, removes exits from
// scores and stores shrunk scales and applied flags. It reports whether any
// exit fired or any scale shrank.
func (p *pipeline) applyExits(h *data.History, scores map[string]float64) bool {
	if p.exits.Empty() {
		return false
	}
	held := make([]domain.PositionState, 0)
	for _, sym := range p.store.Held() {
		st, _ := p.store.Get(sym)
		held = append(held, st)
	}
	outcome := p.exits.Evaluate(h, held)

	changed := false
	for _, sym := range domain.SortedKeys(outcome.Exits) {
		delete(scores, sym)
		if n := p.exits.CooldownBars(); n > 0 {
			p.store.StartCooldown(sym, h.Index()+n+1)
		}
		p.log.Debug().Str("symbol", sym).Str("reason", outcome.Exits[sym]).Msg("Exit rule fired")
		changed = true
	}
	for _, sym := range domain.SortedKeys(outcome.Scales) {
		scale := outcome.Scales[sym]
		if scale < p.store.Scale(sym) {
			p.store.ShrinkScale(sym, scale)
			changed = true
		}
		for _, flag := range outcome.Flags[sym] {
			p.store.SetFlag(sym, flag)
		}
	}
	return changed
}
