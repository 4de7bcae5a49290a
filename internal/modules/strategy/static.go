package strategy

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/internal/modules/schedule"
)

// buyAndHold decides once, on the first bar with at least one priced symbol.
// Without configured weights every priced symbol gets score 1 and the sizer
// spreads the book.
type buyAndHold struct {
	weights domain.TargetWeights
	decided bool
	log     zerolog.Logger
}

func newBuyAndHold(spec rules.Spec) (Constructor, error) {
	weights, err := rules.GetFloatMapParam(spec.Params, "weights")
	if err != nil {
		return nil, err
	}
	return func(env Env) (Strategy, error) {
		s := &buyAndHold{log: env.Log.With().Str("component", "buy_and_hold").Logger()}
		if len(weights) > 0 {
			s.weights = domain.TargetWeights(weights).Clone()
		}
		return s, nil
	}, nil
}

func (s *buyAndHold) Name() string { return "buy_and_hold" }

func (s *buyAndHold) OnBar(h *data.History, _ domain.PortfolioSnapshot) (*domain.Decision, error) {
	if s.decided {
		return nil, nil
	}
	if s.weights != nil {
		s.decided = true
		return &domain.Decision{Weights: s.weights.Clone()}, nil
	}
	scores := make(map[string]float64)
	for _, sym := range h.Symbols() {
		if h.Bar(sym).HasClose() {
			scores[sym] = 1
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}
	s.decided = true
	s.log.Debug().Int("symbols", len(scores)).Time("date", h.Date()).Msg("Buy-and-hold decision")
	return &domain.Decision{Scores: scores}, nil
}

// targetWeights re-emits fixed weights on every rebalance date.
type targetWeights struct {
	weights  domain.TargetWeights
	schedule *schedule.Schedule
}

func newTargetWeights(spec rules.Spec) (Constructor, error) {
	weights, err := rules.GetFloatMapParam(spec.Params, "weights")
	if err != nil {
		return nil, err
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: weights", rules.ErrMissingParam)
	}
	schedSpec, err := scheduleSpec(spec.Params)
	if err != nil {
		return nil, err
	}
	if _, err := schedule.FromSpec(schedSpec); err != nil {
		return nil, err
	}
	return func(Env) (Strategy, error) {
		sched, err := schedule.FromSpec(schedSpec)
		if err != nil {
			return nil, err
		}
		return &targetWeights{weights: domain.TargetWeights(weights).Clone(), schedule: sched}, nil
	}, nil
}

// scheduleSpec reads the optional "schedule" parameter; absent means monthly.
func scheduleSpec(params rules.Params) (rules.Spec, error) {
	if _, ok := params["schedule"]; !ok {
		return rules.NewSpec(string(schedule.Monthly)), nil
	}
	return rules.RequireSpec(params, "schedule")
}

func (s *targetWeights) Name() string { return "target_weights" }

func (s *targetWeights) OnBar(h *data.History, _ domain.PortfolioSnapshot) (*domain.Decision, error) {
	if !s.schedule.ShouldRebalance(h.Date(), h.Index(), true) {
		return nil, nil
	}
	return &domain.Decision{Weights: s.weights.Clone()}, nil
}
