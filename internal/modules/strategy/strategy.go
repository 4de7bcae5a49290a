// Package strategy defines the Strategy abstraction, its optional engine
// hooks, and the closed registry of strategy kinds.
package strategy

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/data"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/broker"
	"github.com/aristath/backtester/internal/modules/rules"
)

var (
	// ErrInsufficientCandidates aborts a run when a rebalance selects fewer
	// candidates than min_candidates under the raise policy.
	ErrInsufficientCandidates = errors.New("insufficient candidates")
	// ErrOverlapConflict aborts a composite run when legs collide on a symbol.
	ErrOverlapConflict = errors.New("composite overlap conflict")
)

// Strategy decides at a bar's close. A nil decision means "no decision".
type Strategy interface {
	Name() string
	OnBar(h *data.History, snapshot domain.PortfolioSnapshot) (*domain.Decision, error)
}

// ConstraintObserver receives the weights before and after top-level constraints.
type ConstraintObserver interface {
	OnConstrained(date time.Time, pre, post domain.TargetWeights)
}

// ExecutionObserver runs after the engine executed pending weights at the open.
type ExecutionObserver interface {
	OnExecuted(snapshot domain.MarketSnapshot) error
}

// ReporterAware strategies emit their own records.
type ReporterAware interface {
	SetReporter(r domain.Reporter)
}

// Env carries run-level collaborators to strategy constructors.
type Env struct {
	Log         zerolog.Logger
	InitialCash float64
	Broker      broker.Config
}

// Constructor builds a fresh strategy for one run. Specs are validated when
// the constructor is built, before any run starts.
type Constructor func(env Env) (Strategy, error)

// Strategies is the closed registry of strategy kinds.
var Strategies = rules.NewRegistry[Constructor]("strategy")

func init() {
	Strategies.Register("buy_and_hold", newBuyAndHold)
	Strategies.Register("target_weights", newTargetWeights)
	Strategies.Register("pipeline", newPipeline)
	Strategies.Register("composite", newComposite)
}

// New validates spec and builds the strategy.
func New(spec rules.Spec, env Env) (Strategy, error) {
	ctor, err := Strategies.Build(spec)
	if err != nil {
		return nil, err
	}
	return ctor(env)
}
