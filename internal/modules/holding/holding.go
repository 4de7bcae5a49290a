// Package holding merges rebalance candidates with the current book.
package holding

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/rules"
	"github.com/aristath/backtester/internal/modules/state"
)

// Refresh modes for the score of a held symbol that is kept without being selected.
const (
	// RefreshSigned keeps the held side and takes today's |raw score|.
	RefreshSigned = "signed"
	// RefreshRaw takes today's raw score verbatim.
	RefreshRaw = "raw"
	// RefreshKeep keeps the last-known score.
	RefreshKeep = "keep"
)

// Context is the input of one merge.
type Context struct {
	BarIndex int
	// Selected holds the sign-adjusted candidates of today's rebalance.
	Selected map[string]float64
	// Raw holds today's raw scores of every scored symbol.
	Raw   map[string]float64
	Store *state.Store
}

// Result is the merged book: scores carry the side, scales shrink sizes.
type Result struct {
	Scores map[string]float64
	Scales map[string]float64
}

func newResult() Result {
	return Result{Scores: make(map[string]float64), Scales: make(map[string]float64)}
}

// Policy merges candidates with holdings.
type Policy interface {
	Name() string
	Merge(ctx Context) Result
}

// Policies is the closed registry of holding policies.
var Policies = rules.NewRegistry[Policy]("holding policy")

func init() {
	Policies.Register("replace_all", newReplaceAll)
	Policies.Register("sticky_rank", newStickyRank)
	Policies.Register("min_hold", newMinHold)
	Policies.Register("score_decay", newScoreDecay)
	Policies.Register("hybrid", newHybrid)
}

// New builds the policy named by spec; an empty spec means replace_all.
func New(spec rules.Spec) (Policy, error) {
	if spec.IsZero() {
		return &replaceAll{exitIfNotSelected: true}, nil
	}
	return Policies.Build(spec)
}

type refresher struct {
	mode string
}

func parseRefresh(spec rules.Spec) (refresher, error) {
	mode := rules.GetStringParam(spec.Params, "refresh", RefreshSigned)
	return refresher{mode: mode}, rules.OneOf("refresh", mode, RefreshSigned, RefreshRaw, RefreshKeep)
}

// score returns the refreshed score of a held, unselected symbol. Without a
// raw score today the last-known score is kept.
func (r refresher) score(sym string, ctx Context) float64 {
	last, _ := ctx.Store.Score(sym)
	raw, ok := ctx.Raw[sym]
	if !ok || math.IsNaN(raw) {
		return last
	}
	switch r.mode {
	case RefreshRaw:
		return raw
	case RefreshKeep:
		return last
	default:
		side := domain.SideOf(last)
		if st, held := ctx.Store.Get(sym); held {
			side = st.Side
		}
		return float64(side) * math.Abs(raw)
	}
}

func (r refresher) retain(res Result, sym string, ctx Context) {
	res.Scores[sym] = r.score(sym, ctx)
}

type replaceAll struct {
	exitIfNotSelected bool
	refresher
}

func newReplaceAll(spec rules.Spec) (Policy, error) {
	r, err := parseRefresh(spec)
	if err != nil {
		return nil, err
	}
	return &replaceAll{
		exitIfNotSelected: rules.GetBoolParam(spec.Params, "exit_if_not_selected", true),
		refresher:         r,
	}, nil
}

func (p *replaceAll) Name() string { return "replace_all" }

func (p *replaceAll) Merge(ctx Context) Result {
	res := newResult()
	for sym, s := range ctx.Selected {
		res.Scores[sym] = s
	}
	if !p.exitIfNotSelected {
		for _, sym := range ctx.Store.Held() {
			if _, ok := res.Scores[sym]; !ok {
				p.retain(res, sym, ctx)
			}
		}
	}
	return res
}

// stickyRank keeps a held symbol while its rank on its own side stays within
// keepRank. The book size stays at the number of selected candidates.
type stickyRank struct {
	keepRank int
	refresher
}

func newStickyRank(spec rules.Spec) (Policy, error) {
	keep, err := rules.RequireInt(spec.Params, "keep_rank")
	if err != nil {
		return nil, err
	}
	if err := rules.Positive("keep_rank", float64(keep)); err != nil {
		return nil, err
	}
	r, err := parseRefresh(spec)
	if err != nil {
		return nil, err
	}
	return &stickyRank{keepRank: keep, refresher: r}, nil
}

func (p *stickyRank) Name() string { return "sticky_rank" }

// sideRanks returns 1-based ranks of raw scores per side: longs descending,
// shorts ascending.
func sideRanks(raw map[string]float64) map[string]int {
	var longs, shorts []string
	for sym, s := range raw {
		switch {
		case s > 0:
			longs = append(longs, sym)
		case s < 0:
			shorts = append(shorts, sym)
		}
	}
	byStrength := func(list []string) {
		sort.Slice(list, func(i, j int) bool {
			a, b := math.Abs(raw[list[i]]), math.Abs(raw[list[j]])
			if a == b {
				return list[i] < list[j]
			}
			return a > b
		})
	}
	byStrength(longs)
	byStrength(shorts)
	ranks := make(map[string]int, len(raw))
	for i, s := range longs {
		ranks[s] = i + 1
	}
	for i, s := range shorts {
		ranks[s] = i + 1
	}
	return ranks
}

func (p *stickyRank) Merge(ctx Context) Result {
	res := newResult()
	k := len(ctx.Selected)
	ranks := sideRanks(ctx.Raw)

	type kept struct {
		sym  string
		rank int
	}
	var retained []kept
	for _, sym := range ctx.Store.Held() {
		st, _ := ctx.Store.Get(sym)
		raw, ok := ctx.Raw[sym]
		if !ok || domain.SideOf(raw) != st.Side {
			continue
		}
		if r := ranks[sym]; r > 0 && r <= p.keepRank {
			retained = append(retained, kept{sym, r})
		}
	}
	sort.Slice(retained, func(i, j int) bool {
		if retained[i].rank == retained[j].rank {
			return retained[i].sym < retained[j].sym
		}
		return retained[i].rank < retained[j].rank
	})
	for _, r := range retained {
		if len(res.Scores) >= k {
			break
		}
		if s, ok := ctx.Selected[r.sym]; ok {
			res.Scores[r.sym] = s
		} else {
			p.retain(res, r.sym, ctx)
		}
	}

	candidates := domain.SortedKeys(ctx.Selected)
	sort.SliceStable(candidates, func(i, j int) bool {
		return math.Abs(ctx.Selected[candidates[i]]) > math.Abs(ctx.Selected[candidates[j]])
	})
	for _, sym := range candidates {
		if len(res.Scores) >= k {
			break
		}
		if _, ok := res.Scores[sym]; !ok {
			res.Scores[sym] = ctx.Selected[sym]
		}
	}
	return res
}

// minHold keeps held symbols for at least minBars bars after entry.
type minHold struct {
	minBars int
	refresher
}

func newMinHold(spec rules.Spec) (Policy, error) {
	bars, err := rules.RequireInt(spec.Params, "min_bars")
	if err != nil {
		return nil, err
	}
	if err := rules.Positive("min_bars", float64(bars)); err != nil {
		return nil, err
	}
	r, err := parseRefresh(spec)
	if err != nil {
		return nil, err
	}
	return &minHold{minBars: bars, refresher: r}, nil
}

func (p *minHold) Name() string { return "min_hold" }

func (p *minHold) Merge(ctx Context) Result {
	res := newResult()
	for sym, s := range ctx.Selected {
		res.Scores[sym] = s
	}
	for _, sym := range ctx.Store.Held() {
		if _, ok := res.Scores[sym]; ok {
			continue
		}
		st, _ := ctx.Store.Get(sym)
		if st.BarsHeld(ctx.BarIndex) < p.minBars {
			p.retain(res, sym, ctx)
		}
	}
	return res
}

// scoreDecay shrinks a dropped holding geometrically per bar since it was
// first dropped and exits it once the scale falls below minScale.
type scoreDecay struct {
	decay    float64
	minScale float64
	refresher
}

func newScoreDecay(spec rules.Spec) (Policy, error) {
	decay := rules.GetFloatParam(spec.Params, "decay", 0.5)
	if hl := rules.GetFloatParam(spec.Params, "half_life", 0); hl > 0 {
		decay = math.Pow(0.5, 1/hl)
	}
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("%w: decay must be within (0, 1), got %v", rules.ErrInvalidParam, decay)
	}
	minScale := rules.GetFloatParam(spec.Params, "min_scale", 0.1)
	if err := rules.InRange("min_scale", minScale, 0, 1); err != nil {
		return nil, err
	}
	r, err := parseRefresh(spec)
	if err != nil {
		return nil, err
	}
	return &scoreDecay{decay: decay, minScale: minScale, refresher: r}, nil
}

func (p *scoreDecay) Name() string { return "score_decay" }

func (p *scoreDecay) Merge(ctx Context) Result {
	res := newResult()
	for sym, s := range ctx.Selected {
		res.Scores[sym] = s
		ctx.Store.ClearDropped(sym)
	}
	for _, sym := range ctx.Store.Held() {
		if _, ok := res.Scores[sym]; ok {
			continue
		}
		ctx.Store.MarkDropped(sym, ctx.BarIndex)
		since, _ := ctx.Store.DroppedSince(sym)
		scale := math.Pow(p.decay, float64(ctx.BarIndex-since+1))
		if scale < p.minScale {
			continue
		}
		p.retain(res, sym, ctx)
		res.Scales[sym] = scale
	}
	return res
}

// hybrid runs a base policy and lets an overlay policy retain extra holdings.
type hybrid struct {
	base, overlay Policy
}

func newHybrid(spec rules.Spec) (Policy, error) {
	baseSpec, err := rules.RequireSpec(spec.Params, "base")
	if err != nil {
		return nil, err
	}
	overlaySpec, err := rules.RequireSpec(spec.Params, "overlay")
	if err != nil {
		return nil, err
	}
	if baseSpec.Type == "hybrid" || overlaySpec.Type == "hybrid" {
		return nil, fmt.Errorf("%w: hybrid policies cannot nest", rules.ErrInvalidParam)
	}
	base, err := Policies.Build(baseSpec)
	if err != nil {
		return nil, err
	}
	overlay, err := Policies.Build(overlaySpec)
	if err != nil {
		return nil, err
	}
	return &hybrid{base: base, overlay: overlay}, nil
}

func (p *hybrid) Name() string { return "hybrid" }

func (p *hybrid) Merge(ctx Context) Result {
	res := p.base.Merge(ctx)
	extra := p.overlay.Merge(ctx)
	for sym, s := range extra.Scores {
		if _, ok := res.Scores[sym]; !ok {
			res.Scores[sym] = s
		}
	}
	for sym, scale := range extra.Scales {
		if _, ok := res.Scores[sym]; !ok {
			continue
		}
		if cur, ok := res.Scales[sym]; !ok || scale < cur {
			res.Scales[sym] = scale
		}
	}
	return res
}
