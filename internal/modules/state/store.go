// Package state keeps the strategy-owned side of per-symbol position state:
// last-known scores, target scales, one-shot flags, cooldowns and
// dropped-since markers. The broker owns entry metadata; Sync merges the two.
//
// A Store belongs to exactly one run or sleeve.
package state

import (
	"github.com/aristath/backtester/internal/domain"
)

// Store is the position-state store of one configurable strategy.
type Store struct {
	states    map[string]*domain.PositionState
	scores    map[string]float64
	cooldowns map[string]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		states:    make(map[string]*domain.PositionState),
		scores:    make(map[string]float64),
		cooldowns: make(map[string]int),
	}
}

// Sync re-derives the held states from the portfolio snapshot. A symbol whose
// side or entry bar changed starts over with scale 1 and no flags; a symbol no
// longer held is removed.
func (s *Store) Sync(snapshot domain.PortfolioSnapshot) {
	for sym, fresh := range snapshot.PositionStates {
		prev, ok := s.states[sym]
		st := fresh
		if ok && prev.Side == fresh.Side && prev.EntryBarIndex == fresh.EntryBarIndex {
			st.TargetScale = prev.TargetScale
			st.Flags = prev.Flags
			st.DroppedSince = prev.DroppedSince
		} else {
			st.TargetScale = 1
			st.Flags = make(map[string]bool)
			st.DroppedSince = nil
		}
		if until, ok := s.cooldowns[sym]; ok {
			u := until
			st.CooldownUntil = &u
		}
		st.Score = s.scores[sym]
		s.states[sym] = &st
	}
	for sym := range s.states {
		if _, ok := snapshot.PositionStates[sym]; !ok {
			delete(s.states, sym)
			delete(s.scores, sym)
		}
	}
}

// Held returns the symbols currently tracked, sorted.
func (s *Store) Held() []string { return domain.SortedKeys(s.states) }

// IsHeld reports whether the symbol is held.
func (s *Store) IsHeld(sym string) bool {
	_, ok := s.states[sym]
	return ok
}

// Get returns a copy of the symbol's state.
func (s *Store) Get(sym string) (domain.PositionState, bool) {
	st, ok := s.states[sym]
	if !ok {
		return domain.PositionState{}, false
	}
	out := *st
	out.Flags = make(map[string]bool, len(st.Flags))
	for k, v := range st.Flags {
		out.Flags[k] = v
	}
	return out, true
}

// All returns copies of every held state.
func (s *Store) All() map[string]domain.PositionState {
	out := make(map[string]domain.PositionState, len(s.states))
	for sym := range s.states {
		out[sym], _ = s.Get(sym)
	}
	return out
}

// Score returns the last-known score of sym.
func (s *Store) Score(sym string) (float64, bool) {
	v, ok := s.scores[sym]
	return v, ok
}

// SetScore records the last-known score of sym, held or about to be entered.
func (s *Store) SetScore(sym string, score float64) {
	s.scores[sym] = score
	if st, ok := s.states[sym]; ok {
		st.Score = score
	}
}

// Scale returns the stored target scale of a held symbol, 1 if unknown.
func (s *Store) Scale(sym string) float64 {
	if st, ok := s.states[sym]; ok {
		return st.TargetScale
	}
	return 1
}

// ShrinkScale lowers the stored target scale; it never raises it.
func (s *Store) ShrinkScale(sym string, scale float64) {
	st, ok := s.states[sym]
	if !ok {
		return
	}
	if scale < st.TargetScale {
		st.TargetScale = scale
	}
}

// Flag reports whether a one-shot flag is set on a held symbol.
func (s *Store) Flag(sym, name string) bool {
	if st, ok := s.states[sym]; ok {
		return st.Flags[name]
	}
	return false
}

// SetFlag sets a one-shot flag on a held symbol.
func (s *Store) SetFlag(sym, name string) {
	if st, ok := s.states[sym]; ok {
		st.Flags[name] = true
	}
}

// MarkDropped records the first bar on which a held symbol fell out of the selection.
func (s *Store) MarkDropped(sym string, barIndex int) {
	st, ok := s.states[sym]
	if !ok || st.DroppedSince != nil {
		return
	}
	b := barIndex
	st.DroppedSince = &b
}

// ClearDropped forgets the dropped-since marker.
func (s *Store) ClearDropped(sym string) {
	if st, ok := s.states[sym]; ok {
		st.DroppedSince = nil
	}
}

// DroppedSince returns the bar at which sym was first dropped.
func (s *Store) DroppedSince(sym string) (int, bool) {
	if st, ok := s.states[sym]; ok && st.DroppedSince != nil {
		return *st.DroppedSince, true
	}
	return 0, false
}

// StartCooldown blocks re-entry of sym until (exclusive) bar index until.
func (s *Store) StartCooldown(sym string, until int) {
	s.cooldowns[sym] = until
	if st, ok := s.states[sym]; ok {
		u := until
		st.CooldownUntil = &u
	}
}

// InCooldown reports whether sym is blocked at barIndex. Expired cooldowns are forgotten.
func (s *Store) InCooldown(sym string, barIndex int) bool {
	until, ok := s.cooldowns[sym]
	if !ok {
		return false
	}
	if barIndex >= until {
		delete(s.cooldowns, sym)
		return false
	}
	return true
}
