package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/domain"
)

func snap(states ...domain.PositionState) domain.PortfolioSnapshot {
	m := make(map[string]domain.PositionState)
	for _, st := range states {
		m[st.Symbol] = st
	}
	return domain.PortfolioSnapshot{PositionStates: m}
}

func TestSync_KeepsStrategyFieldsWhileHeld(t *testing.T) {
	s := NewStore()
	s.SetScore("A", 2)

	s.Sync(snap(domain.PositionState{Symbol: "A", Shares: 5, Side: domain.SideLong, EntryBarIndex: 1, TargetScale: 1}))
	st, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, 2.0, st.Score, "score recorded before entry carries over")

	s.ShrinkScale("A", 0.5)
	s.ShrinkScale("A", 0.8)
	s.SetFlag("A", "partial_exit")

	s.Sync(snap(domain.PositionState{Symbol: "A", Shares: 5, Side: domain.SideLong, EntryBarIndex: 1, HighWatermark: 120, TargetScale: 1}))
	st, _ = s.Get("A")
	assert.Equal(t, 0.5, st.TargetScale)
	assert.True(t, st.Flags["partial_exit"])
	assert.Equal(t, 120.0, st.HighWatermark)
}

func TestSync_ResetsOnFlipAndRemovesFlat(t *testing.T) {
	s := NewStore()
	s.Sync(snap(domain.PositionState{Symbol: "A", Shares: 5, Side: domain.SideLong, EntryBarIndex: 1, TargetScale: 1}))
	s.ShrinkScale("A", 0.5)
	s.SetFlag("A", "x")
	s.MarkDropped("A", 3)

	s.Sync(snap(domain.PositionState{Symbol: "A", Shares: -5, Side: domain.SideShort, EntryBarIndex: 4, TargetScale: 1}))
	st, _ := s.Get("A")
	assert.Equal(t, 1.0, st.TargetScale)
	assert.Empty(t, st.Flags)
	_, dropped := s.DroppedSince("A")
	assert.False(t, dropped)

	s.Sync(snap())
	assert.False(t, s.IsHeld("A"))
	_, ok := s.Score("A")
	assert.False(t, ok)
}

func TestCooldown(t *testing.T) {
	s := NewStore()
	s.StartCooldown("A", 10)

	assert.True(t, s.InCooldown("A", 9))
	assert.False(t, s.InCooldown("A", 10))
	assert.False(t, s.InCooldown("A", 5), "expired cooldown is forgotten")
}

func TestMarkDropped_KeepsFirstBar(t *testing.T) {
	s := NewStore()
	s.Sync(snap(domain.PositionState{Symbol: "A", Shares: 1, Side: domain.SideLong, TargetScale: 1}))

	s.MarkDropped("A", 3)
	s.MarkDropped("A", 5)
	bar, ok := s.DroppedSince("A")
	require.True(t, ok)
	assert.Equal(t, 3, bar)

	s.ClearDropped("A")
	_, ok = s.DroppedSince("A")
	assert.False(t, ok)
}
