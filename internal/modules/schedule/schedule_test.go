package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aristath/backtester/internal/modules/rules"
)

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// fire runs the schedule over consecutive weekdays and returns the firing dates.
func fire(t *testing.T, s *Schedule, from, to time.Time) []time.Time {
	t.Helper()
	var out []time.Time
	i := 0
	for date := from; !date.After(to); date = date.AddDate(0, 0, 1) {
		if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
			continue
		}
		if s.ShouldRebalance(date, i, true) {
			out = append(out, date)
		}
		i++
	}
	return out
}

func TestDailyAlwaysTrue(t *testing.T) {
	s, err := New(Config{Cadence: Daily})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.True(t, s.ShouldRebalance(d(2024, 1, 1+i), i, i%2 == 0))
	}
}

func TestMonthly(t *testing.T) {
	s, err := New(Config{Cadence: Monthly})
	require.NoError(t, err)

	got := fire(t, s, d(2024, 1, 15), d(2024, 3, 31))
	assert.Equal(t, []time.Time{d(2024, 1, 15), d(2024, 2, 1), d(2024, 3, 1)}, got)
}

func TestQuarterlyAndAnnually(t *testing.T) {
	q, err := New(Config{Cadence: Quarterly})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{d(2024, 2, 1), d(2024, 4, 1), d(2024, 7, 1)}, fire(t, q, d(2024, 2, 1), d(2024, 8, 31)))

	a, err := New(Config{Cadence: Annually})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{d(2023, 12, 28), d(2024, 1, 1)}, fire(t, a, d(2023, 12, 28), d(2024, 6, 30)))
}

func TestWeekly(t *testing.T) {
	s, err := New(Config{Cadence: Weekly})
	require.NoError(t, err)
	// 2024-01-03 is a Wednesday; ISO weeks start on Monday.
	assert.Equal(t, []time.Time{d(2024, 1, 3), d(2024, 1, 8), d(2024, 1, 15)}, fire(t, s, d(2024, 1, 3), d(2024, 1, 19)))

	fri, err := New(Config{Cadence: Weekly, Weekday: "friday"})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{d(2024, 1, 3), d(2024, 1, 5), d(2024, 1, 12)}, fire(t, fri, d(2024, 1, 3), d(2024, 1, 16)))
}

func TestEveryNDays(t *testing.T) {
	s, err := New(Config{Cadence: EveryNDays, N: 3})
	require.NoError(t, err)

	assert.True(t, s.ShouldRebalance(d(2024, 1, 1), 0, true))
	assert.False(t, s.ShouldRebalance(d(2024, 1, 2), 1, true))
	assert.False(t, s.ShouldRebalance(d(2024, 1, 3), 2, true))
	assert.True(t, s.ShouldRebalance(d(2024, 1, 8), 3, true), "bar index difference wins over calendar days")

	// Without indices the calendar distance is used.
	assert.False(t, s.ShouldRebalance(d(2024, 1, 10), -1, true))
	assert.True(t, s.ShouldRebalance(d(2024, 1, 11), -1, true))
}

func TestCron(t *testing.T) {
	s, err := New(Config{Cadence: Cron, Expression: "0 0 1,15 * *"})
	require.NoError(t, err)

	got := fire(t, s, d(2024, 1, 2), d(2024, 2, 16))
	assert.Equal(t, []time.Time{d(2024, 1, 2), d(2024, 1, 15), d(2024, 2, 1), d(2024, 2, 15)}, got)

	_, err = New(Config{Cadence: Cron, Expression: "not cron"})
	assert.ErrorIs(t, err, rules.ErrInvalidParam)
}

func TestFromSpec(t *testing.T) {
	s, err := FromSpec(rules.NewSpec("every_n_days", "n", 5))
	require.NoError(t, err)
	assert.Equal(t, EveryNDays, s.Cadence())

	_, err = FromSpec(rules.NewSpec("hourly"))
	assert.ErrorIs(t, err, rules.ErrUnknownRule)

	_, err = FromSpec(rules.NewSpec("weekly", "weekday", "someday"))
	assert.ErrorIs(t, err, rules.ErrInvalidParam)
}

func TestPeekNeverChangesLaterCommit(t *testing.T) {
	cadences := []Config{
		{Cadence: Weekly},
		{Cadence: Monthly},
		{Cadence: Quarterly},
		{Cadence: EveryNDays, N: 4},
		{Cadence: Weekly, Weekday: "tue"},
		{Cadence: Cron, Expression: "@monthly"},
	}
	rapid.Check(t, func(t *rapid.T) {
		cfg := rapid.SampledFrom(cadences).Draw(t, "cadence")
		peeked, _ := New(cfg)
		plain, _ := New(cfg)

		date := d(2024, 1, 1)
		for i := 0; i < 60; i++ {
			date = date.AddDate(0, 0, rapid.IntRange(1, 5).Draw(t, "gap"))
			for p := rapid.IntRange(0, 3).Draw(t, "peeks"); p > 0; p-- {
				peeked.ShouldRebalance(date, i, false)
			}
			if peeked.ShouldRebalance(date, i, true) != plain.ShouldRebalance(date, i, true) {
				t.Fatalf("peeking changed the committed outcome on %s", date)
			}
		}
	})
}

func TestPeekDoesNotInitialize(t *testing.T) {
	s, err := New(Config{Cadence: Monthly})
	require.NoError(t, err)

	assert.True(t, s.ShouldRebalance(d(2024, 1, 5), 0, false))
	assert.False(t, s.State().Initialized)
	assert.True(t, s.ShouldRebalance(d(2024, 1, 6), 1, true))
	assert.Equal(t, d(2024, 1, 6), s.State().LastDate)
	assert.False(t, s.ShouldRebalance(d(2024, 1, 7), 2, false))
}
