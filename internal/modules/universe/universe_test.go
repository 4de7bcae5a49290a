package universe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/modules/rules"
	testutil "github.com/aristath/backtester/internal/testing"
)

func TestEligible_Sources(t *testing.T) {
	table := testutil.NewFrames().
		Closes("A", 10, 11).
		Closes("B", 20, 21).
		Signal(1, "B", map[string]float64{"alpha": 1}).
		Signal(1, "C", map[string]float64{"alpha": 2}).
		Table(t)
	h := table.History(1)

	prices, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, prices.Eligible(h, nil))

	signals, err := New(Config{Source: SourceSignals})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, signals.Eligible(h, nil), "C has no price rows so it is not in the table")

	both, err := New(Config{Source: SourceBoth})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, both.Eligible(h, nil))

	assert.Equal(t, []string{"A"}, prices.Eligible(h, func(s string) bool { return s == "B" }))

	_, err = New(Config{Source: "options"})
	assert.ErrorIs(t, err, rules.ErrInvalidParam)
}

func TestFilters(t *testing.T) {
	nan := math.NaN()
	table := testutil.NewFrames().
		Closes("CHEAP", 1, 1, 1, 1).
		Closes("GAPPY", 50, nan, 50, 50).
		Closes("STEADY", 100, 100, 100, 100).
		Closes("WILD", 100, 150, 80, 160).
		SignalSeries("STEADY", "alpha", 1, 1, 1, 1).
		Table(t)
	h := table.History(3)

	tests := []struct {
		name     string
		filter   rules.Spec
		expected []string
	}{
		{"whitelist", rules.NewSpec("whitelist", "symbols", []interface{}{"WILD", "CHEAP"}), []string{"CHEAP", "WILD"}},
		{"blacklist", rules.NewSpec("blacklist", "symbols", "WILD"), []string{"CHEAP", "GAPPY", "STEADY"}},
		{"min_price", rules.NewSpec("min_price", "min", 10), []string{"GAPPY", "STEADY", "WILD"}},
		{"min_avg_volume", rules.NewSpec("min_avg_volume", "min", 1e6, "lookback", 3), []string{"CHEAP", "GAPPY", "STEADY", "WILD"}},
		{"min_avg_dollar_volume", rules.NewSpec("min_avg_dollar_volume", "min", 1e7), []string{"GAPPY", "STEADY", "WILD"}},
		{"require_signals", rules.NewSpec("require_signals", "columns", []interface{}{"alpha"}), []string{"STEADY"}},
		{"no_missing_prices", rules.NewSpec("no_missing_prices", "lookback", 4), []string{"CHEAP", "STEADY", "WILD"}},
		{"no_missing_prices short window", rules.NewSpec("no_missing_prices", "lookback", 2), []string{"CHEAP", "GAPPY", "STEADY", "WILD"}},
		{"max_volatility", rules.NewSpec("max_volatility", "max", 1.0, "lookback", 3), []string{"CHEAP", "STEADY"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := New(Config{Filters: []rules.Spec{tt.filter}})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u.Eligible(h, nil))
		})
	}
}

func TestNoMissingPrices_WarmUp(t *testing.T) {
	table := testutil.NewFrames().
		Closes("A", 10, 11, 12, 13).
		Table(t)
	u, err := New(Config{Filters: []rules.Spec{rules.NewSpec("no_missing_prices", "lookback", 3)}})
	require.NoError(t, err)

	assert.Empty(t, u.Eligible(table.History(0), nil))
	assert.Empty(t, u.Eligible(table.History(1), nil))
	assert.Equal(t, []string{"A"}, u.Eligible(table.History(2), nil))
}

func TestFilterConstructionErrors(t *testing.T) {
	_, err := New(Config{Filters: []rules.Spec{rules.NewSpec("min_price")}})
	assert.ErrorIs(t, err, rules.ErrMissingParam)

	_, err = New(Config{Filters: []rules.Spec{rules.NewSpec("sector")}})
	assert.ErrorIs(t, err, rules.ErrUnknownRule)
}
