package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/modules/rules"
)

var scores = map[string]float64{
	"A": 3, "B": 1, "C": -2, "D": 0, "E": -0.5, "F": 2, "G": 1,
}

func TestSelectors(t *testing.T) {
	tests := []struct {
		name     string
		spec     rules.Spec
		expected map[string]float64
	}{
		{
			name:     "top_n long",
			spec:     rules.NewSpec("top_n", "n", 3),
			expected: map[string]float64{"A": 3, "F": 2, "B": 1},
		},
		{
			name:     "top_n short",
			spec:     rules.NewSpec("top_n", "n", 2, "side", "short"),
			expected: map[string]float64{"C": -2, "E": -0.5},
		},
		{
			name:     "top_n_long_short",
			spec:     rules.NewSpec("top_n_long_short", "n_long", 1, "n_short", 5),
			expected: map[string]float64{"A": 3, "C": -2, "E": -0.5},
		},
		{
			name:     "threshold",
			spec:     rules.NewSpec("threshold", "long_above", 2, "short_below", -1),
			expected: map[string]float64{"A": 3, "F": 2, "C": -2},
		},
		{
			name:     "quantile both",
			spec:     rules.NewSpec("quantile", "q", 0.34, "side", "both"),
			expected: map[string]float64{"A": 3, "F": 2, "C": -2, "E": -0.5},
		},
		{
			name:     "quantile takes at least one",
			spec:     rules.NewSpec("quantile", "q", 0.01),
			expected: map[string]float64{"A": 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := New(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sel.Select(scores))
		})
	}
}

func TestSelectors_KeepScoreSide(t *testing.T) {
	mixed := map[string]float64{"A": 2, "B": -3, "C": -1, "D": 0}
	tests := []struct {
		name     string
		spec     rules.Spec
		scores   map[string]float64
		expected map[string]float64
	}{
		{
			name:     "top_n long skips negative scores",
			spec:     rules.NewSpec("top_n", "n", 3),
			scores:   mixed,
			expected: map[string]float64{"A": 2},
		},
		{
			name:     "top_n short skips positive scores",
			spec:     rules.NewSpec("top_n", "n", 3, "side", "short"),
			scores:   mixed,
			expected: map[string]float64{"B": -3, "C": -1},
		},
		{
			name:     "top_n long over only shorts is empty",
			spec:     rules.NewSpec("top_n", "n", 10),
			scores:   map[string]float64{"A": 0, "B": -1},
			expected: map[string]float64{},
		},
		{
			name:     "quantile short over only longs is empty",
			spec:     rules.NewSpec("quantile", "q", 0.5, "side", "short"),
			scores:   map[string]float64{"A": 2, "B": 3},
			expected: map[string]float64{},
		},
		{
			name:     "quantile long skips negative scores",
			spec:     rules.NewSpec("quantile", "q", 0.5),
			scores:   map[string]float64{"A": -5, "B": -4, "C": 1, "D": -1},
			expected: map[string]float64{"C": 1},
		},
		{
			name:     "quantile both takes each side by sign",
			spec:     rules.NewSpec("quantile", "q", 0.5, "side", "both"),
			scores:   mixed,
			expected: map[string]float64{"A": 2, "B": -3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := New(tt.spec)
			require.NoError(t, err)
			got := sel.Select(tt.scores)
			assert.Equal(t, tt.expected, got)
			for sym, w := range got {
				assert.Equal(t, tt.scores[sym] > 0, w > 0, sym)
			}
		})
	}
}

func TestSelectorErrors(t *testing.T) {
	for _, spec := range []rules.Spec{
		rules.NewSpec("top_n"),
		rules.NewSpec("top_n", "n", 0),
		rules.NewSpec("top_n", "n", 1, "side", "sideways"),
		rules.NewSpec("top_n_long_short"),
		rules.NewSpec("threshold"),
		rules.NewSpec("threshold", "long_above", 0, "short_below", 1),
		rules.NewSpec("quantile", "q", 0.9),
		rules.NewSpec("lottery"),
	} {
		_, err := New(spec)
		assert.Error(t, err, spec.Type)
	}
}
