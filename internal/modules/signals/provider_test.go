package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/modules/rules"
	testutil "github.com/aristath/backtester/internal/testing"
)

func features(kv ...interface{}) rules.Spec {
	var list []interface{}
	for i := 0; i+1 < len(kv); i += 2 {
		list = append(list, map[string]interface{}{"type": kv[i], "lookback": kv[i+1]})
	}
	return rules.Spec{Params: rules.Params{"features": list}}
}

func TestPassthrough(t *testing.T) {
	table := testutil.NewFrames().
		Closes("A", 10, 11).
		Signal(1, "A", map[string]float64{"alpha": 0.3}).
		Table(t)

	p, err := New(rules.Spec{})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"alpha": 0.3}, p.Row(table.History(1), "A"))
	assert.Nil(t, p.Row(table.History(0), "A"))
}

func TestComputed(t *testing.T) {
	table := testutil.NewFrames().Closes("A", 100, 105, 110, 120).Table(t)

	spec := features("momentum", 3, "sma_ratio", 2)
	spec.Type = "computed"
	p, err := New(spec)
	require.NoError(t, err)

	row := p.Row(table.History(3), "A")
	assert.InDelta(t, 0.2, row["momentum_3"], 1e-9)
	assert.InDelta(t, 120/115.0-1, row["sma_ratio_2"], 1e-9)

	early := p.Row(table.History(1), "A")
	assert.NotContains(t, early, "momentum_3", "not enough history")
}

func TestHybridPrefersTableValues(t *testing.T) {
	table := testutil.NewFrames().
		Closes("A", 100, 110).
		Closes("B", 50, 55).
		Signal(1, "A", map[string]float64{"return_1": 9}).
		Table(t)

	spec := rules.Spec{Type: "hybrid", Params: rules.Params{"features": []interface{}{"return"}}}
	p, err := New(spec)
	require.NoError(t, err)

	h := table.History(1)
	assert.Equal(t, 9.0, p.Row(h, "A")["return_1"])
	assert.InDelta(t, 0.1, p.Row(h, "B")["return_1"], 1e-9)
}

func TestProviderErrors(t *testing.T) {
	_, err := New(rules.Spec{Type: "computed"})
	assert.ErrorIs(t, err, rules.ErrMissingParam)

	bad := features("astrology", 3)
	bad.Type = "computed"
	_, err = New(bad)
	assert.ErrorIs(t, err, rules.ErrInvalidParam)

	_, err = New(rules.Spec{Type: "oracle"})
	assert.ErrorIs(t, err, rules.ErrUnknownRule)
}
