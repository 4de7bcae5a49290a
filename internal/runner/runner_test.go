package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backtester/internal/config"
	"github.com/aristath/backtester/internal/reporting"
)

const pricesCSV = `date,symbol,open,high,low,close,volume
2024-01-02,AAA,100,110,100,110,1000000
2024-01-03,AAA,111,121,111,120,1000000
2024-01-04,AAA,125,130,125,130,1000000
`

const smokeYAML = `
name: smoke
initial_cash: 1000
strategy: {type: buy_and_hold}
data: {prices: prices.csv}
output:
  store: runs.db
  metrics: smoke.prom
`

var strictYAML = strings.Join([]string{
	"name: strict",
	"strategy:",
	"  type: pipeline",
	"  scoring: {type: column, column: mom}",
	"  selection: {type: top_n, \"n\": 1}",
	"  min_candidates: 2",
	"  min_candidates_policy: raise",
	"data: {prices: prices.csv, signals: signals.csv}",
	"output: {store: runs.db}",
}, "\n")

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// fixture writes the CSV inputs and returns a runner over a fresh data dir.
func fixture(t *testing.T) (*Runner, string) {
	t.Helper()
	inputs := t.TempDir()
	writeFile(t, inputs, "prices.csv", pricesCSV)
	writeFile(t, inputs, "signals.csv", "date,symbol,mom\n2024-01-02,AAA,1\n2024-01-03,AAA,1\n")
	r := New(&config.Config{DataDir: t.TempDir()}, zerolog.Nop())
	t.Cleanup(func() { _ = r.Close() })
	return r, inputs
}

func job(t *testing.T, inputs, name, doc string) Job {
	t.Helper()
	run, err := config.LoadRun(writeFile(t, inputs, name, doc))
	require.NoError(t, err)
	return Job{Run: run, BaseDir: inputs}
}

func TestExecute(t *testing.T) {
	r, inputs := fixture(t)
	ctx := context.Background()

	out, err := r.Execute(ctx, job(t, inputs, "smoke.yaml", smokeYAML))
	require.NoError(t, err)
	assert.Equal(t, "smoke", out.Name)
	assert.InDelta(t, 1171.171171, out.Summary.FinalEquity, 1e-6)
	assert.InDelta(t, 0.17117117, out.Summary.TotalReturn, 1e-6)
	assert.Equal(t, 3, out.Summary.Days)
	assert.Equal(t, 1, out.Result.Trades)
	require.NotEmpty(t, out.RunID)

	store, err := r.Store("runs.db")
	require.NoError(t, err)
	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.RunID, runs[0].RunID)
	assert.Equal(t, reporting.RunFinished, runs[0].Status)
	stored, err := store.Summary(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, out.Summary, stored)

	metrics, err := os.ReadFile(filepath.Join(r.env.DataDir, "smoke.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `backtest_trades_total{run="smoke",side="buy"} 1`)
}

func TestExecute_FailedRunIsStored(t *testing.T) {
	r, inputs := fixture(t)
	ctx := context.Background()

	out, err := r.Execute(ctx, job(t, inputs, "strict.yaml", strictYAML))
	require.Error(t, err)
	assert.Equal(t, 1, out.Result.Days)

	store, err := r.Store("runs.db")
	require.NoError(t, err)
	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, reporting.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "insufficient candidates")
}

func TestExecute_MissingInput(t *testing.T) {
	r, inputs := fixture(t)
	_, err := r.Execute(context.Background(),
		job(t, inputs, "x.yaml", "strategy: {type: buy_and_hold}\ndata: {prices: nope.csv}\n"))
	assert.ErrorContains(t, err, "prices")
}

func TestSweep(t *testing.T) {
	r, inputs := fixture(t)
	jobs := []Job{
		job(t, inputs, "smoke.yaml", smokeYAML),
		job(t, inputs, "strict.yaml", strictYAML),
		job(t, inputs, "hold.yaml", strings.NewReplacer("smoke", "hold").Replace(smokeYAML)),
	}

	var calls []int
	outcomes := r.Sweep(context.Background(), jobs, SweepOptions{
		Parallelism: 2,
		Progress:    func(done, total int, _ Outcome) { calls = append(calls, done) },
	})

	require.Len(t, outcomes, 3)
	assert.Equal(t, "smoke", outcomes[0].Name)
	assert.NoError(t, outcomes[0].Err)
	assert.ErrorContains(t, outcomes[1].Err, "insufficient candidates")
	assert.Equal(t, "hold", outcomes[2].Name)
	assert.Equal(t, outcomes[0].Summary.FinalEquity, outcomes[2].Summary.FinalEquity)
	assert.Equal(t, []int{1, 2, 3}, calls)

	store, err := r.Store("runs.db")
	require.NoError(t, err)
	runs, err := store.Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestProgressThrottle(t *testing.T) {
	var calls []int
	p := newProgressReporter(3, time.Hour, func(done, _ int, _ Outcome) { calls = append(calls, done) })
	p.finished(Outcome{})
	p.finished(Outcome{})
	p.finished(Outcome{})
	assert.Equal(t, []int{1, 3}, calls, "first report passes, then only the final one")
}
