package runner

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProgressFunc receives sweep progress. Calls never overlap.
type ProgressFunc func(done, total int, last Outcome)

// progressReporter throttles sweep progress reports. The final report always
// bypasses the throttle.
type progressReporter struct {
	mu          sync.Mutex
	total       int
	done        int
	lastReport  time.Time
	minInterval time.Duration
	sink        ProgressFunc
}

func newProgressReporter(total int, minInterval time.Duration, sink ProgressFunc) *progressReporter {
	return &progressReporter{total: total, minInterval: minInterval, sink: sink}
}

func (p *progressReporter) finished(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	if p.sink == nil {
		return
	}
	now := time.Now()
	if now.Sub(p.lastReport) < p.minInterval && p.done != p.total && o.Err == nil {
		return
	}
	p.lastReport = now
	p.sink(p.done, p.total, o)
}

// LogProgress reports sweep progress at Info, and failed runs at Warn.
func LogProgress(log zerolog.Logger) ProgressFunc {
	return func(done, total int, last Outcome) {
		ev := log.Info()
		if last.Err != nil {
			ev = log.Warn().Err(last.Err)
		}
		ev.Int("done", done).Int("total", total).Str("last", last.Name).Msg("Sweep progress")
	}
}
