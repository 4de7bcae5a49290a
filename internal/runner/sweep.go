package runner

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepOptions bounds a sweep.
type SweepOptions struct {
	Parallelism int           // 0 means GOMAXPROCS
	Throttle    time.Duration // minimum spacing of progress reports
	Progress    ProgressFunc
}

// Sweep executes jobs with at most opts.Parallelism runs in flight. A failed
// run does not stop the others; its error is kept in its Outcome. Outcomes
// are returned in job order.
func (r *Runner) Sweep(ctx context.Context, jobs []Job, opts SweepOptions) []Outcome {
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	progress := newProgressReporter(len(jobs), opts.Throttle, opts.Progress)
	outcomes := make([]Outcome, len(jobs))

	r.log.Info().Int("runs", len(jobs)).Int("parallelism", limit).Msg("Starting sweep")
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(limit)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			out, err := r.Execute(ctx, job)
			out.Name = job.Run.Name
			out.Err = err
			outcomes[i] = out
			progress.finished(out)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	r.log.Info().Int("runs", len(jobs)).Int("failed", failed).Dur("elapsed", time.Since(start)).Msg("Sweep finished")
	return outcomes
}
