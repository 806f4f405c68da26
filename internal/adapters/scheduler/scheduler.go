package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Runner drives each job on its own ticker until ctx is cancelled. A failing iteration is logged
// and retried on the next tick.
type Runner struct {
	logger *slog.Logger
	jobs   []Job
}

func NewRunner(logger *slog.Logger, jobs ...Job) *Runner {
	return &Runner{logger: logger, jobs: jobs}
}

func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		if job.Run == nil {
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	interval := job.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.RunOnce(ctx, job)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) RunOnce(ctx context.Context, job Job) {
	n, err := job.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.ErrorContext(ctx, "scheduled job failed",
			"module", "scheduler",
			"layer", "adapter",
			"operation", job.Name,
			"outcome", "failure",
			"error", err,
		)
		return
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "scheduled job processed items",
			"module", "scheduler",
			"layer", "adapter",
			"operation", job.Name,
			"outcome", "success",
			"count", n,
		)
	}
}
