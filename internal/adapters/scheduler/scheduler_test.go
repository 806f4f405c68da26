package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerRunsJobsUntilCancelled(t *testing.T) {
	t.Parallel()
	var calls, failures atomic.Int32
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(logger,
		Job{Name: "count", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
			calls.Add(1)
			return 1, nil
		}},
		Job{Name: "fail", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
			failures.Add(1)
			return 0, errors.New("boom")
		}},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if err := runner.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected repeated runs, got %d", calls.Load())
	}
	if failures.Load() < 2 {
		t.Fatalf("failing job should keep being retried, got %d", failures.Load())
	}
}
