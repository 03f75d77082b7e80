package floofbot

import (
	"context"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// periodicTask runs fn every interval until its context is cancelled
type periodicTask struct {
	name     string
	interval time.Duration

	// runOnStart runs fn once right away, instead of waiting for the
	// first tick
	runOnStart bool
	fn         func(ctx context.Context) error
}

// run blocks until ctx is cancelled. Errors from fn are logged, and don't
// stop the task.
func (t periodicTask) run(ctx context.Context, logger *slog.Logger) {
	logger = logger.With("task", t.name, "interval", t.interval)
	logger.InfoContext(ctx, "starting periodic task")
	defer logger.InfoContext(ctx, "periodic task stopped")

	exec := func() {
		started := time.Now()
		if err := t.fn(ctx); err != nil {
			logger.ErrorContext(ctx, "periodic task failed", tint.Err(err))
			return
		}
		logger.DebugContext(ctx, "periodic task finished", "duration", time.Since(started))
	}

	if t.runOnStart {
		exec()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exec()
		}
	}
}

// runPeriodic runs all tasks until ctx is cancelled
func runPeriodic(ctx context.Context, logger *slog.Logger, tasks ...periodicTask) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		if t.interval <= 0 {
			logger.WarnContext(ctx, "skipping task with no interval", "task", t.name)
			continue
		}
		t := t
		g.Go(
			func() error {
				t.run(gctx, logger)
				return nil
			},
		)
	}
	return g.Wait()
}

func (bot *FloofBot) periodicTasks() []periodicTask {
	return []periodicTask{
		{
			name:       "activity_cleanup",
			interval:   bot.config.Activity.CleanupInterval,
			runOnStart: true,
			fn:         bot.activity.cleanup,
		},
		{
			name:       "birthday_check",
			interval:   bot.config.Birthdays.CheckInterval,
			runOnStart: true,
			fn:         bot.birthdays.announce,
		},
		{
			name:       "stats_refresh",
			interval:   bot.config.Stats.Interval,
			runOnStart: true,
			fn:         bot.stats.refresh,
		},
	}
}

func (bot *FloofBot) runPeriodicTasks(ctx context.Context) error {
	return runPeriodic(ctx, bot.logger.With(loggerNameKey, "tasks"), bot.periodicTasks()...)
}
