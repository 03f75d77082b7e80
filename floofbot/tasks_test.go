package floofbot

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunPeriodic(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var startRuns, tickRuns, failures atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- runPeriodic(
			ctx,
			slog.Default(),
			periodicTask{
				name:       "on_start",
				interval:   time.Hour,
				runOnStart: true,
				fn: func(context.Context) error {
					startRuns.Add(1)
					return nil
				},
			},
			periodicTask{
				name:     "ticking",
				interval: 5 * time.Millisecond,
				fn: func(context.Context) error {
					tickRuns.Add(1)
					return nil
				},
			},
			periodicTask{
				name:     "failing",
				interval: 5 * time.Millisecond,
				fn: func(context.Context) error {
					failures.Add(1)
					return errors.New("try again")
				},
			},
			periodicTask{
				name: "no_interval",
				fn: func(context.Context) error {
					t.Error("task without an interval ran")
					return nil
				},
			},
		)
	}()

	require.Eventually(
		t, func() bool {
			return tickRuns.Load() >= 3 && failures.Load() >= 3
		},
		time.Second,
		time.Millisecond,
	)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runPeriodic didn't stop")
	}
	assert.Equal(t, int64(1), startRuns.Load())
}

func TestPeriodicTasks(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	tasks := bot.periodicTasks()
	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		names = append(names, task.name)
		assert.True(t, task.runOnStart)
		assert.Positive(t, task.interval, task.name)
	}
	assert.Equal(t, []string{"activity_cleanup", "birthday_check", "stats_refresh"}, names)
}
