package scheduler_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmartin/batfleet/internal/scheduler"
	"github.com/lmartin/batfleet/internal/storage"
)

func newTestStore(t *testing.T) *scheduler.JobStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return scheduler.NewJobStore(db)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := scheduler.New(newTestStore(t))
	job := scheduler.Job{
		ID:      "refresh",
		Trigger: scheduler.IntervalTrigger{Every: time.Minute},
		Run:     func(ctx context.Context) error { return nil },
	}
	require.NoError(t, s.Register(job))
	assert.Error(t, s.Register(job), "duplicate job ids are configuration bugs")
}

func TestRegisterRejectsIncompleteJob(t *testing.T) {
	s := scheduler.New(newTestStore(t))
	assert.Error(t, s.Register(scheduler.Job{ID: "no-trigger"}))
	assert.Error(t, s.Register(scheduler.Job{
		Trigger: scheduler.IntervalTrigger{Every: time.Minute},
		Run:     func(ctx context.Context) error { return nil },
	}), "missing id")
}

func TestIntervalJobRunsRepeatedly(t *testing.T) {
	s := scheduler.New(newTestStore(t))
	var runs atomic.Int32
	require.NoError(t, s.Register(scheduler.Job{
		ID:      "ticker",
		Trigger: scheduler.IntervalTrigger{Every: 30 * time.Millisecond},
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	assert.NoError(t, s.Shutdown(shutdownCtx))
}

func TestSingleInstancePerJob(t *testing.T) {
	s := scheduler.New(newTestStore(t))
	var concurrent, peak atomic.Int32
	release := make(chan struct{})

	require.NoError(t, s.Register(scheduler.Job{
		ID:      "slow",
		Trigger: scheduler.IntervalTrigger{Every: 20 * time.Millisecond},
		Run: func(ctx context.Context) error {
			n := concurrent.Add(1)
			defer concurrent.Add(-1)
			if n > peak.Load() {
				peak.Store(n)
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	// Let several trigger ticks pass while the first run is blocked.
	waitFor(t, 2*time.Second, func() bool { return concurrent.Load() == 1 })
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), peak.Load(), "overlapping runs of one job are forbidden")

	close(release)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	assert.NoError(t, s.Shutdown(shutdownCtx))
}

func TestShutdownWaitsForInFlightRun(t *testing.T) {
	s := scheduler.New(newTestStore(t))
	var startedRun, finished, interrupted atomic.Bool

	require.NoError(t, s.Register(scheduler.Job{
		ID:      "slow-sweep",
		Trigger: scheduler.IntervalTrigger{Every: 10 * time.Millisecond},
		Run: func(ctx context.Context) error {
			startedRun.Store(true)
			select {
			case <-time.After(200 * time.Millisecond):
				finished.Store(true)
			case <-ctx.Done():
				interrupted.Store(true)
			}
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	waitFor(t, 2*time.Second, func() bool { return startedRun.Load() })
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))

	assert.True(t, finished.Load(), "the in-flight run completes inside the budget")
	assert.False(t, interrupted.Load(), "shutdown stops new triggers, not a run already going")
}

func TestMissedRunWithinGraceIsCoalesced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Simulate a restart: the persisted fire time is slightly in the past.
	require.NoError(t, store.SetNextRun(ctx, "catchup", time.Now().Add(-time.Minute)))

	s := scheduler.New(store)
	var runs atomic.Int32
	require.NoError(t, s.Register(scheduler.Job{
		ID:           "catchup",
		Trigger:      scheduler.DailyTrigger{Hour: 23, Minute: 59},
		MisfireGrace: 5 * time.Minute,
		Coalesce:     true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, s.Start(runCtx))

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
	assert.Equal(t, int32(1), runs.Load(), "exactly one catch-up, not one per missed tick")
}

func TestMissedRunOutsideGraceIsDropped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetNextRun(ctx, "stale", time.Now().Add(-time.Hour)))

	s := scheduler.New(store)
	var runs atomic.Int32
	require.NoError(t, s.Register(scheduler.Job{
		ID:           "stale",
		Trigger:      scheduler.DailyTrigger{Hour: 23, Minute: 59},
		MisfireGrace: 5 * time.Minute,
		Coalesce:     true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, s.Start(runCtx))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, runs.Load(), "too-stale work is dropped, not replayed")

	next, ok, err := store.NextRun(ctx, "stale")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.After(time.Now()), "a fresh fire time was persisted")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
}

func TestJobStorePersistsAcrossHandles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.NextRun(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, ok)

	planned := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.SetNextRun(ctx, "job1", planned))
	require.NoError(t, store.RecordRun(ctx, "job1", "run-1", time.Now(), "ok"))

	got, ok, err := store.NextRun(ctx, "job1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, planned.Unix(), got.Unix())
}
