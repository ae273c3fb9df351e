// Package scheduler runs the recurring orchestration jobs: wall-clock
// daily triggers and fixed intervals, one instance per job at a time,
// with fire times persisted so a restart can tell a missed run from a
// pending one.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lmartin/batfleet/internal/logging"
)

// Job is one recurring task. MisfireGrace bounds how stale a persisted
// fire time may be and still run at startup; Coalesce collapses any
// number of missed runs into at most one catch-up.
type Job struct {
	ID           string
	Trigger      Trigger
	MisfireGrace time.Duration
	Coalesce     bool
	Run          func(ctx context.Context) error
}

type scheduledJob struct {
	job     Job
	running atomic.Bool
	nextRun time.Time
}

type Scheduler struct {
	store   *JobStore
	mu      sync.Mutex
	jobs    map[string]*scheduledJob
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(store *JobStore) *Scheduler {
	return &Scheduler{store: store, jobs: make(map[string]*scheduledJob)}
}

// Register adds a job. Duplicate ids and registration after Start are
// programming errors, not runtime conditions.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" || job.Trigger == nil || job.Run == nil {
		return fmt.Errorf("scheduler: job %q incomplete", job.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: register %q after start", job.ID)
	}
	if _, dup := s.jobs[job.ID]; dup {
		return fmt.Errorf("scheduler: duplicate job id %q", job.ID)
	}
	s.jobs[job.ID] = &scheduledJob{job: job}
	return nil
}

// Start schedules every registered job. For each job the persisted fire
// time decides the first action: a future time is honored as-is, a past
// time within the misfire grace runs one coalesced catch-up, and a
// staler one is dropped with a log line.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	now := time.Now()

	for _, sj := range s.jobs {
		persisted, ok, err := s.store.NextRun(ctx, sj.job.ID)
		switch {
		case err != nil:
			logging.Warn("job state load failed, scheduling fresh", "job", sj.job.ID, "error", err)
			sj.nextRun = sj.job.Trigger.NextRun(now)
		case ok && persisted.After(now):
			sj.nextRun = persisted
		case ok: // persisted fire time is in the past
			late := now.Sub(persisted)
			if late <= sj.job.MisfireGrace && sj.job.Coalesce {
				logging.Info("running coalesced catch-up", "job", sj.job.ID, "late", late)
				s.fire(ctx, sj)
			} else {
				logging.Warn("missed run outside grace, skipping", "job", sj.job.ID,
					"plannedAt", persisted, "late", late)
			}
			sj.nextRun = sj.job.Trigger.NextRun(now)
		default:
			sj.nextRun = sj.job.Trigger.NextRun(now)
		}

		if err := s.store.SetNextRun(ctx, sj.job.ID, sj.nextRun); err != nil {
			logging.Warn("job state persist failed", "job", sj.job.ID, "error", err)
		}
		logging.Info("job scheduled", "job", sj.job.ID,
			"trigger", sj.job.Trigger.Describe(), "nextRun", sj.nextRun)

		s.wg.Add(1)
		go s.loop(ctx, sj)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, sj *scheduledJob) {
	defer s.wg.Done()
	for {
		wait := time.Until(sj.nextRun)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(ctx, sj)

		sj.nextRun = sj.job.Trigger.NextRun(time.Now())
		if err := s.store.SetNextRun(ctx, sj.job.ID, sj.nextRun); err != nil {
			logging.Warn("job state persist failed", "job", sj.job.ID, "error", err)
		}
	}
}

// fire launches one run unless the previous one is still going; a job
// never overlaps itself.
func (s *Scheduler) fire(ctx context.Context, sj *scheduledJob) {
	if !sj.running.CompareAndSwap(false, true) {
		logging.Warn("previous run still in progress, skipping", "job", sj.job.ID)
		return
	}

	runID := uuid.NewString()
	started := time.Now()
	logging.Info("job run starting", "job", sj.job.ID, "runId", runID)

	// Shutdown cancels the trigger loops only; a run already in flight
	// keeps going and is awaited within the shutdown budget.
	runCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sj.running.Store(false)

		status := "ok"
		if err := sj.job.Run(runCtx); err != nil {
			status = err.Error()
			logging.Error("job run failed", "job", sj.job.ID, "runId", runID, "error", err)
		} else {
			logging.Info("job run complete", "job", sj.job.ID, "runId", runID,
				"durationMs", time.Since(started).Milliseconds())
		}
		if err := s.store.RecordRun(runCtx, sj.job.ID, runID, started, status); err != nil {
			logging.Warn("job run record failed", "job", sj.job.ID, "error", err)
		}
	}()
}

// Shutdown stops the trigger loops and waits for in-flight runs to
// finish, bounded by the given context. Runs still going at the
// deadline are abandoned, not cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: shutdown timed out: %w", ctx.Err())
	}
}
