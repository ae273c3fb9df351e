package scheduler

import (
	"context"
	"database/sql"
	"time"
)

// JobStore persists per-job run state so a restarted process knows what
// it missed. Times are stored as unix seconds.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// NextRun loads the persisted fire time for a job; ok is false when the
// job has never been scheduled before.
func (s *JobStore) NextRun(ctx context.Context, jobID string) (next time.Time, ok bool, err error) {
	var unix sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		"SELECT next_run FROM scheduler_jobs WHERE id = ?", jobID).Scan(&unix)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !unix.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(unix.Int64, 0), true, nil
}

// SetNextRun upserts the planned fire time.
func (s *JobStore) SetNextRun(ctx context.Context, jobID string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO scheduler_jobs (id, next_run, updated_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET next_run = excluded.next_run, updated_at = excluded.updated_at",
		jobID, next.Unix(), time.Now().Unix())
	return err
}

// RecordRun stores the outcome of a completed run.
func (s *JobStore) RecordRun(ctx context.Context, jobID, runID string, started time.Time, status string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO scheduler_jobs (id, last_run, last_run_id, last_status, updated_at) VALUES (?, ?, ?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET last_run = excluded.last_run, "+
			"last_run_id = excluded.last_run_id, last_status = excluded.last_status, "+
			"updated_at = excluded.updated_at",
		jobID, started.Unix(), runID, status, time.Now().Unix())
	return err
}
