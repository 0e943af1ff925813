package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	vigil "github.com/MooreSA/vigil"
)

// RunStatus is a job run's lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// JobRun is one execution attempt of a job at a nominal fire instant.
// (job_id, scheduled_for) is unique: two enqueues of the same tick
// collapse to one row.
type JobRun struct {
	ID           int64      `json:"id"`
	JobID        int64      `json:"job_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	Status       RunStatus  `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ThreadID     *int64     `json:"thread_id,omitempty"`
	Error        *string    `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const runColumns = `id, job_id, scheduled_for, locked_until, status, retry_count,
	thread_id, error, started_at, completed_at, created_at`

// EnqueueRun inserts a pending run for (jobID, scheduledFor). The
// insert is suppressed when that pair already exists or when another
// run of the same job is currently running — a slow job never overlaps
// itself. Returns whether a row was inserted.
func (s *Store) EnqueueRun(ctx context.Context, jobID int64, scheduledFor time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (job_id, scheduled_for, status, created_at)
		 SELECT ?, ?, 'pending', ?
		 WHERE NOT EXISTS (SELECT 1 FROM job_runs WHERE job_id = ? AND status = 'running')
		 ON CONFLICT (job_id, scheduled_for) DO NOTHING`,
		jobID, scheduledFor.UTC(), s.now().UTC(), jobID,
	)
	if err != nil {
		return false, vigil.Storagef(err, "enqueue run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, vigil.Storagef(err, "enqueue run rows")
	}
	return n > 0, nil
}

// ClaimPendingRun atomically claims the oldest claimable pending run:
// it becomes running with started_at = now and a lease of leaseFor.
// Pending rows whose locked_until lies in the future are retry
// backoffs and are skipped. Returns nil when nothing is claimable.
func (s *Store) ClaimPendingRun(ctx context.Context, leaseFor time.Duration) (*JobRun, error) {
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE job_runs
		 SET status = 'running', started_at = ?, locked_until = ?
		 WHERE id = (
		   SELECT id FROM job_runs
		   WHERE status = 'pending' AND (locked_until IS NULL OR locked_until <= ?)
		   ORDER BY id ASC LIMIT 1
		 )
		 RETURNING `+runColumns,
		now, now.Add(leaseFor), now,
	)
	run, err := scanRun(row)
	if err != nil {
		if vigil.IsKind(err, vigil.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// RefreshLock extends a running run's lease.
func (s *Store) RefreshLock(ctx context.Context, id int64, leaseFor time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET locked_until = ? WHERE id = ? AND status = 'running'`,
		s.now().UTC().Add(leaseFor), id,
	)
	if err != nil {
		return vigil.Storagef(err, "refresh lock")
	}
	return nil
}

// ResetAbandoned transitions running rows with expired leases back to
// pending and returns how many were reclaimed. This is the sole
// recovery mechanism after a process crash.
func (s *Store) ResetAbandoned(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = 'pending', locked_until = NULL
		 WHERE status = 'running' AND locked_until < ?`,
		s.now().UTC(),
	)
	if err != nil {
		return 0, vigil.Storagef(err, "reset abandoned")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, vigil.Storagef(err, "reset abandoned rows")
	}
	return int(n), nil
}

// CompleteRun marks a run completed, recording the thread it produced
// (nil for skill runs) and clearing the lease.
func (s *Store) CompleteRun(ctx context.Context, id int64, threadID *int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs
		 SET status = 'completed', completed_at = ?, thread_id = ?, locked_until = NULL
		 WHERE id = ?`,
		s.now().UTC(), threadID, id,
	)
	if err != nil {
		return vigil.Storagef(err, "complete run")
	}
	return requireRow(res, "job run %d", id)
}

// FailRun records a failure: the retry count increments and the error
// is stored. With retryAt set the run returns to pending, leased until
// retryAt so the claim query skips it until then; without it the run
// is terminally failed.
func (s *Store) FailRun(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error {
	var res sql.Result
	var err error
	if retryAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE job_runs
			 SET status = 'pending', retry_count = retry_count + 1, error = ?, locked_until = ?
			 WHERE id = ?`,
			errMsg, retryAt.UTC(), id,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE job_runs
			 SET status = 'failed', retry_count = retry_count + 1, error = ?,
			     completed_at = ?, locked_until = NULL
			 WHERE id = ?`,
			errMsg, s.now().UTC(), id,
		)
	}
	if err != nil {
		return vigil.Storagef(err, "fail run")
	}
	return requireRow(res, "job run %d", id)
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (*JobRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// ListRuns returns a job's runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, jobID int64) ([]JobRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE job_id = ? ORDER BY id DESC`, jobID,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "list runs")
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, vigil.Storagef(err, "list runs")
	}
	return runs, nil
}

func scanRun(row rowScanner) (*JobRun, error) {
	var r JobRun
	var lockedUntil, startedAt, completedAt sql.NullTime
	var threadID sql.NullInt64
	var errMsg sql.NullString
	err := row.Scan(&r.ID, &r.JobID, &r.ScheduledFor, &lockedUntil, &r.Status,
		&r.RetryCount, &threadID, &errMsg, &startedAt, &completedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vigil.NotFoundf("job run not found")
	}
	if err != nil {
		return nil, vigil.Storagef(err, "scan run")
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		r.LockedUntil = &t
	}
	if threadID.Valid {
		r.ThreadID = &threadID.Int64
	}
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}
