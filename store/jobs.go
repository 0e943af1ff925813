package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	vigil "github.com/MooreSA/vigil"
)

// Job is a scheduled unit of work. Exactly one of Prompt or
// SkillName+SkillConfig is the payload; a job with a cron expression
// recurs, one without fires once at NextRunAt.
type Job struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Cron        *string        `json:"cron,omitempty"`
	Prompt      *string        `json:"prompt,omitempty"`
	SkillName   *string        `json:"skill_name,omitempty"`
	SkillConfig map[string]any `json:"skill_config,omitempty"`
	Enabled     bool           `json:"enabled"`
	MaxRetries  int            `json:"max_retries"`
	NextRunAt   time.Time      `json:"next_run_at"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsSkill reports whether the job's payload is a skill.
func (j *Job) IsSkill() bool { return j.SkillName != nil }

const jobColumns = `id, name, cron, prompt, skill_name, skill_config, enabled,
	max_retries, next_run_at, last_run_at, created_at, updated_at`

// CreateJob inserts a job.
func (s *Store) CreateJob(ctx context.Context, job *Job) (*Job, error) {
	cfg, err := encodeConfig(job.SkillConfig)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, cron, prompt, skill_name, skill_config, enabled,
		                   max_retries, next_run_at, last_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		job.Name, job.Cron, job.Prompt, job.SkillName, cfg,
		job.Enabled, job.MaxRetries, job.NextRunAt.UTC(), now, now,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "create job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, vigil.Storagef(err, "create job id")
	}
	return s.GetJob(ctx, id)
}

// GetJob returns a live job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND deleted_at IS NULL`, id,
	)
	return scanJob(row)
}

// ListJobs returns all live jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE deleted_at IS NULL ORDER BY id DESC`,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "list jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobsDue returns enabled live jobs whose next run is at or before now.
func (s *Store) JobsDue(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE enabled = 1 AND deleted_at IS NULL AND next_run_at <= ?
		 ORDER BY id ASC`, now.UTC(),
	)
	if err != nil {
		return nil, vigil.Storagef(err, "jobs due")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// UpdateJob rewrites a job's mutable columns.
func (s *Store) UpdateJob(ctx context.Context, job *Job) (*Job, error) {
	cfg, err := encodeConfig(job.SkillConfig)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET name = ?, cron = ?, prompt = ?, skill_name = ?, skill_config = ?,
		                 enabled = ?, max_retries = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		job.Name, job.Cron, job.Prompt, job.SkillName, cfg,
		job.Enabled, job.MaxRetries, job.NextRunAt.UTC(), s.now().UTC(), job.ID,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "update job")
	}
	if err := requireRow(res, "job %d", job.ID); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, job.ID)
}

// SetJobNextRun advances a job's next fire time.
func (s *Store) SetJobNextRun(ctx context.Context, id int64, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		next.UTC(), s.now().UTC(), id,
	)
	if err != nil {
		return vigil.Storagef(err, "set job next run")
	}
	return requireRow(res, "job %d", id)
}

// SetJobEnabled flips a job's enabled flag.
func (s *Store) SetJobEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enabled = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		enabled, s.now().UTC(), id,
	)
	if err != nil {
		return vigil.Storagef(err, "set job enabled")
	}
	return requireRow(res, "job %d", id)
}

// SetJobLastRun records a job's most recent completed run time.
func (s *Store) SetJobLastRun(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at.UTC(), s.now().UTC(), id,
	)
	if err != nil {
		return vigil.Storagef(err, "set job last run")
	}
	return requireRow(res, "job %d", id)
}

// DeleteJob soft-deletes a job.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return vigil.Storagef(err, "delete job")
	}
	return requireRow(res, "job %d", id)
}

func encodeConfig(cfg map[string]any) (*string, error) {
	if cfg == nil {
		return nil, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, vigil.Storagef(err, "encode skill config")
	}
	s := string(data)
	return &s, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, vigil.Storagef(err, "scan jobs")
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var cron, prompt, skillName, skillConfig sql.NullString
	var lastRun sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &cron, &prompt, &skillName, &skillConfig,
		&j.Enabled, &j.MaxRetries, &j.NextRunAt, &lastRun, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vigil.NotFoundf("job not found")
	}
	if err != nil {
		return nil, vigil.Storagef(err, "scan job")
	}
	if cron.Valid {
		j.Cron = &cron.String
	}
	if prompt.Valid {
		j.Prompt = &prompt.String
	}
	if skillName.Valid {
		j.SkillName = &skillName.String
	}
	if skillConfig.Valid {
		if err := json.Unmarshal([]byte(skillConfig.String), &j.SkillConfig); err != nil {
			return nil, vigil.Storagef(err, "decode skill config")
		}
	}
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRunAt = &t
	}
	return &j, nil
}
