package serve

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/store"
)

// JobParams is the validated input for creating or updating a job.
// Exactly one of Prompt or SkillName must be set. Schedule is a
// standard 5-field cron expression for recurring jobs; RunAt fires a
// one-shot job once.
type JobParams struct {
	Name        string         `json:"name"`
	Schedule    *string        `json:"schedule,omitempty"`
	RunAt       *time.Time     `json:"run_at,omitempty"`
	Prompt      *string        `json:"prompt,omitempty"`
	SkillName   *string        `json:"skill_name,omitempty"`
	SkillConfig map[string]any `json:"skill_config,omitempty"`
	MaxRetries  int            `json:"max_retries"`
	Enabled     *bool          `json:"enabled,omitempty"`
}

// JobsService validates and persists scheduled jobs. Both the REST
// surface and the job tools go through it.
type JobsService struct {
	store  *store.Store
	skills *vigil.SkillRegistry
	now    func() time.Time
}

// NewJobsService creates the service.
func NewJobsService(s *store.Store, skills *vigil.SkillRegistry) *JobsService {
	return &JobsService{store: s, skills: skills, now: time.Now}
}

// SetClock overrides the service clock. Test use only.
func (j *JobsService) SetClock(now func() time.Time) { j.now = now }

// parseCron validates a standard 5-field cron expression.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, vigil.Validationf("invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// validate checks params and returns the job's first fire time.
func (j *JobsService) validate(p *JobParams) (time.Time, error) {
	if p.Name == "" {
		return time.Time{}, vigil.Validationf("job name is required")
	}
	if p.MaxRetries < 0 {
		return time.Time{}, vigil.Validationf("max_retries must be >= 0")
	}

	hasPrompt := p.Prompt != nil && *p.Prompt != ""
	hasSkill := p.SkillName != nil && *p.SkillName != ""
	if hasPrompt == hasSkill {
		return time.Time{}, vigil.Validationf("exactly one of prompt or skill_name is required")
	}
	if hasSkill {
		if _, ok := j.skills.Get(*p.SkillName); !ok {
			return time.Time{}, vigil.Validationf("unknown skill %q", *p.SkillName)
		}
	}

	now := j.now()
	switch {
	case p.Schedule != nil && *p.Schedule != "":
		sched, err := parseCron(*p.Schedule)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(now)
		if next.IsZero() {
			return time.Time{}, vigil.Validationf("cron expression %q never fires", *p.Schedule)
		}
		return next, nil
	case p.RunAt != nil:
		return *p.RunAt, nil
	default:
		return time.Time{}, vigil.Validationf("either schedule or run_at is required")
	}
}

// Create validates params and inserts the job.
func (j *JobsService) Create(ctx context.Context, p *JobParams) (*store.Job, error) {
	next, err := j.validate(p)
	if err != nil {
		return nil, err
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	var cronExpr *string
	if p.Schedule != nil && *p.Schedule != "" {
		cronExpr = p.Schedule
	}

	return j.store.CreateJob(ctx, &store.Job{
		Name:        p.Name,
		Cron:        cronExpr,
		Prompt:      p.Prompt,
		SkillName:   p.SkillName,
		SkillConfig: p.SkillConfig,
		Enabled:     enabled,
		MaxRetries:  p.MaxRetries,
		NextRunAt:   next,
	})
}

// Update validates params and rewrites the job.
func (j *JobsService) Update(ctx context.Context, id int64, p *JobParams) (*store.Job, error) {
	job, err := j.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := j.validate(p)
	if err != nil {
		return nil, err
	}

	job.Name = p.Name
	job.Prompt = p.Prompt
	job.SkillName = p.SkillName
	job.SkillConfig = p.SkillConfig
	job.MaxRetries = p.MaxRetries
	job.NextRunAt = next
	if p.Schedule != nil && *p.Schedule != "" {
		job.Cron = p.Schedule
	} else {
		job.Cron = nil
	}
	if p.Enabled != nil {
		job.Enabled = *p.Enabled
	}

	return j.store.UpdateJob(ctx, job)
}

// Get returns a job by id.
func (j *JobsService) Get(ctx context.Context, id int64) (*store.Job, error) {
	return j.store.GetJob(ctx, id)
}

// List returns all live jobs.
func (j *JobsService) List(ctx context.Context) ([]store.Job, error) {
	return j.store.ListJobs(ctx)
}

// Runs returns a job's execution history, most recent first.
func (j *JobsService) Runs(ctx context.Context, id int64) ([]store.JobRun, error) {
	if _, err := j.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return j.store.ListRuns(ctx, id)
}

// Delete soft-deletes a job.
func (j *JobsService) Delete(ctx context.Context, id int64) error {
	return j.store.DeleteJob(ctx, id)
}
