package serve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/store"
)

// Scheduler timing constants.
const (
	tickInterval  = 30 * time.Second
	leaseDuration = 5 * time.Minute
	leaseRefresh  = 120 * time.Second
)

// agentRunner is the slice of the agent service the scheduler needs to
// execute prompt jobs.
type agentRunner interface {
	RunStream(ctx context.Context, threadID int64, userMessage string) (*vigil.RunHandle, error)
}

// Scheduler owns the durable job loop: it enqueues exactly one pending
// run per due tick, hands runs to at most one executor via the lease,
// and executes them to completion. Ticks serialize; a slow tick delays
// the next rather than overlapping it.
type Scheduler struct {
	store    *store.Store
	threads  *ThreadService
	agent    agentRunner
	skills   *vigil.SkillRegistry
	notifier pushSender
	appURL   string

	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates the scheduler.
func NewScheduler(s *store.Store, threads *ThreadService, agent agentRunner, skills *vigil.SkillRegistry, notifier pushSender, appURL string) *Scheduler {
	return &Scheduler{
		store:    s,
		threads:  threads,
		agent:    agent,
		skills:   skills,
		notifier: notifier,
		appURL:   appURL,
		interval: tickInterval,
		now:      time.Now,
	}
}

// SetClock overrides the scheduler clock. Test use only.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// SetInterval overrides the tick interval. Test use only.
func (s *Scheduler) SetInterval(d time.Duration) { s.interval = d }

// Start begins the tick loop and fires one tick immediately. It
// returns once the loop goroutine is running.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		slog.Info("scheduler started", "interval", s.interval)

		s.Tick(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop cancels the tick loop and any in-flight run's context, then
// waits for the loop to exit. In-flight work observes cancellation and
// exits cooperatively; orphaned leases recover via reset-abandoned.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.wg.Wait()
}

// Tick runs one scheduler iteration: reclaim abandoned runs, enqueue
// due jobs, then claim and execute at most one pending run. Storage
// errors end the tick; the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) {
	schedulerTicksTotal.Inc()

	reclaimed, err := s.store.ResetAbandoned(ctx)
	if err != nil {
		slog.Error("scheduler: reset abandoned failed", "error", err)
		return
	}
	if reclaimed > 0 {
		abandonedRunsReclaimed.Add(float64(reclaimed))
		slog.Warn("scheduler: reclaimed abandoned runs", "count", reclaimed)
	}

	if err := s.enqueueDue(ctx); err != nil {
		slog.Error("scheduler: enqueue due jobs failed", "error", err)
		return
	}

	run, err := s.store.ClaimPendingRun(ctx, leaseDuration)
	if err != nil {
		slog.Error("scheduler: claim failed", "error", err)
		return
	}
	if run == nil {
		return
	}
	s.executeRun(ctx, run)
}

// enqueueDue inserts one pending run per due job and advances each
// job's next fire time strictly past now. Jobs whose schedule admits
// no future fire are disabled, which also retires one-shot jobs after
// they fire.
func (s *Scheduler) enqueueDue(ctx context.Context) error {
	now := s.now()
	jobs, err := s.store.JobsDue(ctx, now)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		created, err := s.store.EnqueueRun(ctx, job.ID, job.NextRunAt)
		if err != nil {
			slog.Error("scheduler: enqueue run failed", "job_id", job.ID, "error", err)
			continue
		}
		if created {
			slog.Info("scheduler: run enqueued", "job_id", job.ID, "job", job.Name,
				"scheduled_for", job.NextRunAt)
		}

		next := time.Time{}
		if job.Cron != nil {
			sched, err := cron.ParseStandard(*job.Cron)
			if err != nil {
				// A stored job with an unparseable schedule cannot fire
				// again; disable it rather than re-enqueueing forever.
				slog.Error("scheduler: stored cron no longer parses",
					"job_id", job.ID, "cron", *job.Cron, "error", err)
			} else {
				next = sched.Next(now)
			}
		}

		if next.IsZero() {
			if err := s.store.SetJobEnabled(ctx, job.ID, false); err != nil {
				slog.Error("scheduler: disable job failed", "job_id", job.ID, "error", err)
			} else {
				slog.Info("scheduler: job disabled, no future fire", "job_id", job.ID, "job", job.Name)
			}
			continue
		}
		if err := s.store.SetJobNextRun(ctx, job.ID, next); err != nil {
			slog.Error("scheduler: advance next run failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// executeRun drives one claimed run to a terminal state, refreshing
// its lease in the background for the duration.
func (s *Scheduler) executeRun(ctx context.Context, run *store.JobRun) {
	job, err := s.store.GetJob(ctx, run.JobID)
	if err != nil {
		if vigil.IsKind(err, vigil.KindNotFound) {
			s.failRun(ctx, run, nil, "Job not found")
			return
		}
		slog.Error("scheduler: load job failed", "run_id", run.ID, "error", err)
		return
	}

	stopRefresh := s.startLeaseRefresher(ctx, run.ID)
	defer stopRefresh()

	slog.Info("scheduler: executing run", "run_id", run.ID, "job", job.Name,
		"scheduled_for", run.ScheduledFor, "retry", run.RetryCount)

	if job.IsSkill() {
		s.runSkill(ctx, run, job)
	} else {
		s.runPrompt(ctx, run, job)
	}
}

// startLeaseRefresher extends the run's lease every leaseRefresh until
// the returned stop function is called.
func (s *Scheduler) startLeaseRefresher(ctx context.Context, runID int64) func() {
	stop := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(leaseRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.RefreshLock(context.WithoutCancel(ctx), runID, leaseDuration); err != nil {
					slog.Error("scheduler: lease refresh failed", "run_id", runID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// runPrompt creates a wake thread and drains a full agent run into it.
func (s *Scheduler) runPrompt(ctx context.Context, run *store.JobRun, job *store.Job) {
	thread, err := s.threads.Create(ctx, nil, store.SourceWake, &run.ID)
	if err != nil {
		s.failRun(ctx, run, job, fmt.Sprintf("create wake thread: %v", err))
		return
	}

	handle, err := s.agent.RunStream(ctx, thread.ID, *job.Prompt)
	if err != nil {
		s.failRun(ctx, run, job, fmt.Sprintf("start agent run: %v", err))
		return
	}

	// Drain fully; nobody is watching a wake thread live.
	for range handle.Events {
	}
	if err := handle.Err(); err != nil {
		s.failRun(ctx, run, job, fmt.Sprintf("agent run: %v", err))
		return
	}

	if err := s.store.CompleteRun(ctx, run.ID, &thread.ID); err != nil {
		slog.Error("scheduler: complete run failed", "run_id", run.ID, "error", err)
		return
	}
	if err := s.store.SetJobLastRun(ctx, job.ID, s.now()); err != nil {
		slog.Error("scheduler: set last run failed", "job_id", job.ID, "error", err)
	}
	jobRunsTotal.WithLabelValues("completed").Inc()

	clickURL := ""
	if s.appURL != "" {
		clickURL = fmt.Sprintf("%s/threads/%d", s.appURL, thread.ID)
	}
	s.notifier.Notify(ctx, "Job completed: "+job.Name, clip(*job.Prompt, 200),
		"white_check_mark", clickURL)

	slog.Info("scheduler: run completed", "run_id", run.ID, "job", job.Name, "thread_id", thread.ID)
}

// runSkill dispatches a skill job to the registry. Skills decide for
// themselves whether to notify; the scheduler only reports failures.
func (s *Scheduler) runSkill(ctx context.Context, run *store.JobRun, job *store.Job) {
	skill, ok := s.skills.Get(*job.SkillName)
	if !ok {
		s.failRun(ctx, run, job, fmt.Sprintf("Unknown skill: %s", *job.SkillName))
		return
	}

	result, err := skill.Execute(ctx, vigil.SkillContext{
		Job: vigil.SkillJob{ID: job.ID, Name: job.Name, Config: job.SkillConfig},
		Log: slog.With("skill", skill.Name(), "job_id", job.ID, "run_id", run.ID),
	})
	if err != nil {
		s.failRun(ctx, run, job, err.Error())
		return
	}
	if !result.Success {
		s.failRun(ctx, run, job, result.Message)
		return
	}

	if result.DisableJob {
		if err := s.store.SetJobEnabled(ctx, job.ID, false); err != nil {
			slog.Error("scheduler: disable job failed", "job_id", job.ID, "error", err)
		}
	}
	if err := s.store.CompleteRun(ctx, run.ID, nil); err != nil {
		slog.Error("scheduler: complete run failed", "run_id", run.ID, "error", err)
		return
	}
	if err := s.store.SetJobLastRun(ctx, job.ID, s.now()); err != nil {
		slog.Error("scheduler: set last run failed", "job_id", job.ID, "error", err)
	}
	jobRunsTotal.WithLabelValues("completed").Inc()

	slog.Info("scheduler: skill run completed", "run_id", run.ID, "job", job.Name,
		"message", result.Message, "disabled", result.DisableJob)
}

// failRun records a failed attempt. With retries left the run returns
// to pending behind an exponential backoff lease; once the budget is
// spent it fails terminally and the user is notified. job may be nil
// when the run's job has vanished.
func (s *Scheduler) failRun(ctx context.Context, run *store.JobRun, job *store.Job, msg string) {
	maxRetries := 0
	name := fmt.Sprintf("job %d", run.JobID)
	if job != nil {
		maxRetries = job.MaxRetries
		name = job.Name
	}

	terminal := run.RetryCount+1 >= maxRetries
	var retryAt *time.Time
	if !terminal {
		at := s.now().Add(time.Duration(1<<uint(run.RetryCount)) * time.Minute)
		retryAt = &at
	}

	if err := s.store.FailRun(ctx, run.ID, msg, retryAt); err != nil {
		slog.Error("scheduler: fail run failed", "run_id", run.ID, "error", err)
		return
	}
	jobRunsTotal.WithLabelValues("failed").Inc()

	slog.Warn("scheduler: run failed", "run_id", run.ID, "job", name,
		"error", msg, "terminal", terminal)

	if terminal {
		s.notifier.Notify(ctx, "Job failed: "+name, clip(msg, 200), "x", "")
	}
}
