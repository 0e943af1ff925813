package serve

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/llm"
	"github.com/MooreSA/vigil/store"
)

// schedEnv wires a scheduler over an in-memory store with a real agent
// service (scripted model) and recorded notifications.
type schedEnv struct {
	store    *store.Store
	threads  *ThreadService
	jobs     *JobsService
	skills   *vigil.SkillRegistry
	llm      *fakeLLM
	notifier *fakeNotifier
	sched    *Scheduler
}

func newSchedEnv(t *testing.T, model *fakeLLM) *schedEnv {
	t.Helper()
	s := newTestStore(t)
	threads := NewThreadService(s)
	memory := NewMemoryService(s, newFakeEmbedder())
	bus := vigil.NewBus()
	agent := NewAgentService(threads, model, memory, vigil.NewTools(), bus, 0)
	skills := vigil.NewSkillRegistry()
	jobs := NewJobsService(s, skills)
	notifier := &fakeNotifier{}
	sched := NewScheduler(s, threads, agent, skills, notifier, "https://vigil.example")
	return &schedEnv{store: s, threads: threads, jobs: jobs, skills: skills,
		llm: model, notifier: notifier, sched: sched}
}

// setClocks pins every component clock to now.
func (e *schedEnv) setClocks(now time.Time) {
	fn := func() time.Time { return now }
	e.store.SetClock(fn)
	e.jobs.SetClock(fn)
	e.sched.SetClock(fn)
}

func okModel() *fakeLLM {
	return &fakeLLM{scripts: [][]llm.StreamEvent{{
		deltaEv("All quiet."), doneEv(&llm.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}),
	}}}
}

func TestScheduler_EnqueueCreatesPendingRunAtNominalTick(t *testing.T) {
	env := newSchedEnv(t, okModel())
	ctx := context.Background()

	base := time.Date(2026, 3, 9, 7, 59, 0, 0, time.UTC)
	env.setClocks(base)

	sched := "0 8 * * *"
	prompt := "status"
	job, err := env.jobs.Create(ctx, &JobParams{Name: "morning", Schedule: &sched, Prompt: &prompt})
	require.NoError(t, err)

	fireAt := job.NextRunAt // 08:00
	env.setClocks(fireAt.Add(30 * time.Second))

	require.NoError(t, env.sched.enqueueDue(ctx))

	runs, err := env.store.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].Status != store.RunPending {
		t.Errorf("Status = %q, want pending", runs[0].Status)
	}
	if !runs[0].ScheduledFor.Equal(fireAt) {
		t.Errorf("ScheduledFor = %v, want %v", runs[0].ScheduledFor, fireAt)
	}

	// Re-enqueueing the same nominal tick is a no-op.
	require.NoError(t, env.sched.enqueueDue(ctx))
	runs, _ = env.store.ListRuns(ctx, job.ID)
	if len(runs) != 1 {
		t.Errorf("duplicate enqueue created %d runs", len(runs))
	}
}

func TestScheduler_RecurringJobExecution(t *testing.T) {
	env := newSchedEnv(t, okModel())
	ctx := context.Background()

	base := time.Date(2026, 3, 9, 7, 59, 0, 0, time.UTC)
	env.setClocks(base)

	sched := "0 8 * * *"
	prompt := "status"
	job, err := env.jobs.Create(ctx, &JobParams{Name: "morning", Schedule: &sched, Prompt: &prompt})
	require.NoError(t, err)
	fireAt := job.NextRunAt

	env.setClocks(fireAt.Add(30 * time.Second))
	env.sched.Tick(ctx)

	runs, err := env.store.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	if run.Status != store.RunCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}
	if run.ThreadID == nil {
		t.Fatal("completed prompt run has no thread")
	}

	// The wake thread exists, back-links the run, and holds a full
	// exchange (user prompt + system + assistant reply).
	thread, err := env.threads.Find(ctx, *run.ThreadID)
	require.NoError(t, err)
	if thread.Source != store.SourceWake {
		t.Errorf("Source = %q, want wake", thread.Source)
	}
	if thread.JobRunID == nil || *thread.JobRunID != run.ID {
		t.Errorf("JobRunID = %v, want %d", thread.JobRunID, run.ID)
	}
	msgs, _ := env.threads.Messages(ctx, thread.ID)
	var haveAssistant bool
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			haveAssistant = true
		}
	}
	if !haveAssistant {
		t.Errorf("wake thread has no assistant reply")
	}

	// Schedule advanced strictly past the fire instant.
	updated, _ := env.store.GetJob(ctx, job.ID)
	if !updated.NextRunAt.After(fireAt) {
		t.Errorf("NextRunAt = %v, not advanced past %v", updated.NextRunAt, fireAt)
	}
	if updated.LastRunAt == nil {
		t.Errorf("LastRunAt not set")
	}

	// A success push went out with the click-through URL.
	sent := env.notifier.all()
	require.Len(t, sent, 1)
	if sent[0].Title != "Job completed: morning" || sent[0].Tag != "white_check_mark" {
		t.Errorf("notification = %+v", sent[0])
	}
	if !strings.Contains(sent[0].ClickURL, "/threads/") {
		t.Errorf("ClickURL = %q", sent[0].ClickURL)
	}
}

func TestScheduler_UnknownSkillFailsWithoutInvokingAgent(t *testing.T) {
	env := newSchedEnv(t, okModel())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	env.setClocks(now)

	// Bypass the jobs service: it rejects unknown skills at creation,
	// but a skill can disappear from a build after jobs referencing it
	// were stored.
	skillName := "nope"
	job, err := env.store.CreateJob(ctx, &store.Job{
		Name: "ghost", SkillName: &skillName, Enabled: true, NextRunAt: now,
	})
	require.NoError(t, err)

	env.sched.Tick(ctx)

	runs, _ := env.store.ListRuns(ctx, job.ID)
	require.Len(t, runs, 1)
	if runs[0].Status != store.RunFailed {
		t.Fatalf("Status = %q, want failed", runs[0].Status)
	}
	if runs[0].Error == nil || *runs[0].Error != "Unknown skill: nope" {
		t.Errorf("Error = %v", runs[0].Error)
	}
	if env.llm.callCount() != 0 {
		t.Errorf("agent invoked for a skill job")
	}

	sent := env.notifier.all()
	require.Len(t, sent, 1)
	if sent[0].Title != "Job failed: ghost" || sent[0].Tag != "x" {
		t.Errorf("notification = %+v", sent[0])
	}
}

func TestScheduler_AbandonedRunRecovery(t *testing.T) {
	env := newSchedEnv(t, okModel())
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	prompt := "status"
	runAt := base.Add(-time.Hour)
	env.setClocks(runAt)
	job, err := env.jobs.Create(ctx, &JobParams{Name: "stuck", RunAt: &runAt, Prompt: &prompt})
	require.NoError(t, err)

	// Simulate a crashed executor: claimed an hour ago, lease long
	// expired, job already advanced out of the due set.
	_, err = env.store.EnqueueRun(ctx, job.ID, runAt)
	require.NoError(t, err)
	claimed, err := env.store.ClaimPendingRun(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, env.store.SetJobEnabled(ctx, job.ID, false))

	env.setClocks(base)
	env.sched.Tick(ctx)

	run, _ := env.store.GetRun(ctx, claimed.ID)
	if run.Status != store.RunCompleted {
		t.Fatalf("Status = %q, want completed after reclaim + re-execution", run.Status)
	}
	if env.llm.callCount() != 1 {
		t.Errorf("agent ran %d times, want exactly 1", env.llm.callCount())
	}

	// Nothing left: the next tick is a no-op.
	env.sched.Tick(ctx)
	if env.llm.callCount() != 1 {
		t.Errorf("reclaimed run executed twice")
	}
}

func TestScheduler_OneShotJobDisabledAfterFiring(t *testing.T) {
	env := newSchedEnv(t, okModel())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	env.setClocks(now.Add(-time.Minute))

	prompt := "remind me"
	runAt := now.Add(-time.Minute)
	job, err := env.jobs.Create(ctx, &JobParams{Name: "once", RunAt: &runAt, Prompt: &prompt})
	require.NoError(t, err)

	env.setClocks(now)
	env.sched.Tick(ctx)

	updated, _ := env.store.GetJob(ctx, job.ID)
	if updated.Enabled {
		t.Errorf("one-shot job still enabled after firing")
	}
	runs, _ := env.store.ListRuns(ctx, job.ID)
	require.Len(t, runs, 1)
	if runs[0].Status != store.RunCompleted {
		t.Errorf("Status = %q", runs[0].Status)
	}

	// It never fires again.
	env.setClocks(now.Add(time.Hour))
	env.sched.Tick(ctx)
	runs, _ = env.store.ListRuns(ctx, job.ID)
	if len(runs) != 1 {
		t.Errorf("one-shot job fired twice")
	}
}

func TestScheduler_CronWithNoFutureFireDisablesJob(t *testing.T) {
	env := newSchedEnv(t, okModel())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	env.setClocks(now)

	// February 30th never comes. Stored directly: creation-time
	// validation rejects it, but older rows may predate that check.
	cron := "0 0 30 2 *"
	prompt := "never"
	job, err := env.store.CreateJob(ctx, &store.Job{
		Name: "imaginary", Cron: &cron, Prompt: &prompt, Enabled: true, NextRunAt: now,
	})
	require.NoError(t, err)

	env.sched.Tick(ctx)

	updated, _ := env.store.GetJob(ctx, job.ID)
	if updated.Enabled {
		t.Errorf("job with impossible schedule still enabled")
	}
}

func TestScheduler_SkillFailureRetriesWithBackoffThenNotifies(t *testing.T) {
	env := newSchedEnv(t, okModel())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	env.setClocks(now)

	failing := &fakeSkill{name: "flaky", result: vigil.SkillResult{Success: false, Message: "sensor offline"}}
	env.skills.Register(failing)

	skillName := "flaky"
	runAt := now
	job, err := env.jobs.Create(ctx, &JobParams{
		Name: "watch", SkillName: &skillName, RunAt: &runAt, MaxRetries: 2,
	})
	require.NoError(t, err)

	env.sched.Tick(ctx)

	runs, _ := env.store.ListRuns(ctx, job.ID)
	require.Len(t, runs, 1)
	run := runs[0]
	if run.Status != store.RunPending || run.RetryCount != 1 {
		t.Fatalf("after first failure: %+v", run)
	}
	if run.LockedUntil == nil || !run.LockedUntil.After(now) {
		t.Errorf("no retry backoff lease: %+v", run.LockedUntil)
	}
	if len(env.notifier.all()) != 0 {
		t.Errorf("notified before retry budget spent")
	}

	// Past the backoff the run is retried; the second failure is
	// terminal (retry_count+1 >= max_retries) and notifies.
	env.setClocks(now.Add(10 * time.Minute))
	env.sched.Tick(ctx)

	run2, _ := env.store.GetRun(ctx, run.ID)
	if run2.Status != store.RunFailed || run2.RetryCount != 2 {
		t.Fatalf("after second failure: %+v", run2)
	}
	sent := env.notifier.all()
	require.Len(t, sent, 1)
	if sent[0].Title != "Job failed: watch" || !strings.Contains(sent[0].Body, "sensor offline") {
		t.Errorf("notification = %+v", sent[0])
	}
	if failing.calls != 2 {
		t.Errorf("skill executed %d times, want 2", failing.calls)
	}
}

func TestScheduler_SkillDisableJobOnSuccess(t *testing.T) {
	env := newSchedEnv(t, okModel())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	env.setClocks(now)

	done := &fakeSkill{name: "oneshot", result: vigil.SkillResult{
		Success: true, Message: "did the thing", DisableJob: true,
	}}
	env.skills.Register(done)

	skillName := "oneshot"
	runAt := now
	job, err := env.jobs.Create(ctx, &JobParams{Name: "self-retiring", SkillName: &skillName, RunAt: &runAt})
	require.NoError(t, err)

	env.sched.Tick(ctx)

	updated, _ := env.store.GetJob(ctx, job.ID)
	if updated.Enabled {
		t.Errorf("skill requested disable but job still enabled")
	}
	runs, _ := env.store.ListRuns(ctx, job.ID)
	require.Len(t, runs, 1)
	if runs[0].Status != store.RunCompleted || runs[0].ThreadID != nil {
		t.Errorf("skill run = %+v", runs[0])
	}
	// Skills notify for themselves; the scheduler stays quiet.
	if len(env.notifier.all()) != 0 {
		t.Errorf("scheduler notified for successful skill run")
	}
}
