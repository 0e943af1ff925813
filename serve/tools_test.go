package serve

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vigil "github.com/MooreSA/vigil"
)

// newToolEnv builds the full tool set over in-memory services.
func newToolEnv(t *testing.T) (*vigil.Tools, *schedEnv, *fakeEmbedder, *fakeDirections, *fakeNotifier) {
	t.Helper()
	env := newSchedEnv(t, okModel())

	embedder := newFakeEmbedder()
	memory := NewMemoryService(env.store, embedder)
	directions := &fakeDirections{route: &Route{
		Summary: "A100", Distance: "12 km",
		Duration: 20 * time.Minute, DurationInTraffic: 25 * time.Minute,
	}}
	notifier := &fakeNotifier{}

	tools := vigil.NewTools()
	RegisterTools(tools, toolDeps{
		memory:     memory,
		notifier:   notifier,
		directions: directions,
		fetcher:    NewFetcher(),
		jobs:       env.jobs,
		skills:     env.skills,
		now:        func() time.Time { return time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC) },
	})

	return tools, env, embedder, directions, notifier
}

func TestToolSet_RegistersEveryRequiredTool(t *testing.T) {
	tools, _, _, _, _ := newToolEnv(t)

	want := []string{
		"remember", "recall", "current_datetime", "fetch_url", "directions",
		"notify", "list_jobs", "create_job", "update_job", "delete_job", "list_skills",
	}
	have := map[string]bool{}
	for _, name := range tools.Names() {
		have[name] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestTool_RememberAndRecallRoundTrip(t *testing.T) {
	tools, _, embedder, _, _ := newToolEnv(t)
	ctx := context.Background()

	embedder.vectors["my name is Alex"] = []float32{1, 0, 0}
	embedder.vectors["what is my name"] = []float32{0.98, 0.02, 0}

	out := tools.Execute(ctx, "c1", "remember", map[string]any{"content": "my name is Alex"})
	if !strings.HasPrefix(out, "Remembered (id=") {
		t.Errorf("remember out = %q", out)
	}

	out = tools.Execute(ctx, "c2", "recall", map[string]any{"query": "what is my name"})
	if !strings.Contains(out, "my name is Alex") || !strings.Contains(out, "% relevant") {
		t.Errorf("recall out = %q", out)
	}

	// replace_id overwrites rather than coexisting.
	out = tools.Execute(ctx, "c3", "remember", map[string]any{
		"content": "my name is Alexandra", "replace_id": float64(1),
	})
	if !strings.HasPrefix(out, "Updated memory 1") {
		t.Errorf("replace out = %q", out)
	}
}

func TestTool_RecallEmptyResult(t *testing.T) {
	tools, _, _, _, _ := newToolEnv(t)
	out := tools.Execute(context.Background(), "c1", "recall", map[string]any{"query": "anything"})
	if out != "No relevant memories found." {
		t.Errorf("out = %q", out)
	}
}

func TestTool_CurrentDatetime(t *testing.T) {
	tools, _, _, _, _ := newToolEnv(t)
	out := tools.Execute(context.Background(), "c1", "current_datetime", nil)
	if !strings.Contains(out, "March 9, 2026") {
		t.Errorf("out = %q", out)
	}
}

func TestTool_DirectionsWithArrival(t *testing.T) {
	tools, _, _, _, _ := newToolEnv(t)

	out := tools.Execute(context.Background(), "c1", "directions", map[string]any{
		"origin":       "Home",
		"destination":  "Office",
		"arrival_time": "2026-03-09T17:00:00Z",
	})
	if !strings.Contains(out, "Home to Office") || !strings.Contains(out, "12 km") {
		t.Errorf("out = %q", out)
	}
	// 17:00 arrival minus 25 traffic-aware minutes.
	if !strings.Contains(out, "Leave by") {
		t.Errorf("no leave-by line: %q", out)
	}
}

func TestTool_DirectionsRejectsBothTimes(t *testing.T) {
	tools, _, _, _, _ := newToolEnv(t)

	out := tools.Execute(context.Background(), "c1", "directions", map[string]any{
		"origin":         "A",
		"destination":    "B",
		"departure_time": "2026-03-09T08:00:00Z",
		"arrival_time":   "2026-03-09T09:00:00Z",
	})
	if !strings.HasPrefix(out, "Error: ") || !strings.Contains(out, "not both") {
		t.Errorf("out = %q", out)
	}
}

func TestTool_NotifySends(t *testing.T) {
	tools, _, _, _, notifier := newToolEnv(t)

	out := tools.Execute(context.Background(), "c1", "notify", map[string]any{
		"title": "Reminder", "body": "Stand up", "tag": "bell",
	})
	if out != "Notification sent." {
		t.Errorf("out = %q", out)
	}
	sent := notifier.all()
	require.Len(t, sent, 1)
	if sent[0].Title != "Reminder" || sent[0].Tag != "bell" {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestTool_JobLifecycle(t *testing.T) {
	tools, env, _, _, _ := newToolEnv(t)
	ctx := context.Background()
	env.setClocks(time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC))

	out := tools.Execute(ctx, "c1", "create_job", map[string]any{
		"name":     "morning briefing",
		"schedule": "0 8 * * *",
		"prompt":   "summarize my day",
	})
	if !strings.Contains(out, "Created job:") || !strings.Contains(out, "morning briefing") {
		t.Fatalf("create out = %q", out)
	}

	out = tools.Execute(ctx, "c2", "list_jobs", nil)
	if !strings.Contains(out, "morning briefing") || !strings.Contains(out, `cron "0 8 * * *"`) {
		t.Errorf("list out = %q", out)
	}

	out = tools.Execute(ctx, "c3", "update_job", map[string]any{
		"id":       float64(1),
		"name":     "evening briefing",
		"schedule": "0 20 * * *",
		"prompt":   "summarize my day",
	})
	if !strings.Contains(out, "evening briefing") {
		t.Errorf("update out = %q", out)
	}

	out = tools.Execute(ctx, "c4", "delete_job", map[string]any{"id": float64(1)})
	if out != "Job 1 deleted." {
		t.Errorf("delete out = %q", out)
	}

	out = tools.Execute(ctx, "c5", "list_jobs", nil)
	if out != "No scheduled jobs." {
		t.Errorf("list after delete = %q", out)
	}
}

func TestTool_CreateJobValidation(t *testing.T) {
	tools, _, _, _, _ := newToolEnv(t)
	ctx := context.Background()

	out := tools.Execute(ctx, "c1", "create_job", map[string]any{
		"name":     "bad",
		"schedule": "every morning",
		"prompt":   "x",
	})
	if !strings.HasPrefix(out, "Error: ") || !strings.Contains(out, "invalid cron expression") {
		t.Errorf("out = %q", out)
	}

	out = tools.Execute(ctx, "c2", "create_job", map[string]any{
		"name":     "both payloads",
		"schedule": "0 8 * * *",
		"prompt":   "x",
		"skill_name": "departure-check",
	})
	if !strings.HasPrefix(out, "Error: ") {
		t.Errorf("out = %q", out)
	}
}

func TestTool_ListSkills(t *testing.T) {
	tools, env, _, _, _ := newToolEnv(t)

	out := tools.Execute(context.Background(), "c1", "list_skills", nil)
	if out != "No skills registered." {
		t.Errorf("out = %q", out)
	}

	env.skills.Register(&fakeSkill{name: "departure-check"})
	out = tools.Execute(context.Background(), "c2", "list_skills", nil)
	if !strings.Contains(out, "departure-check") {
		t.Errorf("out = %q", out)
	}
}
