package serve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/llm"
	"github.com/MooreSA/vigil/store"
)

// newTestServer wires a Server over in-memory storage with a scripted
// model and returns it with its HTTP test host.
func newTestServer(t *testing.T, model *fakeLLM) (*Server, *schedEnv, *httptest.Server) {
	t.Helper()
	env := newSchedEnv(t, model)
	memory := NewMemoryService(env.store, newFakeEmbedder())
	bus := vigil.NewBus()
	broker := NewEventBroker()
	bus.Subscribe(vigil.TopicSSE, func(p any) {
		if ev, ok := p.(vigil.SSEPayload); ok {
			broker.Publish(ev)
		}
	})

	tools := vigil.NewTools()
	RegisterTools(tools, toolDeps{
		memory:     memory,
		notifier:   env.notifier,
		directions: &fakeDirections{route: &Route{Distance: "1 km"}},
		fetcher:    NewFetcher(),
		jobs:       env.jobs,
		skills:     env.skills,
	})

	srv := &Server{
		cfg:      &Config{Port: 0},
		store:    env.store,
		bus:      bus,
		broker:   broker,
		threads:  env.threads,
		memory:   memory,
		jobs:     env.jobs,
		skills:   env.skills,
		agent:    NewAgentService(env.threads, model, memory, tools, bus, 0),
		inflight: make(map[int64]bool),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	host := httptest.NewServer(mux)
	t.Cleanup(host.Close)
	t.Cleanup(broker.Close)
	return srv, env, host
}

// sseEvent is one parsed wire event.
type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body []byte) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = sseEvent{Name: strings.TrimPrefix(line, "event: ")}
		case strings.HasPrefix(line, "data: "):
			data := map[string]any{}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
			current.Data = data
		case line == "" && current.Name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func TestChatStream_FirstMessage(t *testing.T) {
	model := &fakeLLM{scripts: [][]llm.StreamEvent{{
		deltaEv("Hi "), deltaEv("there."),
		doneEv(&llm.Usage{InputTokens: 9, OutputTokens: 2, TotalTokens: 11}),
	}}}
	_, env, host := newTestServer(t, model)

	resp, err := http.Post(host.URL+"/api/chat/stream", "application/json",
		strings.NewReader(`{"message":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	events := parseSSE(t, buf.Bytes())

	// thread → delta+ → done.
	require.NotEmpty(t, events)
	if events[0].Name != "thread" {
		t.Fatalf("first event = %q", events[0].Name)
	}
	threadID := int64(events[0].Data["thread_id"].(float64))

	var deltas []string
	for _, ev := range events[1 : len(events)-1] {
		if ev.Name != "delta" {
			t.Errorf("middle event = %q", ev.Name)
			continue
		}
		deltas = append(deltas, ev.Data["content"].(string))
	}
	if strings.Join(deltas, "") != "Hi there." {
		t.Errorf("deltas = %v", deltas)
	}

	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("terminal event = %q", last.Name)
	}
	usage, ok := last.Data["usage"].(map[string]any)
	if !ok || usage["total_tokens"].(float64) != 11 {
		t.Errorf("done data = %+v", last.Data)
	}

	// Side effects: thread exists with source=user, exactly one system
	// message, the user message, and the assistant reply.
	ctx := context.Background()
	thread, err := env.threads.Find(ctx, threadID)
	require.NoError(t, err)
	if thread.Source != store.SourceUser {
		t.Errorf("Source = %q", thread.Source)
	}
	msgs, _ := env.threads.Messages(ctx, threadID)
	counts := map[store.MessageRole]int{}
	for _, m := range msgs {
		counts[m.Role]++
	}
	if counts[store.RoleSystem] != 1 || counts[store.RoleUser] != 1 || counts[store.RoleAssistant] != 1 {
		t.Errorf("message counts = %v", counts)
	}
}

func TestChatStream_ToolEventsOnWire(t *testing.T) {
	model := &fakeLLM{scripts: [][]llm.StreamEvent{
		{toolCallEv("call_9", "recall", `{"query":"name"}`), doneEv(nil)},
		{deltaEv("You are Alex."), doneEv(nil)},
	}}
	_, _, host := newTestServer(t, model)

	resp, err := http.Post(host.URL+"/api/chat/stream", "application/json",
		strings.NewReader(`{"message":"what is my name?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	events := parseSSE(t, buf.Bytes())

	var names []string
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	want := []string{"thread", "tool_call", "tool_result", "delta", "done"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("event order = %v, want %v", names, want)
	}

	tc := events[1].Data
	if tc["name"] != "recall" || tc["callId"] != "call_9" {
		t.Errorf("tool_call = %+v", tc)
	}
	if _, ok := events[2].Data["output"].(string); !ok {
		t.Errorf("tool_result = %+v", events[2].Data)
	}
}

func TestChatStream_ErrorEvent(t *testing.T) {
	model := &fakeLLM{scripts: [][]llm.StreamEvent{{
		deltaEv("part"), errEv(fmt.Errorf("upstream blew up")),
	}}}
	_, _, host := newTestServer(t, model)

	resp, err := http.Post(host.URL+"/api/chat/stream", "application/json",
		strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	events := parseSSE(t, buf.Bytes())

	last := events[len(events)-1]
	if last.Name != "error" {
		t.Fatalf("terminal event = %q", last.Name)
	}
	if msg, _ := last.Data["message"].(string); !strings.Contains(msg, "upstream blew up") {
		t.Errorf("error data = %+v", last.Data)
	}
}

func TestChatStream_RejectsMissingMessage(t *testing.T) {
	_, _, host := newTestServer(t, okModel())

	resp, err := http.Post(host.URL+"/api/chat/stream", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestChatStream_UnknownThreadIs404(t *testing.T) {
	_, _, host := newTestServer(t, okModel())

	resp, err := http.Post(host.URL+"/api/chat/stream", "application/json",
		strings.NewReader(`{"thread_id": 424242, "message":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestREST_ThreadLifecycle(t *testing.T) {
	model := okModel()
	_, env, host := newTestServer(t, model)
	ctx := context.Background()

	th, err := env.threads.Create(ctx, nil, store.SourceUser, nil)
	require.NoError(t, err)
	_, err = env.threads.AddMessage(ctx, th.ID, store.RoleUser, nil,
		store.MessageContent{"role": "user", "content": "hello"})
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/api/threads/%d", host.URL, th.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got threadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	if got.Thread.ID != th.ID || len(got.Messages) != 1 {
		t.Errorf("got = %+v", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/threads/%d", host.URL, th.ID), nil)
	dresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dresp.Body.Close()
	require.Equal(t, http.StatusNoContent, dresp.StatusCode)

	resp2, err := http.Get(fmt.Sprintf("%s/api/threads/%d", host.URL, th.ID))
	require.NoError(t, err)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("deleted thread status = %d", resp2.StatusCode)
	}
}

func TestREST_JobValidation(t *testing.T) {
	_, _, host := newTestServer(t, okModel())

	resp, err := http.Post(host.URL+"/api/jobs", "application/json",
		strings.NewReader(`{"name":"bad","schedule":"not a cron","prompt":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp2, err := http.Post(host.URL+"/api/jobs", "application/json",
		strings.NewReader(`{"name":"ok","schedule":"0 8 * * *","prompt":"morning summary"}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp2.StatusCode)
	}

	var job store.Job
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&job))

	// Get returns the job with (empty) run history.
	resp3, err := http.Get(fmt.Sprintf("%s/api/jobs/%d", host.URL, job.ID))
	require.NoError(t, err)
	defer resp3.Body.Close()
	var got jobResponse
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&got))
	if got.Job.Name != "ok" || len(got.Runs) != 0 {
		t.Errorf("got = %+v", got)
	}
}

func TestREST_MemoryEndpoints(t *testing.T) {
	srv, _, host := newTestServer(t, okModel())
	ctx := context.Background()

	entry, err := srv.memory.Remember(ctx, "likes tea", store.MemoryUser, nil, nil)
	require.NoError(t, err)

	resp, err := http.Get(host.URL + "/api/memories")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []store.MemoryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)

	body := strings.NewReader(`{"content":"prefers oolong"}`)
	req, _ := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/api/memories/%d", host.URL, entry.ID), body)
	req.Header.Set("Content-Type", "application/json")
	uresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer uresp.Body.Close()
	require.Equal(t, http.StatusOK, uresp.StatusCode)

	dreq, _ := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/memories/%d", host.URL, entry.ID), nil)
	dresp, err := http.DefaultClient.Do(dreq)
	require.NoError(t, err)
	dresp.Body.Close()
	require.Equal(t, http.StatusNoContent, dresp.StatusCode)

	// Second delete: idempotent surface reports not found.
	dresp2, err := http.DefaultClient.Do(dreq)
	require.NoError(t, err)
	dresp2.Body.Close()
	require.Equal(t, http.StatusNotFound, dresp2.StatusCode)
}
