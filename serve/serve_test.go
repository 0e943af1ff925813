package serve

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/llm"
	"github.com/MooreSA/vigil/store"
)

// Shared test doubles for the serve package.

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if err := store.Migrate(db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store.New(db)
}

// fakeEmbedder returns canned vectors keyed by exact text, falling
// back to a default, or failing when err is set.
type fakeEmbedder struct {
	vectors     map[string][]float32
	fallbackVec []float32
	err         error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors:     map[string][]float32{},
		fallbackVec: []float32{1, 0, 0},
	}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.fallbackVec, nil
}

// fakeLLM replays scripted stream events, one script per ChatStream
// call. The final script repeats for extra calls.
type fakeLLM struct {
	mu       sync.Mutex
	scripts  [][]llm.StreamEvent
	calls    int
	received [][]llm.Message

	completeReply string
	completeErr   error
}

func (f *fakeLLM) ChatModel() string { return "test-model" }

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema) (<-chan llm.StreamEvent, error) {
	f.mu.Lock()
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)
	f.received = append(f.received, msgs)

	idx := f.calls
	if idx >= len(f.scripts) {
		idx = len(f.scripts) - 1
	}
	script := f.scripts[idx]
	f.calls++
	f.mu.Unlock()

	ch := make(chan llm.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	return f.completeReply, f.completeErr
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func deltaEv(s string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.StreamEventDelta, Delta: s}
}

func toolCallEv(id, name, args string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.StreamEventToolCall, ToolCall: &llm.ToolCall{ID: id, Name: name, Arguments: args}}
}

func doneEv(usage *llm.Usage) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.StreamEventDone, Usage: usage}
}

func errEv(err error) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.StreamEventError, Err: err}
}

// notification records one fakeNotifier delivery.
type notification struct {
	Title, Body, Tag, ClickURL string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeNotifier) Notify(ctx context.Context, title, body, tag, clickURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{title, body, tag, clickURL})
}

func (f *fakeNotifier) all() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notification, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDirections returns a fixed route or error.
type fakeDirections struct {
	mu    sync.Mutex
	route *Route
	err   error
	calls int
}

func (f *fakeDirections) Route(ctx context.Context, origin, destination string, departure, arrival *time.Time) (*Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.route, nil
}

// fakeSkill returns a canned result.
type fakeSkill struct {
	name   string
	result vigil.SkillResult
	err    error
	calls  int
}

func (f *fakeSkill) Name() string                 { return f.name }
func (f *fakeSkill) Description() string          { return "test skill" }
func (f *fakeSkill) ConfigSchema() map[string]any { return nil }
func (f *fakeSkill) Execute(ctx context.Context, sc vigil.SkillContext) (vigil.SkillResult, error) {
	f.calls++
	return f.result, f.err
}

// testLogger discards everything.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain consumes a run handle's events.
func drain(t *testing.T, handle *vigil.RunHandle) []vigil.StreamEvent {
	t.Helper()
	var events []vigil.StreamEvent
	for ev := range handle.Events {
		events = append(events, ev)
	}
	return events
}
