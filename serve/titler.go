package serve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/llm"
	"github.com/MooreSA/vigil/store"
)

// completer is the slice of the LLM client used for one-shot prompts.
type completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// TitleHandler names a thread after its first exchange. It listens for
// response:complete, and when the thread holds exactly one user and
// one assistant message, asks the model for a short title. Everything
// unexpected is a silent no-op: titling is best-effort.
type TitleHandler struct {
	threads *ThreadService
	llm     completer
	bus     *vigil.Bus
	timeout time.Duration
}

// NewTitleHandler creates the handler and subscribes it to the bus.
func NewTitleHandler(threads *ThreadService, client completer, bus *vigil.Bus) *TitleHandler {
	h := &TitleHandler{
		threads: threads,
		llm:     client,
		bus:     bus,
		timeout: 30 * time.Second,
	}
	bus.Subscribe(vigil.TopicResponseComplete, func(payload any) {
		threadID, ok := payload.(int64)
		if !ok {
			return
		}
		// Off the publisher's goroutine: titling does remote work.
		go h.handle(threadID)
	})
	return h
}

func (h *TitleHandler) handle(threadID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	thread, err := h.threads.Find(ctx, threadID)
	if err != nil {
		slog.Debug("titler: thread lookup failed", "thread_id", threadID, "error", err)
		return
	}
	if thread.Title != nil {
		return
	}

	msgs, err := h.threads.Messages(ctx, threadID)
	if err != nil {
		slog.Debug("titler: load messages failed", "thread_id", threadID, "error", err)
		return
	}
	if countNonSystem(msgs) != 2 {
		return
	}

	var userText, assistantText string
	for _, m := range msgs {
		text, _ := m.Content["content"].(string)
		switch m.Role {
		case store.RoleUser:
			userText = text
		case store.RoleAssistant:
			assistantText = text
		}
	}

	prompt := fmt.Sprintf(
		"Write a 3-6 word title for this conversation. Reply with the title only, no quotes.\n\nUser: %s\n\nAssistant: %s",
		userText, clip(assistantText, 300))

	title, err := h.llm.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		slog.Warn("titler: completion failed", "thread_id", threadID, "error", err)
		return
	}

	title = strings.Trim(strings.TrimSpace(title), `"`)
	if title == "" {
		return
	}

	if err := h.threads.UpdateTitle(ctx, threadID, title); err != nil {
		slog.Warn("titler: update title failed", "thread_id", threadID, "error", err)
		return
	}

	h.bus.Publish(vigil.TopicSSE, vigil.SSEPayload{
		Type: "thread:updated",
		Data: map[string]any{"id": threadID, "title": title},
	})

	slog.Debug("titler: thread titled", "thread_id", threadID, "title", title)
}
