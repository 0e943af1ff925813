package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/llm"
	"github.com/MooreSA/vigil/store"
)

// baseInstructions is embedded verbatim into every system prompt.
const baseInstructions = `You are a personal assistant with persistent long-term memory.

Memory discipline:
- You have a persistent memory that survives across conversations.
- Always call recall before remember, so you know what is already stored.
- Each remember call stores ONE atomic fact.
- To update an existing memory, pass its id as replace_id; otherwise the old and new facts will coexist.
- Be selective: remember only what is genuinely worth keeping across conversations.`

// DefaultMaxIterations bounds the tool-call loop.
const DefaultMaxIterations = 25

// chatStreamer is the slice of the LLM client the agent needs.
type chatStreamer interface {
	ChatStream(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema) (<-chan llm.StreamEvent, error)
	ChatModel() string
}

// recaller is the slice of the memory service used for system-prompt
// assembly.
type recaller interface {
	Recall(ctx context.Context, query string, limit int) ([]store.MemoryMatch, error)
}

// AgentService drives the language model with tools over persisted
// conversational state, streaming deltas and tool events.
type AgentService struct {
	threads       *ThreadService
	llm           chatStreamer
	memory        recaller
	tools         *vigil.Tools
	bus           *vigil.Bus
	maxIterations int
	now           func() time.Time
}

// NewAgentService creates the service. maxIterations <= 0 uses the
// default.
func NewAgentService(threads *ThreadService, client chatStreamer, memory recaller, tools *vigil.Tools, bus *vigil.Bus, maxIterations int) *AgentService {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &AgentService{
		threads:       threads,
		llm:           client,
		memory:        memory,
		tools:         tools,
		bus:           bus,
		maxIterations: maxIterations,
		now:           time.Now,
	}
}

// SetClock overrides the service clock. Test use only.
func (a *AgentService) SetClock(now func() time.Time) { a.now = now }

// RunStream appends userMessage to the thread and drives the model to
// a complete reply. The handle's event stream is a single-consumer
// lazy sequence in model order; its usage future resolves after the
// final event.
//
// The user message is persisted before any remote call. On a
// first exchange the system prompt is assembled (best-effort memory
// recall) and frozen. Cancellation before the assistant reply is
// persisted leaves the thread without a partial reply; an error after
// the first delta persists the partial text so a reload matches what
// the user saw.
func (a *AgentService) RunStream(ctx context.Context, threadID int64, userMessage string) (*vigil.RunHandle, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, vigil.Validationf("message is required")
	}
	if _, err := a.threads.Find(ctx, threadID); err != nil {
		return nil, err
	}

	// Persist the user's input before anything can fail remotely.
	if _, err := a.threads.AddMessage(ctx, threadID, store.RoleUser, nil, store.MessageContent{
		"role":    "user",
		"content": userMessage,
	}); err != nil {
		return nil, err
	}

	msgs, err := a.threads.Messages(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if countNonSystem(msgs) == 1 {
		system := a.buildSystemPrompt(ctx, userMessage)
		if _, err := a.threads.AddMessage(ctx, threadID, store.RoleSystem, nil, store.MessageContent{
			"role":    "system",
			"content": system,
		}); err != nil {
			return nil, err
		}
		msgs, err = a.threads.Messages(ctx, threadID)
		if err != nil {
			return nil, err
		}
	}

	chatStreamsTotal.Inc()

	events := make(chan vigil.StreamEvent, 64)
	handle := vigil.NewRunHandle(threadID, events, a.llm.ChatModel())

	go a.drive(ctx, handle, events, toLLMMessages(msgs))

	return handle, nil
}

// drive runs the tool-call loop, emitting events and persisting the
// final assistant message.
func (a *AgentService) drive(ctx context.Context, handle *vigil.RunHandle, events chan<- vigil.StreamEvent, messages []llm.Message) {
	var fullText strings.Builder
	var usage *vigil.Usage
	sawOutput := false

	finish := func(err error) {
		close(events)
		handle.Usage.Resolve(usage)
		handle.Finish(err)
	}

	persistAssistant := func() error {
		content := store.MessageContent{
			"role":    "assistant",
			"content": fullText.String(),
		}
		if usage != nil {
			content["usage"] = map[string]any{
				"input_tokens":  float64(usage.InputTokens),
				"output_tokens": float64(usage.OutputTokens),
				"total_tokens":  float64(usage.TotalTokens),
			}
		}
		model := handle.Model
		_, err := a.threads.AddMessage(ctx, handle.ThreadID, store.RoleAssistant, &model, content)
		return err
	}

	schemas := a.tools.Schemas()

	for i := 0; i < a.maxIterations; i++ {
		if ctx.Err() != nil {
			// Cancelled between start and persist: the partial text is
			// dropped so the thread never holds a truncated reply.
			finish(ctx.Err())
			return
		}

		eventCh, err := a.llm.ChatStream(ctx, messages, schemas)
		if err != nil {
			finish(vigil.Upstreamf(err, "language model request"))
			return
		}

		var iterText strings.Builder
		var toolCalls []llm.ToolCall
		var streamErr error

		for ev := range eventCh {
			switch ev.Type {
			case llm.StreamEventDelta:
				if ev.Delta == "" {
					continue
				}
				sawOutput = true
				fullText.WriteString(ev.Delta)
				iterText.WriteString(ev.Delta)
				events <- vigil.StreamEvent{Type: vigil.StreamDelta, Delta: ev.Delta}

			case llm.StreamEventToolCall:
				sawOutput = true
				toolCalls = append(toolCalls, *ev.ToolCall)
				events <- vigil.StreamEvent{
					Type:      vigil.StreamToolCall,
					CallID:    ev.ToolCall.ID,
					ToolName:  ev.ToolCall.Name,
					Arguments: ev.ToolCall.Arguments,
				}

			case llm.StreamEventDone:
				if ev.Usage != nil {
					if usage == nil {
						usage = &vigil.Usage{}
					}
					usage.InputTokens += ev.Usage.InputTokens
					usage.OutputTokens += ev.Usage.OutputTokens
					usage.TotalTokens += ev.Usage.TotalTokens
					llmTokensTotal.WithLabelValues("input").Add(float64(ev.Usage.InputTokens))
					llmTokensTotal.WithLabelValues("output").Add(float64(ev.Usage.OutputTokens))
				}

			case llm.StreamEventError:
				streamErr = ev.Err
			}
		}

		if streamErr != nil {
			if ctx.Err() != nil {
				finish(ctx.Err())
				return
			}
			if !sawOutput {
				// Failed before producing anything: nothing to persist.
				finish(vigil.Upstreamf(streamErr, "language model stream"))
				return
			}
			// The user already saw partial output; persist it with no
			// usage so a reload matches the screen.
			usage = nil
			if err := persistAssistant(); err != nil {
				slog.Error("persist partial assistant reply failed",
					"thread_id", handle.ThreadID, "error", err)
			}
			finish(vigil.Upstreamf(streamErr, "language model stream"))
			return
		}

		if len(toolCalls) == 0 {
			if ctx.Err() != nil {
				finish(ctx.Err())
				return
			}
			if err := persistAssistant(); err != nil {
				finish(err)
				return
			}
			a.bus.Publish(vigil.TopicResponseComplete, handle.ThreadID)
			finish(nil)
			return
		}

		// Feed the turn's text and tool invocations back, then run the
		// tools and answer each call. Tool messages stay in this loop's
		// message list only; they are never persisted or replayed.
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   iterText.String(),
			ToolCalls: toolCalls,
		})

		for _, tc := range toolCalls {
			toolCallsTotal.WithLabelValues(tc.Name).Inc()

			args := map[string]any{}
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				slog.Warn("tool arguments are not valid JSON",
					"call_id", tc.ID, "tool", tc.Name, "error", err)
			}

			output := a.tools.Execute(ctx, tc.ID, tc.Name, args)

			events <- vigil.StreamEvent{
				Type:     vigil.StreamToolResult,
				CallID:   tc.ID,
				ToolName: tc.Name,
				Output:   output,
			}

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
			})
		}
	}

	// Iteration budget exhausted mid-conversation: persist what the
	// user has seen and surface the failure.
	if err := persistAssistant(); err != nil {
		slog.Error("persist assistant reply failed", "thread_id", handle.ThreadID, "error", err)
	}
	finish(vigil.Internalf("tool-call loop exceeded %d iterations", a.maxIterations))
}

// buildSystemPrompt assembles the first-exchange system text. Recall
// failures downgrade to base instructions: the conversation is never
// aborted for an embedding outage.
func (a *AgentService) buildSystemPrompt(ctx context.Context, userMessage string) string {
	var b strings.Builder
	b.WriteString(baseInstructions)
	b.WriteString("\n\nCurrent time: ")
	b.WriteString(a.now().Format("Monday, January 2, 2006 at 3:04 PM (MST)"))

	matches, err := a.memory.Recall(ctx, userMessage, defaultRecallLimit)
	if err != nil {
		slog.Warn("memory recall failed during prompt assembly", "error", err)
		return b.String()
	}
	if len(matches) > 0 {
		b.WriteString("\n\nRelevant context from memory:")
		for _, m := range matches {
			b.WriteString("\n- ")
			b.WriteString(m.Entry.Content)
		}
	}
	return b.String()
}

// countNonSystem counts a thread's non-system messages.
func countNonSystem(msgs []store.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role != store.RoleSystem {
			n++
		}
	}
	return n
}

// toLLMMessages maps persisted structured content into model input,
// system prompt first regardless of row order (it lands after the
// first user message by id). Tool messages are ephemeral within a run
// and never appear here.
func toLLMMessages(msgs []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != store.RoleSystem {
			continue
		}
		text, _ := m.Content["content"].(string)
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: text})
	}
	for _, m := range msgs {
		text, _ := m.Content["content"].(string)
		switch m.Role {
		case store.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: text})
		case store.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: text})
		}
	}
	return out
}

// FormatRecallMatches renders recall hits as a bulleted list with
// relevance percentages, the form the recall tool returns to the model.
func FormatRecallMatches(matches []store.MemoryMatch) string {
	if len(matches) == 0 {
		return "No relevant memories found."
	}
	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- [id %d, %.0f%% relevant] %s", m.Entry.ID, m.Similarity*100, m.Entry.Content)
	}
	return b.String()
}
