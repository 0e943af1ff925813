package serve

import (
	"encoding/json"
	"fmt"
	"net/http"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/store"
)

// chatRequest is the POST body of the chat streaming endpoint.
type chatRequest struct {
	ThreadID *int64 `json:"thread_id"`
	Message  string `json:"message"`
}

// handleChatStream turns a user message into a streamed assistant
// reply. The response is a text-event stream: one thread event, then
// delta/tool_call/tool_result events in model order, then a terminal
// done or error event.
//
// Concurrent streams on one thread corrupt message ordering, so a
// second stream on a busy thread is rejected with 409. Single-user
// deployment makes rejection acceptable.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vigil.Validationf("invalid request body: %v", err))
		return
	}
	if req.Message == "" {
		writeError(w, vigil.Validationf("message is required"))
		return
	}

	ctx := r.Context()

	var threadID int64
	if req.ThreadID != nil {
		thread, err := s.threads.Find(ctx, *req.ThreadID)
		if err != nil {
			writeError(w, err)
			return
		}
		threadID = thread.ID
	} else {
		thread, err := s.threads.Create(ctx, nil, store.SourceUser, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		threadID = thread.ID
	}

	if !s.lockThread(threadID) {
		writeConflict(w, fmt.Sprintf("a reply is already streaming on thread %d", threadID))
		return
	}
	defer s.unlockThread(threadID)

	handle, err := s.agent.RunStream(ctx, threadID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}

	setSSEHeaders(w)
	writeSSE(w, flusher, "thread", map[string]any{"thread_id": threadID})

	for ev := range handle.Events {
		switch ev.Type {
		case vigil.StreamDelta:
			writeSSE(w, flusher, "delta", map[string]any{"content": ev.Delta})
		case vigil.StreamToolCall:
			writeSSE(w, flusher, "tool_call", map[string]any{
				"callId":    ev.CallID,
				"name":      ev.ToolName,
				"arguments": ev.Arguments,
			})
		case vigil.StreamToolResult:
			writeSSE(w, flusher, "tool_result", map[string]any{
				"callId": ev.CallID,
				"name":   ev.ToolName,
				"output": ev.Output,
			})
		}
	}

	if err := handle.Err(); err != nil {
		writeSSE(w, flusher, "error", map[string]any{"message": err.Error()})
		return
	}

	done := map[string]any{}
	if usage, _ := handle.Usage.Await(ctx); usage != nil {
		done["usage"] = usage
	}
	writeSSE(w, flusher, "done", done)
}

// writeSSE emits one event with a JSON payload.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

// lockThread marks a thread as having an in-flight stream. Returns
// false when one already exists.
func (s *Server) lockThread(id int64) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Server) unlockThread(id int64) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
