package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default client configuration values.
const (
	DefaultTimeout    = 5 * time.Minute
	DefaultChatModel  = "gpt-4o"
	DefaultEmbedModel = "text-embedding-3-small"
	DefaultBaseURL    = "https://api.openai.com"

	// EmbeddingDim is the dimension of vectors produced by the default
	// embedding model.
	EmbeddingDim = 1536
)

// Client talks to an OpenAI-compatible API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	chatModel  string
	embedModel string
}

// Option configures the client.
type Option func(*Client)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithChatModel sets the chat model.
func WithChatModel(model string) Option {
	return func(c *Client) { c.chatModel = model }
}

// WithEmbedModel sets the embedding model.
func WithEmbedModel(model string) Option {
	return func(c *Client) { c.embedModel = model }
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client with defaults filled from the environment.
func NewClient(opts ...Option) *Client {
	c := &Client{
		apiKey:     os.Getenv("OPENAI_API_KEY"),
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		chatModel:  DefaultChatModel,
		embedModel: DefaultEmbedModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatModel returns the configured chat model identifier.
func (c *Client) ChatModel() string { return c.chatModel }

// Wire types for /v1/chat/completions.

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatMsg struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMsg      `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

// chatChunk is one SSE data payload of a streamed completion.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) buildChatRequest(messages []Message, tools []ToolSchema, stream bool) *chatRequest {
	req := &chatRequest{
		Model:  c.chatModel,
		Stream: stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	for _, msg := range messages {
		cm := chatMsg{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			ctc := chatToolCall{ID: tc.ID, Type: "function"}
			ctc.Function.Name = tc.Name
			ctc.Function.Arguments = tc.Arguments
			cm.ToolCalls = append(cm.ToolCalls, ctc)
		}
		req.Messages = append(req.Messages, cm)
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return req
}

func (c *Client) newRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// retryable reports whether a status code warrants a retry.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable || status == 529
}

// retryAfterDelay returns how long to wait before retrying a rate-limited
// request. It respects the retry-after header if present, otherwise uses
// exponential backoff.
func retryAfterDelay(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("retry-after"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	// Exponential backoff: 5s, 10s, 20s, 40s, 60s
	wait := time.Duration(5<<uint(attempt)) * time.Second
	if wait > 60*time.Second {
		wait = 60 * time.Second
	}
	return wait
}

const maxRetries = 5

// ChatStream sends a streamed chat completion and returns a channel of
// events. The channel is closed after a terminal Done or Error event.
func (c *Client) ChatStream(ctx context.Context, messages []Message, tools []ToolSchema) (<-chan StreamEvent, error) {
	req := c.buildChatRequest(messages, tools, true)

	eventCh := make(chan StreamEvent, 100)

	go func() {
		defer close(eventCh)

		for attempt := 0; attempt <= maxRetries; attempt++ {
			httpReq, err := c.newRequest(ctx, "/v1/chat/completions", req)
			if err != nil {
				eventCh <- StreamEvent{Type: StreamEventError, Err: err}
				return
			}

			httpResp, err := c.httpClient.Do(httpReq)
			if err != nil {
				eventCh <- StreamEvent{Type: StreamEventError, Err: err}
				return
			}

			if httpResp.StatusCode == http.StatusOK {
				c.parseStream(httpResp.Body, eventCh)
				httpResp.Body.Close()
				return
			}

			body, _ := io.ReadAll(httpResp.Body)

			if retryable(httpResp.StatusCode) && attempt < maxRetries {
				wait := retryAfterDelay(httpResp, attempt)
				slog.Warn("API rate limited (stream), retrying",
					"status", httpResp.StatusCode, "attempt", attempt+1, "wait", wait)
				httpResp.Body.Close()
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					eventCh <- StreamEvent{Type: StreamEventError, Err: ctx.Err()}
					return
				}
			}

			httpResp.Body.Close()
			eventCh <- StreamEvent{
				Type: StreamEventError,
				Err:  fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body)),
			}
			return
		}

		eventCh <- StreamEvent{Type: StreamEventError, Err: fmt.Errorf("max retries exceeded")}
	}()

	return eventCh, nil
}

// pendingCall accumulates a streamed tool call's fragments.
type pendingCall struct {
	index int
	id    string
	name  string
	args  bytes.Buffer
}

// parseStream reads the SSE body of a streamed completion and emits
// events. Text deltas pass through as they arrive; tool-call fragments
// are assembled per index and emitted, in index order, when the stream
// ends.
func (c *Client) parseStream(reader io.Reader, eventCh chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pending := make(map[int]*pendingCall)
	var usage *Usage
	var streamErr error

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Error != nil {
			streamErr = fmt.Errorf("stream error: %s", chunk.Error.Message)
			break
		}

		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			eventCh <- StreamEvent{Type: StreamEventDelta, Delta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			pc, ok := pending[tc.Index]
			if !ok {
				pc = &pendingCall{index: tc.Index}
				pending[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil && streamErr == nil {
		streamErr = fmt.Errorf("read stream: %w", err)
	}

	if streamErr != nil {
		eventCh <- StreamEvent{Type: StreamEventError, Err: streamErr}
		return
	}

	calls := make([]*pendingCall, 0, len(pending))
	for _, pc := range pending {
		calls = append(calls, pc)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].index < calls[j].index })

	for _, pc := range calls {
		id := pc.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		eventCh <- StreamEvent{
			Type:     StreamEventToolCall,
			ToolCall: &ToolCall{ID: id, Name: pc.name, Arguments: args},
		}
	}

	eventCh <- StreamEvent{Type: StreamEventDone, Usage: usage}
}

// Complete sends a non-streamed completion and returns the reply text.
// Used for short one-shot prompts such as thread titling.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	req := c.buildChatRequest(messages, nil, false)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		httpReq, err := c.newRequest(ctx, "/v1/chat/completions", req)
		if err != nil {
			return "", err
		}

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return "", fmt.Errorf("http request: %w", err)
		}

		body, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}

		if httpResp.StatusCode == http.StatusOK {
			var resp chatResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return "", fmt.Errorf("unmarshal response: %w", err)
			}
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("empty completion response")
			}
			return resp.Choices[0].Message.Content, nil
		}

		if retryable(httpResp.StatusCode) && attempt < maxRetries {
			wait := retryAfterDelay(httpResp, attempt)
			slog.Warn("API rate limited, retrying",
				"status", httpResp.StatusCode, "attempt", attempt+1, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		return "", fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))
	}

	return "", fmt.Errorf("max retries exceeded")
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	httpReq, err := c.newRequest(ctx, "/v1/embeddings", &embedRequest{
		Model: c.embedModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}
