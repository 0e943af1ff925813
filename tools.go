package vigil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MooreSA/vigil/llm"
)

// ToolFunc executes a tool call. The returned string is read by the
// language model, so it should be short and human-readable.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// ToolDef declares a tool with an explicit JSON-schema parameter
// contract.
type ToolDef struct {
	Description string
	Params      map[string]ParamDef
	Fn          ToolFunc
}

// ParamDef defines a single tool parameter.
type ParamDef struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// tool is a registered tool.
type tool struct {
	name        string
	description string
	params      map[string]ParamDef
	fn          ToolFunc
}

// Tools is a collection of callable tools exposed to the language
// model. Execution never lets an error cross the boundary to the
// model: failures are returned as human-readable strings.
type Tools struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*tool
}

// NewTools creates an empty collection.
func NewTools() *Tools {
	return &Tools{tools: make(map[string]*tool)}
}

// Register adds a tool. Registering an existing name replaces it.
func (t *Tools) Register(name string, def ToolDef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tools[name]; !ok {
		t.order = append(t.order, name)
	}
	t.tools[name] = &tool{
		name:        name,
		description: def.Description,
		params:      def.Params,
		fn:          def.Fn,
	}
}

// Names returns the registered tool names in registration order.
func (t *Tools) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Schemas returns the tool schemas in registration order, in the form
// the language-model client sends upstream.
func (t *Tools) Schemas() []llm.ToolSchema {
	t.mu.RLock()
	defer t.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(t.order))
	for _, name := range t.order {
		tl := t.tools[name]
		props := make(map[string]any, len(tl.params))
		var required []string
		for pname, p := range tl.params {
			prop := map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if len(p.Enum) > 0 {
				prop["enum"] = p.Enum
			}
			props[pname] = prop
			if p.Required {
				required = append(required, pname)
			}
		}
		schema := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		schemas = append(schemas, llm.ToolSchema{
			Name:        name,
			Description: tl.description,
			InputSchema: schema,
		})
	}
	return schemas
}

// Execute runs the named tool and returns its output string. Errors —
// unknown tool, argument problems, tool failures — come back as
// human-readable text, never as an error: the model reads the result
// either way. The call id is used only for logging.
func (t *Tools) Execute(ctx context.Context, callID, name string, args map[string]any) string {
	t.mu.RLock()
	tl, ok := t.tools[name]
	t.mu.RUnlock()

	if !ok {
		slog.Warn("tool call for unknown tool", "call_id", callID, "tool", name)
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	start := time.Now()
	out, err := tl.fn(ctx, args)
	elapsed := time.Since(start)

	if err != nil {
		slog.Warn("tool call failed",
			"call_id", callID, "tool", name,
			"elapsed_ms", elapsed.Milliseconds(), "error", err)
		return "Error: " + err.Error()
	}

	slog.Debug("tool call completed",
		"call_id", callID, "tool", name,
		"elapsed_ms", elapsed.Milliseconds())
	return out
}
