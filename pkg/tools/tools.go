// Package tools exposes the typed, LLM-invokable functions: schema lookup,
// column value lookup, SQL validation, SQL execution, and the run clock.
//
// Argument structs are decoded from model-provided maps with mapstructure
// and described to the model with JSON Schemas generated by
// invopop/jsonschema. The registry owns per-call timeouts and the bounded
// retry policy for transient failures.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/observability"
)

// Tool is one invokable function.
type Tool interface {
	// Info describes the tool to the model.
	Info() llm.ToolDefinition

	// Execute runs the tool and returns its result serialized as JSON.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ErrTimeout marks a tool call that exceeded its per-call timeout. Calls
// failing this way are retried with unchanged arguments.
var ErrTimeout = errors.New("tool call timed out")

// Registry holds the tool set and applies timeout and retry policy.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	callTimeout time.Duration
	maxRetries  int
}

// NewRegistry creates a registry with the given per-call timeout.
func NewRegistry(callTimeout time.Duration) *Registry {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Registry{
		tools:       make(map[string]Tool),
		callTimeout: callTimeout,
		maxRetries:  3,
	}
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	name := t.Info().Name
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists every tool for the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Info())
	}
	return out
}

// Execute dispatches one tool call with the registry's timeout. Timeouts
// are retried up to three times with linear backoff and unchanged
// arguments; other errors return immediately.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		result, err := r.executeOnce(ctx, tool, call.Arguments)
		observability.RecordToolCall(call.Name, err)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !errors.Is(err, ErrTimeout) {
			return "", err
		}
	}

	return "", fmt.Errorf("tool %s failed after %d attempts: %w", call.Name, r.maxRetries, lastErr)
}

func (r *Registry) executeOnce(ctx context.Context, tool Tool, args map[string]any) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	result, err := tool.Execute(callCtx, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", err
	}
	return result, nil
}

// decodeArgs decodes model-provided arguments into a typed struct.
func decodeArgs(args map[string]any, into any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           into,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return fmt.Errorf("building argument decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("decoding tool arguments: %w", err)
	}
	return nil
}

// schemaFor generates the JSON Schema map for an argument struct.
func schemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := reflector.Reflect(v)

	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// marshalResult serializes a tool result as compact JSON.
func marshalResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling tool result: %w", err)
	}
	return string(raw), nil
}
