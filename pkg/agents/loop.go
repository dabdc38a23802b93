package agents

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/queryweave/queryweave/pkg/llm"
	"github.com/queryweave/queryweave/pkg/observability"
	"github.com/queryweave/queryweave/pkg/tools"
)

// maxToolIterations bounds one agent turn. The model normally terminates
// on its own; this is a safety valve.
const maxToolIterations = 8

// toolLoop drives one LLM-backed agent turn: call the model, execute any
// requested tools, feed results back, repeat until the model answers with
// text. Cancellation is checked between every model and tool step.
func toolLoop(
	ctx context.Context,
	provider llm.Provider,
	registry *tools.Registry,
	systemPrompt string,
	userContent string,
	format *llm.ResponseFormat,
	allowedTools []string,
) (string, llm.Usage, error) {
	tracer := observability.Tracer("queryweave.agents")
	ctx, span := tracer.Start(ctx, observability.SpanAgentTurn)
	defer span.End()

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}

	defs := filterDefinitions(registry.Definitions(), allowedTools)

	var usage llm.Usage

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		select {
		case <-ctx.Done():
			return "", usage, ctx.Err()
		default:
		}

		resp, err := provider.Generate(ctx, messages, defs, format)
		if err != nil {
			return "", usage, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens

		if len(resp.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("agent.iterations", iteration+1))
			return resp.Text, usage, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			select {
			case <-ctx.Done():
				return "", usage, ctx.Err()
			default:
			}

			_, toolSpan := tracer.Start(ctx, observability.SpanToolCall,
				trace.WithAttributes(attribute.String("tool.name", call.Name)))

			result, err := registry.Execute(ctx, call)
			if err != nil {
				// Surface the failure to the model; it may recover by
				// trying a different call.
				result = fmt.Sprintf(`{"error": %q}`, err.Error())
			}
			toolSpan.End()

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	return "", usage, fmt.Errorf("agent exceeded %d tool iterations", maxToolIterations)
}

func filterDefinitions(defs []llm.ToolDefinition, allowed []string) []llm.ToolDefinition {
	if len(allowed) == 0 {
		return nil
	}

	allowSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowSet[name] = true
	}

	out := make([]llm.ToolDefinition, 0, len(allowed))
	for _, def := range defs {
		if allowSet[def.Name] {
			out = append(out, def)
		}
	}
	return out
}
