package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span names used across the run loop.
const (
	SpanRun         = "queryweave.run"
	SpanSubQuestion = "queryweave.subquestion"
	SpanAgentTurn   = "queryweave.agent_turn"
	SpanToolCall    = "queryweave.tool_call"
	SpanLLMRequest  = "queryweave.llm_request"
	SpanSQLExecute  = "queryweave.sql_execute"
)

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// InitTracing installs a stdout trace exporter when enabled. Returns a
// shutdown func to flush on exit.
func InitTracing(enabled bool) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
