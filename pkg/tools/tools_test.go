package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/llm"
)

type fakeTool struct {
	name     string
	execute  func(ctx context.Context, args map[string]any) (string, error)
	executed int
}

func (f *fakeTool) Info() llm.ToolDefinition {
	return llm.ToolDefinition{Name: f.name, Description: "fake", Parameters: map[string]any{"type": "object"}}
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	f.executed++
	return f.execute(ctx, args)
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry(time.Second)
	tool := &fakeTool{name: "echo", execute: func(_ context.Context, args map[string]any) (string, error) {
		return marshalResult(args)
	}}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	out, err := reg.Execute(context.Background(), llm.ToolCall{Name: "echo", Arguments: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != `{"k":"v"}` {
		t.Errorf("Execute() = %q", out)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	reg := NewRegistry(time.Second)
	if _, err := reg.Execute(context.Background(), llm.ToolCall{Name: "missing"}); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegistry_NonTimeoutNotRetried(t *testing.T) {
	reg := NewRegistry(time.Second)
	tool := &fakeTool{name: "boom", execute: func(context.Context, map[string]any) (string, error) {
		return "", errors.New("permanent failure")
	}}
	_ = reg.Register(tool)

	if _, err := reg.Execute(context.Background(), llm.ToolCall{Name: "boom"}); err == nil {
		t.Fatal("expected error")
	}
	if tool.executed != 1 {
		t.Errorf("executed %d times, want 1", tool.executed)
	}
}

func TestRegistry_TimeoutRetried(t *testing.T) {
	reg := NewRegistry(20 * time.Millisecond)
	tool := &fakeTool{name: "slow", execute: func(ctx context.Context, _ map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	_ = reg.Register(tool)

	if _, err := reg.Execute(context.Background(), llm.ToolCall{Name: "slow"}); err == nil {
		t.Fatal("expected error")
	}
	if tool.executed != 3 {
		t.Errorf("executed %d times, want 3 retries", tool.executed)
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry(time.Second)
	tool := &fakeTool{name: "t", execute: func(context.Context, map[string]any) (string, error) { return "", nil }}
	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(tool); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestSchemaFor_GeneratesObjectSchema(t *testing.T) {
	s := schemaFor(&entitySchemasArgs{})
	if s["type"] != "object" {
		t.Errorf("schema type = %v", s["type"])
	}
	props, ok := s["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %v", s)
	}
	if _, ok := props["search_text"]; !ok {
		t.Errorf("search_text missing from schema: %v", props)
	}
}

func TestValidateSQLTool(t *testing.T) {
	tool := NewValidateSQLTool(config.EnginePostgres)

	out, err := tool.Execute(context.Background(), map[string]any{"sql": "SELECT 1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("Execute() = %q", out)
	}

	out, err = tool.Execute(context.Background(), map[string]any{"sql": "DROP TABLE x"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out == `{"ok":true}` {
		t.Error("DROP validated as ok")
	}
}

func TestCurrentDatetimeTool_Deterministic(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tool := NewCurrentDatetimeTool(now)

	first, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	second, _ := tool.Execute(context.Background(), nil)

	if first != second {
		t.Error("datetime tool not deterministic within a run")
	}
	if first != `{"datetime":"2024-06-01T12:00:00Z"}` {
		t.Errorf("Execute() = %q", first)
	}
}
