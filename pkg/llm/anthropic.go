package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/queryweave/queryweave/internal/httpclient"
	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/observability"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider speaks the Anthropic messages API.
type AnthropicProvider struct {
	cfg    *config.LLMConfig
	client *httpclient.Client
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"` // text, tool_use, tool_result

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Usage        *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// NewAnthropicProvider builds the provider from config.
func NewAnthropicProvider(cfg *config.LLMConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	)

	return &AnthropicProvider{cfg: cfg, client: client}, nil
}

// ModelName returns the configured model identifier.
func (p *AnthropicProvider) ModelName() string { return p.cfg.Model }

// Close releases resources.
func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return strings.TrimSuffix(p.cfg.BaseURL, "/")
	}
	return defaultAnthropicBaseURL
}

// buildRequest translates provider-neutral messages. Anthropic keeps the
// system prompt out of the message list and wraps tool results as user
// content blocks.
func (p *AnthropicProvider) buildRequest(messages []Message, tools []ToolDefinition, stream bool, format *ResponseFormat) anthropicRequest {
	req := anthropicRequest{
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Stream:    stream,
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content

		case "tool":
			req.Messages = append(req.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case "assistant":
			content := []anthropicContent{}
			if m.Content != "" {
				content = append(content, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content = append(content, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: content})

		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	// Anthropic has no native response_format; steer via system prompt.
	if format != nil && (format.JSON || format.Schema != nil) {
		instruction := "Respond with a single valid JSON object and nothing else."
		if format.Schema != nil {
			schema, _ := json.Marshal(format.Schema)
			instruction = fmt.Sprintf("Respond with a single valid JSON object conforming to this JSON Schema and nothing else:\n%s", schema)
		}
		if req.System != "" {
			req.System += "\n\n"
		}
		req.System += instruction
	}

	return req
}

// Generate performs a non-streaming completion request.
func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, format *ResponseFormat) (*Response, error) {
	tracer := observability.Tracer("queryweave.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String("llm.model", p.cfg.Model),
			attribute.String("llm.provider", "anthropic"),
		),
	)
	defer span.End()

	request := p.buildRequest(messages, tools, false, format)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordLLMCall(p.cfg.Model, 0, 0, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		apiErr := fmt.Errorf("Anthropic API error: %s", parsed.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, parsed.Error.Message)
		observability.RecordLLMCall(p.cfg.Model, 0, 0, apiErr)
		return nil, apiErr
	}

	out := &Response{Usage: Usage{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}}

	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	out.Text = text.String()

	span.SetAttributes(
		attribute.Int("llm.tokens_input", out.Usage.PromptTokens),
		attribute.Int("llm.tokens_output", out.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(out.ToolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	observability.RecordLLMCall(p.cfg.Model, out.Usage.PromptTokens, out.Usage.CompletionTokens, nil)

	return out, nil
}

// GenerateStreaming performs a streaming completion request.
func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, tools, true, nil)

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := p.stream(ctx, request, out); err != nil {
			out <- StreamChunk{Type: "error", Err: err}
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) stream(ctx context.Context, request anthropicRequest, out chan<- StreamChunk) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// Tool input JSON arrives as partial fragments per content block index.
	type pendingTool struct {
		id   string
		name string
		json strings.Builder
	}
	pending := map[int]*pendingTool{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				pending[event.Index] = &pendingTool{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta.Text != "" {
				out <- StreamChunk{Type: "text", Text: event.Delta.Text}
			}
			if event.Delta.PartialJSON != "" {
				if tool, ok := pending[event.Index]; ok {
					tool.json.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if tool, ok := pending[event.Index]; ok {
				args := map[string]any{}
				if raw := tool.json.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						return fmt.Errorf("parsing streamed tool input for %s: %w", tool.name, err)
					}
				}
				out <- StreamChunk{Type: "tool_call", ToolCall: &ToolCall{
					ID:        tool.id,
					Name:      tool.name,
					Arguments: args,
				}}
				delete(pending, event.Index)
			}

		case "message_delta":
			if event.Usage != nil {
				out <- StreamChunk{Type: "done", Usage: &Usage{
					PromptTokens:     event.Usage.InputTokens,
					CompletionTokens: event.Usage.OutputTokens,
				}}
			}

		case "message_stop":
			out <- StreamChunk{Type: "done"}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	out <- StreamChunk{Type: "done"}
	return nil
}

// Ensure AnthropicProvider implements Provider.
var _ Provider = (*AnthropicProvider)(nil)
