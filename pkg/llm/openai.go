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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI chat completions API, which also covers
// any compatible endpoint via base_url.
type OpenAIProvider struct {
	cfg    *config.LLMConfig
	client *httpclient.Client
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	Stream         bool                  `json:"stream"`
	Tools          []openAITool          `json:"tools,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
}

// NewOpenAIProvider builds the provider from config.
func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseStandardHeaders),
	)

	return &OpenAIProvider{cfg: cfg, client: client}, nil
}

// ModelName returns the configured model identifier.
func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }

// Close releases resources.
func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return strings.TrimSuffix(p.cfg.BaseURL, "/")
	}
	return defaultOpenAIBaseURL
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDefinition, stream bool, format *ResponseFormat) openAIRequest {
	req := openAIRequest{
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
	}
	if p.cfg.MaxTokens > 0 {
		maxTokens := p.cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}

	req.Messages = make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		msg := openAIMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if format != nil {
		if format.Schema != nil {
			req.ResponseFormat = &openAIResponseFormat{
				Type: "json_schema",
				JSONSchema: &openAIJSONSchema{
					Name:   "response",
					Schema: format.Schema,
					Strict: true,
				},
			}
		} else if format.JSON {
			req.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
		}
	}

	return req
}

// Generate performs a non-streaming completion request.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, format *ResponseFormat) (*Response, error) {
	tracer := observability.Tracer("queryweave.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String("llm.model", p.cfg.Model),
			attribute.String("llm.provider", "openai"),
		),
	)
	defer span.End()

	request := p.buildRequest(messages, tools, false, format)

	var parsed openAIResponse
	if err := p.post(ctx, "/chat/completions", request, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordLLMCall(p.cfg.Model, 0, 0, err)
		return nil, err
	}

	if parsed.Error != nil {
		apiErr := fmt.Errorf("OpenAI API error: %s", parsed.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, parsed.Error.Message)
		observability.RecordLLMCall(p.cfg.Model, 0, 0, apiErr)
		return nil, apiErr
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := parsed.Choices[0]

	toolCalls, err := parseOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}

	span.SetAttributes(
		attribute.Int("llm.tokens_input", usage.PromptTokens),
		attribute.Int("llm.tokens_output", usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(toolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	observability.RecordLLMCall(p.cfg.Model, usage.PromptTokens, usage.CompletionTokens, nil)

	return &Response{
		Text:      choice.Message.Content,
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}

// GenerateStreaming performs a streaming completion request.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
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

func (p *OpenAIProvider) post(ctx context.Context, path string, request any, into any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (p *OpenAIProvider) stream(ctx context.Context, request openAIRequest, out chan<- StreamChunk) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// Accumulate streamed tool call fragments by index.
	pending := map[int]*openAIToolCall{}

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
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			out <- StreamChunk{Type: "done", Usage: &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				out <- StreamChunk{Type: "text", Text: choice.Delta.Content}
			}
			for i, tc := range choice.Delta.ToolCalls {
				existing, ok := pending[i]
				if !ok || tc.ID != "" {
					copied := tc
					pending[i] = &copied
					continue
				}
				existing.Function.Arguments += tc.Function.Arguments
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	for _, tc := range pending {
		call, err := parseOpenAIToolCall(*tc)
		if err != nil {
			return err
		}
		out <- StreamChunk{Type: "tool_call", ToolCall: call}
	}

	out <- StreamChunk{Type: "done"}
	return nil
}

func parseOpenAIToolCalls(calls []openAIToolCall) ([]ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		parsed, err := parseOpenAIToolCall(c)
		if err != nil {
			return nil, err
		}
		out = append(out, *parsed)
	}
	return out, nil
}

func parseOpenAIToolCall(c openAIToolCall) (*ToolCall, error) {
	args := map[string]any{}
	if c.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("parsing tool call arguments for %s: %w", c.Function.Name, err)
		}
	}
	return &ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: args}, nil
}

// Ensure OpenAIProvider implements Provider.
var _ Provider = (*OpenAIProvider)(nil)
