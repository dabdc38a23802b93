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

	"github.com/queryweave/queryweave/internal/httpclient"
	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/observability"
)

// OllamaProvider speaks a local Ollama server's chat API.
type OllamaProvider struct {
	cfg    *config.LLMConfig
	client *httpclient.Client
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// NewOllamaProvider builds the provider from config.
func NewOllamaProvider(cfg *config.LLMConfig) (*OllamaProvider, error) {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
	)
	return &OllamaProvider{cfg: cfg, client: client}, nil
}

// ModelName returns the configured model identifier.
func (p *OllamaProvider) ModelName() string { return p.cfg.Model }

// Close releases resources.
func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return strings.TrimSuffix(p.cfg.BaseURL, "/")
	}
	return defaultOllamaBaseURL
}

const defaultOllamaBaseURL = "http://localhost:11434"

func (p *OllamaProvider) buildRequest(messages []Message, tools []ToolDefinition, stream bool, format *ResponseFormat) ollamaChatRequest {
	req := ollamaChatRequest{
		Model:  p.cfg.Model,
		Stream: stream,
		Options: map[string]any{
			"temperature": p.cfg.Temperature,
		},
	}

	for _, m := range messages {
		msg := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
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
			raw, _ := json.Marshal(format.Schema)
			req.Format = raw
		} else if format.JSON {
			req.Format = json.RawMessage(`"json"`)
		}
	}

	return req
}

// Generate performs a non-streaming completion request.
func (p *OllamaProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, format *ResponseFormat) (*Response, error) {
	request := p.buildRequest(messages, tools, false, format)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		observability.RecordLLMCall(p.cfg.Model, 0, 0, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != "" {
		apiErr := fmt.Errorf("Ollama API error: %s", parsed.Error)
		observability.RecordLLMCall(p.cfg.Model, 0, 0, apiErr)
		return nil, apiErr
	}

	out := &Response{
		Text: parsed.Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
		},
	}
	for i, tc := range parsed.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	observability.RecordLLMCall(p.cfg.Model, out.Usage.PromptTokens, out.Usage.CompletionTokens, nil)
	return out, nil
}

// GenerateStreaming performs a streaming completion request. Ollama streams
// newline-delimited JSON objects rather than SSE.
func (p *OllamaProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
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

func (p *OllamaProvider) stream(ctx context.Context, request ollamaChatRequest, out chan<- StreamChunk) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	toolIndex := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("Ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			out <- StreamChunk{Type: "text", Text: chunk.Message.Content}
		}
		for _, tc := range chunk.Message.ToolCalls {
			out <- StreamChunk{Type: "tool_call", ToolCall: &ToolCall{
				ID:        fmt.Sprintf("call_%d", toolIndex),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}}
			toolIndex++
		}

		if chunk.Done {
			out <- StreamChunk{Type: "done", Usage: &Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
			}}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	out <- StreamChunk{Type: "done"}
	return nil
}

// Ensure OllamaProvider implements Provider.
var _ Provider = (*OllamaProvider)(nil)
