package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/queryweave/queryweave/pkg/config"
)

// Provider is a chat completion backend.
type Provider interface {
	// Generate performs a non-streaming completion request.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition, format *ResponseFormat) (*Response, error)

	// GenerateStreaming performs a streaming completion request. The
	// returned channel is closed after the final chunk; cancellation of
	// ctx stops the stream.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string

	Close() error
}

// Registry holds named providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under name.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" {
		return fmt.Errorf("llm name cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("llm provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("llm %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q not found", name)
	}
	return p, nil
}

// CreateFromConfig builds a provider from configuration and registers it.
func (r *Registry) CreateFromConfig(name string, cfg *config.LLMConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config cannot be nil")
	}

	var provider Provider
	var err error

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProvider(cfg)
	case "anthropic":
		provider, err = NewAnthropicProvider(cfg)
	case "ollama":
		provider, err = NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm type: %s (supported: openai, anthropic, ollama)", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("creating llm provider: %w", err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
