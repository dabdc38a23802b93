// Package embed provides text embedding for the retrieval indices.
package embed

import (
	"context"
	"fmt"

	"github.com/queryweave/queryweave/pkg/config"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// Embed converts text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts to vector embeddings in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name in use.
	Model() string

	Close() error
}

// New creates an Embedder from configuration.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s (supported: openai, ollama)", cfg.Type)
	}
}
