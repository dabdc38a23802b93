// Package vector abstracts the vector databases that back the retrieval
// indices. Embeddings are computed externally; providers only store and
// search pre-computed vectors.
package vector

import (
	"context"
	"fmt"

	"github.com/queryweave/queryweave/pkg/config"
)

// Result is one scored hit from a similarity search.
type Result struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Provider stores and searches pre-computed vectors grouped in named
// collections.
type Provider interface {
	Name() string

	Upsert(ctx context.Context, collection string, id string, vec []float32, metadata map[string]any) error

	Search(ctx context.Context, collection string, vec []float32, topK int) ([]Result, error)

	SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]Result, error)

	Delete(ctx context.Context, collection string, id string) error

	Close() error
}

// New creates a Provider from configuration.
func New(cfg config.VectorConfig) (Provider, error) {
	switch cfg.Type {
	case "qdrant":
		return NewQdrantProvider(QdrantConfig{
			Host:   cfg.Host,
			Port:   cfg.Port,
			APIKey: cfg.APIKey,
			UseTLS: cfg.UseTLS,
		})
	case "pinecone":
		return NewPineconeProvider(PineconeConfig{
			APIKey:    cfg.APIKey,
			IndexHost: cfg.IndexHost,
		})
	case "chromem":
		return NewChromemProvider(ChromemConfig{
			PersistPath: cfg.Path,
		})
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s (supported: qdrant, pinecone, chromem)", cfg.Type)
	}
}
