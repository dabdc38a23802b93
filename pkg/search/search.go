// Package search implements the hybrid retrieval layer shared by the
// schema store, the column-value store, and the query cache.
//
// Each logical index pairs a vector collection (semantic similarity) with a
// bleve keyword index (term matching). Results from both sides are fused
// with reciprocal-rank fusion, then passed through a rerank hook. Semantic
// scores are preserved on every hit so callers with absolute thresholds
// (the query cache) can gate on cosine similarity rather than fused rank.
package search

import (
	"context"
)

// Document is one indexable unit: the Content field is what gets embedded
// and keyword-indexed, Metadata rides along and is returned on hits.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Hit is one fused search result.
type Hit struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	// Score is the fused ranking score; comparable only within one result set.
	Score float64 `json:"score"`
	// SemanticScore is the cosine similarity from the vector side, in [0,1];
	// zero when the hit only matched on keywords.
	SemanticScore float64        `json:"semantic_score"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Index is a searchable document collection.
type Index interface {
	// Name identifies the logical index (schema store, column values, cache).
	Name() string

	// Upsert indexes a document on both the vector and keyword sides.
	Upsert(ctx context.Context, doc Document) error

	// Search runs a hybrid query and returns fused hits, best first.
	Search(ctx context.Context, query string, topK int) ([]Hit, error)

	// Delete removes a document from both sides.
	Delete(ctx context.Context, id string) error

	Close() error
}

// Reranker reorders fused hits. Implementations may call out to a semantic
// reranking model; the default blends fused rank with semantic score.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []Hit) ([]Hit, error)
}
