package search

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/queryweave/queryweave/pkg/embed"
	"github.com/queryweave/queryweave/pkg/vector"
)

// rrfK is the reciprocal-rank fusion constant. 60 is the value from the
// original RRF paper and works well for short candidate lists.
const rrfK = 60

// overfetch widens both candidate lists before fusion so a document ranked
// poorly on one side can still surface.
const overfetch = 3

// HybridIndex fuses a vector collection with a bleve keyword index.
type HybridIndex struct {
	name     string
	vec      vector.Provider
	embedder embed.Embedder
	reranker Reranker

	mu      sync.RWMutex
	keyword bleve.Index
}

// Option configures a HybridIndex.
type Option func(*HybridIndex)

// WithReranker replaces the default reranker.
func WithReranker(r Reranker) Option {
	return func(h *HybridIndex) { h.reranker = r }
}

// NewHybridIndex builds a hybrid index named name. When path is empty the
// keyword side lives in memory; otherwise it is opened (or created) on disk.
func NewHybridIndex(name, path string, vec vector.Provider, embedder embed.Embedder, opts ...Option) (*HybridIndex, error) {
	var keyword bleve.Index
	var err error

	if path == "" {
		keyword, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	} else {
		keyword, err = bleve.Open(path)
		if err != nil {
			keyword, err = bleve.New(path, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening keyword index %s: %w", name, err)
	}

	h := &HybridIndex{
		name:     name,
		vec:      vec,
		embedder: embedder,
		reranker: &BlendReranker{},
		keyword:  keyword,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Name identifies the logical index.
func (h *HybridIndex) Name() string { return h.name }

// Upsert indexes a document on both sides.
func (h *HybridIndex) Upsert(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	vec, err := h.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding document %s: %w", doc.ID, err)
	}

	metadata := make(map[string]any, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	metadata["content"] = doc.Content

	if err := h.vec.Upsert(ctx, h.name, doc.ID, vec, metadata); err != nil {
		return fmt.Errorf("vector upsert for %s: %w", doc.ID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.keyword.Index(doc.ID, map[string]any{"content": doc.Content}); err != nil {
		return fmt.Errorf("keyword index for %s: %w", doc.ID, err)
	}

	return nil
}

// Search runs both sides, fuses by reciprocal rank, reranks, and returns
// the top topK hits.
func (h *HybridIndex) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	if topK < 1 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	queryVec, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	vecResults, err := h.vec.Search(ctx, h.name, queryVec, topK*overfetch)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	keywordIDs, err := h.keywordSearch(query, topK*overfetch)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	fused := fuse(vecResults, keywordIDs)

	reranked, err := h.reranker.Rerank(ctx, query, fused)
	if err != nil {
		return nil, fmt.Errorf("reranking: %w", err)
	}

	if len(reranked) > topK {
		reranked = reranked[:topK]
	}
	return reranked, nil
}

// Delete removes a document from both sides.
func (h *HybridIndex) Delete(ctx context.Context, id string) error {
	if err := h.vec.Delete(ctx, h.name, id); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keyword.Delete(id)
}

// Close releases the keyword index. The vector provider is shared across
// indices and closed by its owner.
func (h *HybridIndex) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keyword.Close()
}

func (h *HybridIndex) keywordSearch(query string, topK int) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, topK, 0, false)

	res, err := h.keyword.Search(req)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// fuse merges vector and keyword result lists with reciprocal-rank fusion.
// Vector hits contribute their cosine similarity as SemanticScore.
func fuse(vecResults []vector.Result, keywordIDs []string) []Hit {
	byID := make(map[string]*Hit)
	order := make([]string, 0, len(vecResults)+len(keywordIDs))

	get := func(id string) *Hit {
		if hit, ok := byID[id]; ok {
			return hit
		}
		hit := &Hit{ID: id}
		byID[id] = hit
		order = append(order, id)
		return hit
	}

	for rank, r := range vecResults {
		hit := get(r.ID)
		hit.Score += 1.0 / float64(rrfK+rank+1)
		hit.SemanticScore = float64(r.Score)
		hit.Content = r.Content
		hit.Metadata = r.Metadata
	}

	for rank, id := range keywordIDs {
		hit := get(id)
		hit.Score += 1.0 / float64(rrfK+rank+1)
	}

	out := make([]Hit, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// BlendReranker is the default reranker: it reorders hits by an equal blend
// of normalized fused score and semantic score, which pushes
// keyword-only matches below strong semantic matches.
type BlendReranker struct{}

// Rerank implements Reranker.
func (*BlendReranker) Rerank(_ context.Context, _ string, hits []Hit) ([]Hit, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	maxFused := hits[0].Score
	for _, h := range hits {
		if h.Score > maxFused {
			maxFused = h.Score
		}
	}
	if maxFused == 0 {
		return hits, nil
	}

	out := make([]Hit, len(hits))
	copy(out, hits)
	sort.SliceStable(out, func(i, j int) bool {
		bi := out[i].Score/maxFused + out[i].SemanticScore
		bj := out[j].Score/maxFused + out[j].SemanticScore
		return bi > bj
	})
	return out, nil
}

// Ensure HybridIndex implements Index.
var _ Index = (*HybridIndex)(nil)
