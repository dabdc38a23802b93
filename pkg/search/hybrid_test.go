package search

import (
	"context"
	"strings"
	"testing"

	"github.com/queryweave/queryweave/pkg/vector"
)

// stubEmbedder maps known phrases to fixed vectors so similarity is
// deterministic without a live embedding service.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	for key, vec := range s.vectors {
		if strings.Contains(strings.ToLower(text), key) {
			return vec, nil
		}
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }
func (s *stubEmbedder) Model() string  { return "stub" }
func (s *stubEmbedder) Close() error   { return nil }

func newTestIndex(t *testing.T) *HybridIndex {
	t.Helper()

	vec, err := vector.NewChromemProvider(vector.ChromemConfig{})
	if err != nil {
		t.Fatalf("NewChromemProvider() error = %v", err)
	}

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"order":    {1, 0, 0},
		"customer": {0, 1, 0},
	}}

	idx, err := NewHybridIndex("test-index", "", vec, embedder)
	if err != nil {
		t.Fatalf("NewHybridIndex() error = %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestHybridIndex_SemanticMatch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	docs := []Document{
		{ID: "orders", Content: "Table holding sales order headers", Metadata: map[string]any{"fqn": "db.sales.orders"}},
		{ID: "customers", Content: "Table holding customer records", Metadata: map[string]any{"fqn": "db.sales.customers"}},
	}
	for _, doc := range docs {
		if err := idx.Upsert(ctx, doc); err != nil {
			t.Fatalf("Upsert(%s) error = %v", doc.ID, err)
		}
	}

	hits, err := idx.Search(ctx, "how many orders last year", 1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].ID != "orders" {
		t.Errorf("top hit = %s, want orders", hits[0].ID)
	}
	if hits[0].SemanticScore <= 0.9 {
		t.Errorf("SemanticScore = %v, want close to 1 for identical vector", hits[0].SemanticScore)
	}
}

func TestHybridIndex_KeywordContributes(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	// Both documents and the query embed to the same fallback vector, so the
	// vector side cannot separate them; only keywords can rank them.
	docs := []Document{
		{ID: "freight", Content: "freight cost per shipment lane"},
		{ID: "inventory", Content: "inventory snapshots by warehouse"},
	}
	for _, doc := range docs {
		if err := idx.Upsert(ctx, doc); err != nil {
			t.Fatalf("Upsert(%s) error = %v", doc.ID, err)
		}
	}

	hits, err := idx.Search(ctx, "freight lane", 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].ID != "freight" {
		t.Errorf("top hit = %s, want freight", hits[0].ID)
	}
}

func TestHybridIndex_Delete(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	doc := Document{ID: "orders", Content: "sales order header table"}
	if err := idx.Upsert(ctx, doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := idx.Delete(ctx, "orders"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	hits, err := idx.Search(ctx, "orders", 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, h := range hits {
		if h.ID == "orders" {
			t.Error("deleted document still returned")
		}
	}
}

func TestFuse_MergesRanks(t *testing.T) {
	vecResults := []vector.Result{
		{ID: "a", Score: 0.95},
		{ID: "b", Score: 0.70},
	}
	keywordIDs := []string{"b", "c"}

	hits := fuse(vecResults, keywordIDs)

	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	// b appears on both sides, so it must outrank both single-side hits.
	if hits[0].ID != "b" {
		t.Errorf("top fused hit = %s, want b", hits[0].ID)
	}
	// vector.Result.Score is float32; fuse widens it to float64.
	if want := float64(float32(0.70)); hits[0].SemanticScore != want {
		t.Errorf("SemanticScore = %v, want %v", hits[0].SemanticScore, want)
	}
}
