package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the Pinecone vector provider.
type PineconeConfig struct {
	// APIKey is required for Pinecone authentication.
	APIKey string `yaml:"api_key"`

	// IndexHost overrides the control-plane host (optional).
	IndexHost string `yaml:"index_host,omitempty"`
}

// PineconeProvider implements Provider using the Pinecone managed service.
// Collections map to Pinecone indexes, which must be provisioned ahead of
// time.
type PineconeProvider struct {
	client *pinecone.Client
	config PineconeConfig
}

// NewPineconeProvider creates a new Pinecone provider.
func NewPineconeProvider(cfg PineconeConfig) (*PineconeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}

	params := pinecone.NewClientParams{ApiKey: cfg.APIKey}
	if cfg.IndexHost != "" {
		params.Host = cfg.IndexHost
	}

	client, err := pinecone.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("creating Pinecone client: %w", err)
	}

	return &PineconeProvider{client: client, config: cfg}, nil
}

// Name returns the provider name.
func (p *PineconeProvider) Name() string {
	return "pinecone"
}

func (p *PineconeProvider) indexConnection(ctx context.Context, indexName string) (*pinecone.IndexConnection, error) {
	index, err := p.client.DescribeIndex(ctx, indexName)
	if err != nil {
		return nil, fmt.Errorf("describing index %s: %w", indexName, err)
	}

	conn, err := p.client.Index(pinecone.NewIndexConnParams{Host: index.Host})
	if err != nil {
		return nil, fmt.Errorf("creating index connection: %w", err)
	}

	return conn, nil
}

// Upsert adds or updates a document with its vector.
func (p *PineconeProvider) Upsert(ctx context.Context, collection string, id string, vec []float32, metadata map[string]any) error {
	conn, err := p.indexConnection(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	var pineconeMetadata *pinecone.Metadata
	if len(metadata) > 0 {
		pineconeMetadata, err = structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("converting metadata: %w", err)
		}
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vec,
		Metadata: pineconeMetadata,
	}})
	if err != nil {
		return fmt.Errorf("upserting vector: %w", err)
	}

	return nil
}

// Search finds the most similar vectors.
func (p *PineconeProvider) Search(ctx context.Context, collection string, vec []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vec, topK, nil)
}

// SearchWithFilter combines vector similarity with metadata filtering.
func (p *PineconeProvider) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]Result, error) {
	conn, err := p.indexConnection(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var metadataFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		metadataFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("converting filter: %w", err)
		}
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vec,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("querying Pinecone: %w", err)
	}

	results := make([]Result, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}

		metadata := map[string]any{}
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
		}
		content, _ := metadata["content"].(string)

		results = append(results, Result{
			ID:       match.Vector.Id,
			Score:    match.Score,
			Content:  content,
			Metadata: metadata,
		})
	}

	return results, nil
}

// Delete removes a document by ID.
func (p *PineconeProvider) Delete(ctx context.Context, collection string, id string) error {
	conn, err := p.indexConnection(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("deleting vector: %w", err)
	}

	return nil
}

// Close releases client resources. The Pinecone client holds no persistent
// connection.
func (p *PineconeProvider) Close() error {
	return nil
}

// Ensure PineconeProvider implements Provider.
var _ Provider = (*PineconeProvider)(nil)
