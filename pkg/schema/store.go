package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/queryweave/queryweave/pkg/search"
)

// Store is the process-wide, read-shared schema store: entity documents
// by FQN, the relationship graph, and a hybrid search index over the
// documents' rendered text.
type Store struct {
	entities map[string]*Entity
	graph    *Graph
	index    search.Index
	log      *slog.Logger
}

// NewStore builds a Store over already-loaded entities. The search index
// may be nil for graph-only use (tests, offline tools).
func NewStore(entities []*Entity, index search.Index, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	byFQN := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, exists := byFQN[e.FQN]; exists {
			return nil, fmt.Errorf("duplicate entity %s", e.FQN)
		}
		byFQN[e.FQN] = e
	}

	// Every referenced FQN must resolve or be marked external.
	for _, e := range byFQN {
		for _, rel := range e.EntityRelationships {
			if rel.External {
				continue
			}
			if _, ok := byFQN[rel.ForeignFQN]; !ok {
				return nil, fmt.Errorf("entity %s references unknown entity %s", e.FQN, rel.ForeignFQN)
			}
		}
	}

	return &Store{
		entities: byFQN,
		graph:    NewGraph(entities),
		index:    index,
		log:      log,
	}, nil
}

// LoadDir reads every *.json entity document under dir (recursively).
func LoadDir(dir string) ([]*Entity, error) {
	var entities []*Entity

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		// A file may hold one document or an array of them.
		trimmed := strings.TrimSpace(string(data))
		if strings.HasPrefix(trimmed, "[") {
			var batch []*Entity
			if err := json.Unmarshal(data, &batch); err != nil {
				return fmt.Errorf("parsing %s: %w", path, err)
			}
			entities = append(entities, batch...)
			return nil
		}

		var e Entity
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		entities = append(entities, &e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entities, nil
}

// Reindex pushes every entity document into the search index.
func (s *Store) Reindex(ctx context.Context) error {
	if s.index == nil {
		return fmt.Errorf("schema store has no search index")
	}

	for fqn, e := range s.entities {
		doc := search.Document{
			ID:      fqn,
			Content: e.SearchText(),
			Metadata: map[string]any{
				"fqn":      fqn,
				"database": e.Database,
				"schema":   e.Schema,
				"entity":   e.Entity,
			},
		}
		if err := s.index.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("indexing %s: %w", fqn, err)
		}
		s.log.Debug("indexed entity", "fqn", fqn)
	}

	return nil
}

// Get returns an entity by FQN.
func (s *Store) Get(fqn string) (*Entity, bool) {
	e, ok := s.entities[fqn]
	return e, ok
}

// All returns every entity in the store.
func (s *Store) All() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out
}

// Graph returns the relationship graph.
func (s *Store) Graph() *Graph {
	return s.graph
}

// Search retrieves the topK entities most relevant to the query text.
// When selected is non-empty, results are restricted to those FQNs.
func (s *Store) Search(ctx context.Context, query string, topK int, selected []string) ([]*Entity, error) {
	if s.index == nil {
		return nil, fmt.Errorf("schema store has no search index")
	}

	hits, err := s.index.Search(ctx, query, topK*2)
	if err != nil {
		return nil, fmt.Errorf("schema search: %w", err)
	}

	allow := map[string]bool{}
	for _, fqn := range selected {
		allow[fqn] = true
	}

	var out []*Entity
	for _, hit := range hits {
		if len(allow) > 0 && !allow[hit.ID] {
			continue
		}
		if e, ok := s.entities[hit.ID]; ok {
			out = append(out, e)
		}
		if len(out) == topK {
			break
		}
	}

	return out, nil
}

// Expand returns the entities along the shortest join path between two
// FQNs, letting an agent pull in intermediate tables it has not retrieved.
func (s *Store) Expand(from, to string) ([]*Entity, error) {
	path, err := s.graph.FindJoinPath(from, to)
	if err != nil {
		return nil, err
	}

	out := make([]*Entity, 0, len(path))
	for _, fqn := range path {
		if e, ok := s.entities[fqn]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
