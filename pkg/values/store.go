// Package values holds the column-value store: distinct string dimension
// values indexed so free-text filter terms can be mapped to the concrete
// values present in the database.
package values

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/queryweave/queryweave/pkg/search"
)

// Record is one distinct (entity, column, value) triple.
type Record struct {
	FQN      string   `json:"FQN"`
	Entity   string   `json:"Entity"`
	Schema   string   `json:"Schema"`
	Database string   `json:"Database"`
	Column   string   `json:"Column"`
	Value    string   `json:"Value"`
	Synonyms []string `json:"Synonyms,omitempty"`
}

// ID returns a stable identifier for the record.
func (r *Record) ID() string {
	return fmt.Sprintf("%s.%s=%s", r.FQN, r.Column, r.Value)
}

// searchText includes synonyms so "NL" can surface "Netherlands".
func (r *Record) searchText() string {
	if len(r.Synonyms) == 0 {
		return r.Value
	}
	return r.Value + " " + strings.Join(r.Synonyms, " ")
}

// Match is one lookup result.
type Match struct {
	FQN    string  `json:"fqn"`
	Entity string  `json:"entity"`
	Column string  `json:"column"`
	Value  string  `json:"value"`
	Score  float64 `json:"score"`
}

// Store is the process-wide, read-shared column-value store.
type Store struct {
	records map[string]*Record
	index   search.Index
	log     *slog.Logger
}

// NewStore builds a Store over loaded records.
func NewStore(records []*Record, index search.Index, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	byID := make(map[string]*Record, len(records))
	for _, r := range records {
		byID[r.ID()] = r
	}

	return &Store{records: byID, index: index, log: log}
}

// LoadJSONL reads records from a JSON Lines file.
func LoadJSONL(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening column value file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadJSONL(f)
}

// ReadJSONL decodes JSON Lines records from a reader. Blank lines are
// skipped; a malformed line is an error naming its line number.
func ReadJSONL(r io.Reader) ([]*Record, error) {
	var records []*Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Value == "" || rec.Column == "" || rec.FQN == "" {
			return nil, fmt.Errorf("line %d: record missing FQN, Column, or Value", line)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading column values: %w", err)
	}

	return records, nil
}

// Reindex pushes every record into the search index.
func (s *Store) Reindex(ctx context.Context) error {
	if s.index == nil {
		return fmt.Errorf("column value store has no search index")
	}

	for id, rec := range s.records {
		doc := search.Document{
			ID:      id,
			Content: rec.searchText(),
			Metadata: map[string]any{
				"fqn":    rec.FQN,
				"entity": rec.Entity,
				"column": rec.Column,
				"value":  rec.Value,
			},
		}
		if err := s.index.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("indexing %s: %w", id, err)
		}
	}

	s.log.Debug("column value store indexed", "records", len(s.records))
	return nil
}

// Count returns the number of loaded records.
func (s *Store) Count() int {
	return len(s.records)
}

// Search maps a free-text filter term to the closest concrete values.
func (s *Store) Search(ctx context.Context, term string, topK int) ([]Match, error) {
	if s.index == nil {
		return nil, fmt.Errorf("column value store has no search index")
	}

	hits, err := s.index.Search(ctx, term, topK)
	if err != nil {
		return nil, fmt.Errorf("column value search: %w", err)
	}

	out := make([]Match, 0, len(hits))
	for _, hit := range hits {
		rec, ok := s.records[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Match{
			FQN:    rec.FQN,
			Entity: rec.Entity,
			Column: rec.Column,
			Value:  rec.Value,
			Score:  hit.SemanticScore,
		})
	}

	return out, nil
}
