// Package cache implements the query cache: previously answered questions
// mapped to SQL templates, retrieved by question similarity and re-rendered
// at lookup time.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/queryweave/queryweave/pkg/observability"
	"github.com/queryweave/queryweave/pkg/search"
	"github.com/queryweave/queryweave/pkg/sqlexec"
)

// Entry is one cached question with its SQL template.
type Entry struct {
	Question    string    `json:"question"`
	SQLTemplate string    `json:"sql_template"`
	Schemas     []string  `json:"schemas,omitempty"` // entity FQNs the SQL touches
	CreatedAt   time.Time `json:"created_at"`
}

// Hit is a successful lookup.
type Hit struct {
	Entry       *Entry
	Score       float64
	RenderedSQL string
	// PreRunRows is populated when pre-run execution is enabled and the
	// rendered SQL executed cleanly; a failed pre-run demotes the hit to
	// template-only.
	PreRunRows *sqlexec.ResultSet
}

// Executor runs pre-run SQL; satisfied by *sqlexec.Connector.
type Executor interface {
	Execute(ctx context.Context, query string, rowLimit int) (*sqlexec.ResultSet, error)
}

// Cache is the process-wide query cache. Reads are index-driven; writes
// are last-writer-wins keyed by question hash.
type Cache struct {
	index     search.Index
	executor  Executor
	threshold float64
	rowLimit  int
	log       *slog.Logger

	mu      sync.Mutex
	pending []Entry // populated by the offline_batch strategy
}

// Options configures a Cache.
type Options struct {
	Index        search.Index
	Executor     Executor
	HitThreshold float64
	RowLimit     int
	Logger       *slog.Logger
}

// New builds a Cache.
func New(opts Options) (*Cache, error) {
	if opts.Index == nil {
		return nil, fmt.Errorf("cache requires a search index")
	}
	if opts.HitThreshold <= 0 {
		opts.HitThreshold = 0.85
	}
	if opts.RowLimit <= 0 {
		opts.RowLimit = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Cache{
		index:     opts.Index,
		executor:  opts.Executor,
		threshold: opts.HitThreshold,
		rowLimit:  opts.RowLimit,
		log:       opts.Logger,
	}, nil
}

// QuestionID is the stable identifier for a question: last writer wins per
// hash.
func QuestionID(question string) string {
	sum := sha256.Sum256([]byte(question))
	return hex.EncodeToString(sum[:])
}

// Lookup searches the cache. A hit requires the top result's semantic
// score to reach the threshold. When preRun is true and an executor is
// configured, the rendered SQL is executed and fresh rows attached.
func (c *Cache) Lookup(ctx context.Context, question string, params map[string]any, preRun bool) (*Hit, error) {
	hits, err := c.index.Search(ctx, question, 1)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	if len(hits) == 0 || hits[0].SemanticScore < c.threshold {
		observability.RecordCacheLookup("miss")
		return nil, nil
	}

	entry, err := entryFromMetadata(hits[0].Metadata)
	if err != nil {
		c.log.Warn("cache entry decode failed, treating as miss", "error", err)
		observability.RecordCacheLookup("miss")
		return nil, nil
	}

	rendered, err := RenderTemplate(entry.SQLTemplate, params)
	if err != nil {
		return nil, fmt.Errorf("rendering cached SQL: %w", err)
	}

	hit := &Hit{Entry: entry, Score: hits[0].SemanticScore, RenderedSQL: rendered}

	if preRun && c.executor != nil {
		rows, execErr := c.executor.Execute(ctx, rendered, c.rowLimit)
		if execErr != nil {
			// Stale templates must not poison the answer; demote to a
			// plain hit and let generation take over.
			c.log.Warn("cache pre-run failed, demoting hit", "error", execErr)
			observability.RecordCacheLookup("hit")
			return hit, nil
		}
		hit.PreRunRows = rows
		observability.RecordCacheLookup("hit_pre_run")
		return hit, nil
	}

	observability.RecordCacheLookup("hit")
	return hit, nil
}

// Write stores an entry according to the strategy. positiveFeedback is the
// caller's signal for the positive_feedback_only strategy.
func (c *Cache) Write(ctx context.Context, entry Entry, strategy WriteStrategy, positiveFeedback bool) error {
	switch strategy {
	case WriteNever:
		return nil
	case WritePositiveFeedbackOnly:
		if !positiveFeedback {
			return nil
		}
	case WriteOfflineBatch:
		c.mu.Lock()
		c.pending = append(c.pending, entry)
		c.mu.Unlock()
		return nil
	case WriteAlways:
	default:
		return fmt.Errorf("unknown cache write strategy: %s", strategy)
	}

	return c.store(ctx, entry)
}

// FlushPending stores entries queued by the offline_batch strategy.
func (c *Cache) FlushPending(ctx context.Context) (int, error) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, entry := range batch {
		if err := c.store(ctx, entry); err != nil {
			// Requeue the remainder.
			c.mu.Lock()
			c.pending = append(batch[i:], c.pending...)
			c.mu.Unlock()
			return i, err
		}
	}
	return len(batch), nil
}

// PendingCount reports entries awaiting an offline flush.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Cache) store(ctx context.Context, entry Entry) error {
	if entry.Question == "" || entry.SQLTemplate == "" {
		return fmt.Errorf("cache entry requires question and sql_template")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	doc := search.Document{
		ID:      QuestionID(entry.Question),
		Content: entry.Question,
		Metadata: map[string]any{
			"entry": string(raw),
		},
	}
	if err := c.index.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func entryFromMetadata(metadata map[string]any) (*Entry, error) {
	raw, ok := metadata["entry"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("cache hit missing entry metadata")
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// WriteStrategy selects when successful runs are written back.
type WriteStrategy string

const (
	WriteAlways               WriteStrategy = "always"
	WriteNever                WriteStrategy = "never"
	WritePositiveFeedbackOnly WriteStrategy = "positive_feedback_only"
	WriteOfflineBatch         WriteStrategy = "offline_batch"
)
