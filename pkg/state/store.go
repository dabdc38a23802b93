// Package state persists suspended runs keyed by thread ID so a
// disambiguation reply can resume where the run stopped.
//
// Snapshots are versioned: a version mismatch on load invalidates the
// entry and the run restarts from scratch rather than mis-routing.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/queryweave/queryweave/pkg/agents"
	"github.com/queryweave/queryweave/pkg/config"
)

// SnapshotVersion guards the serialized layout. Bump on any change to the
// snapshot schema.
const SnapshotVersion = 1

// SubRunSnapshot captures one sub-question's progress.
type SubRunSnapshot struct {
	Round  int           `json:"round"`
	Index  int           `json:"index"`
	State  *agents.State `json:"state"`
	Thread agents.Thread `json:"thread"`
	// Done marks sub-runs that finished before the suspension.
	Done bool `json:"done"`
}

// Snapshot is one suspended run.
type Snapshot struct {
	Version          int              `json:"version"`
	ThreadID         string           `json:"thread_id"`
	UserMessage      string           `json:"user_message"`
	Decomposition    [][]string       `json:"decomposition"`
	CombinationLogic string           `json:"combination_logic"`
	CurrentRound     int              `json:"current_round"`
	SubRuns          []SubRunSnapshot `json:"sub_runs"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ErrVersionMismatch marks a snapshot persisted by an incompatible build.
var ErrVersionMismatch = fmt.Errorf("state snapshot version mismatch")

// Store persists snapshots. Implementations serialize writes per thread.
type Store interface {
	// Save upserts the snapshot for its thread ID.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the snapshot for a thread, or nil when absent.
	// A version mismatch deletes the stale entry and returns
	// ErrVersionMismatch.
	Load(ctx context.Context, threadID string) (*Snapshot, error)

	// Delete removes a thread's snapshot.
	Delete(ctx context.Context, threadID string) error

	Close() error
}

// New creates a Store from configuration.
func New(cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(time.Duration(cfg.TTLSeconds) * time.Second), nil
	case "redis":
		return NewRedisStore(cfg)
	case "sql":
		return NewSQLStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}

// encode serializes a snapshot, stamping version and timestamps.
func encode(snap *Snapshot) ([]byte, error) {
	snap.Version = SnapshotVersion
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return raw, nil
}

// decode deserializes and version-checks a snapshot.
func decode(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, ErrVersionMismatch
	}
	return &snap, nil
}
