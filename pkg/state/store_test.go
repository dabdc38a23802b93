package state

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/queryweave/queryweave/pkg/agents"
	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/llm"
)

func sampleSnapshot() *Snapshot {
	thread := agents.Thread{}
	thread.Append(agents.IDUser, "show me sales by region", llm.Usage{})

	return &Snapshot{
		ThreadID:         "thread-1",
		UserMessage:      "show me sales by region",
		Decomposition:    [][]string{{"show me sales by region"}},
		CombinationLogic: "single question",
		CurrentRound:     0,
		SubRuns: []SubRunSnapshot{{
			Round:  0,
			Index:  0,
			State:  &agents.State{SubQuestion: "show me sales by region"},
			Thread: thread,
		}},
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)

	if err := store.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() = nil for saved thread")
	}
	if loaded.UserMessage != "show me sales by region" {
		t.Errorf("UserMessage = %q", loaded.UserMessage)
	}
	if len(loaded.SubRuns) != 1 || loaded.SubRuns[0].State.SubQuestion != "show me sales by region" {
		t.Errorf("SubRuns = %+v", loaded.SubRuns)
	}
}

func TestMemoryStore_MissingThread(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	loaded, err := store.Load(context.Background(), "nope")
	if err != nil || loaded != nil {
		t.Errorf("Load() = %v, %v; want nil, nil", loaded, err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)

	_ = store.Save(ctx, sampleSnapshot())
	if err := store.Delete(ctx, "thread-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if loaded, _ := store.Load(ctx, "thread-1"); loaded != nil {
		t.Error("snapshot survived delete")
	}
}

func TestMemoryStore_VersionMismatchInvalidates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)

	// Inject a snapshot with a foreign version directly.
	stale := sampleSnapshot()
	raw, _ := encode(stale)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	m["version"] = SnapshotVersion + 1
	tampered, _ := json.Marshal(m)
	store.entries["thread-1"] = memoryEntry{raw: tampered, expiresAt: time.Now().Add(time.Minute)}

	_, err := store.Load(ctx, "thread-1")
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Load() error = %v, want ErrVersionMismatch", err)
	}

	// The stale entry must be gone so the run restarts cleanly.
	if loaded, err := store.Load(ctx, "thread-1"); err != nil || loaded != nil {
		t.Errorf("stale entry not invalidated: %v, %v", loaded, err)
	}
}

func TestSQLStore_RoundTrip(t *testing.T) {
	ctx := context.Background()

	store, err := NewSQLStore(config.StateConfig{
		Backend: "sql",
		Driver:  "sqlite3",
		DSN:     filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil || loaded.ThreadID != "thread-1" {
		t.Fatalf("Load() = %+v", loaded)
	}

	// Overwrite and reload: last writer wins.
	updated := sampleSnapshot()
	updated.CurrentRound = 1
	if err := store.Save(ctx, updated); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}
	loaded, _ = store.Load(ctx, "thread-1")
	if loaded.CurrentRound != 1 {
		t.Errorf("CurrentRound = %d after overwrite", loaded.CurrentRound)
	}

	if err := store.Delete(ctx, "thread-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if loaded, _ := store.Load(ctx, "thread-1"); loaded != nil {
		t.Error("snapshot survived delete")
	}
}
