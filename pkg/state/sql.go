package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/queryweave/queryweave/pkg/config"
)

// SQLStore persists snapshots in a relational table. Supported drivers:
// sqlite3 and postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	ttl    time.Duration
}

const createTableSQLite = `CREATE TABLE IF NOT EXISTS run_state (
	thread_id  TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

const createTablePostgres = `CREATE TABLE IF NOT EXISTS run_state (
	thread_id  TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// NewSQLStore opens the database and ensures the run_state table exists.
func NewSQLStore(cfg config.StateConfig) (*SQLStore, error) {
	switch cfg.Driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported state driver: %s (supported: sqlite3, postgres)", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	if cfg.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	ddl := createTableSQLite
	if cfg.Driver == "postgres" {
		ddl = createTablePostgres
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating run_state table: %w", err)
	}

	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &SQLStore{db: db, driver: cfg.Driver, ttl: ttl}, nil
}

// Save upserts the snapshot for its thread ID.
func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	raw, err := encode(snap)
	if err != nil {
		return err
	}

	query := `INSERT INTO run_state (thread_id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`
	if s.driver == "postgres" {
		query = `INSERT INTO run_state (thread_id, snapshot, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (thread_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`
	}

	if _, err := s.db.ExecContext(ctx, query, snap.ThreadID, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot for a thread, or nil when absent or older
// than the TTL.
func (s *SQLStore) Load(ctx context.Context, threadID string) (*Snapshot, error) {
	query := `SELECT snapshot, updated_at FROM run_state WHERE thread_id = ?`
	if s.driver == "postgres" {
		query = `SELECT snapshot, updated_at FROM run_state WHERE thread_id = $1`
	}

	var raw string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	if time.Since(updatedAt) > s.ttl {
		_ = s.Delete(ctx, threadID)
		return nil, nil
	}

	snap, err := decode([]byte(raw))
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			_ = s.Delete(ctx, threadID)
		}
		return nil, err
	}
	return snap, nil
}

// Delete removes a thread's snapshot.
func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	query := `DELETE FROM run_state WHERE thread_id = ?`
	if s.driver == "postgres" {
		query = `DELETE FROM run_state WHERE thread_id = $1`
	}
	_, err := s.db.ExecContext(ctx, query, threadID)
	return err
}

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
