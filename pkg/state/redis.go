package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queryweave/queryweave/pkg/config"
)

const redisKeyPrefix = "queryweave:state:"

// RedisStore persists snapshots in Redis with TTL expiry, for deployments
// where resumption must survive process restarts or cross instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.StateConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// Save upserts the snapshot for its thread ID.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	raw, err := encode(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+snap.ThreadID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot for a thread, or nil when absent.
func (s *RedisStore) Load(ctx context.Context, threadID string) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+threadID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	snap, err := decode(raw)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			_ = s.client.Del(ctx, redisKeyPrefix+threadID).Err()
		}
		return nil, err
	}
	return snap, nil
}

// Delete removes a thread's snapshot.
func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	return s.client.Del(ctx, redisKeyPrefix+threadID).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
