// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and implements session.SnapshotStore. When
// Redis is unavailable the caller runs without snapshots; the registry is
// authoritative either way.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustplane/trustplane/internal/session"
)

const sessionKeyPrefix = "trustplane:session:"

// RedisSnapshotStore mirrors session state into Redis so a replacement
// process can observe what was live before a restart.
type RedisSnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSnapshotStore connects and pings. Returns the store and any
// connection error (caller decides whether to run without snapshots).
func NewRedisSnapshotStore(addr, password string, db int, ttl time.Duration) (*RedisSnapshotStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisSnapshotStore{rdb: rdb, ttl: ttl}, nil
}

// SaveSession writes one session snapshot.
func (s *RedisSnapshotStore) SaveSession(ctx context.Context, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	return s.rdb.Set(ctx, sessionKeyPrefix+sess.ID, data, s.ttl).Err()
}

// DeleteSession removes one snapshot.
func (s *RedisSnapshotStore) DeleteSession(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, sessionKeyPrefix+id).Err()
}

// LoadSessions returns all stored snapshots.
func (s *RedisSnapshotStore) LoadSessions(ctx context.Context) ([]session.Session, error) {
	keys, err := s.rdb.Keys(ctx, sessionKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session keys: %w", err)
	}

	out := make([]session.Session, 0, len(keys))
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		var sess session.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			slog.Warn("corrupt session snapshot skipped", "key", key, "error", err)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Close shuts down the client.
func (s *RedisSnapshotStore) Close() error {
	return s.rdb.Close()
}
