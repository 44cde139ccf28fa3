// Package kvstore adapts room snapshot persistence onto Redis GET/SET,
// the same simple key-value usage the reference presence cache makes of
// its Redis client.
package kvstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store is the seam the room manager depends on for snapshot persistence.
type Store interface {
	LoadSnapshot(ctx context.Context, roomID string) ([]byte, bool, error)
	SaveSnapshot(ctx context.Context, roomID string, state []byte) error
	Close() error
}

// RedisStore is a Store backed by a single Redis client. Values are stored
// as base64 text under key room:{roomId}:state, matching the wire format
// used for update blobs so operators can inspect the key with a plain
// Redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-connected Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func snapshotKey(roomID string) string {
	return fmt.Sprintf("room:%s:state", roomID)
}

// LoadSnapshot returns the persisted state for roomID, if any. A missing
// key is reported as (nil, false, nil), not an error.
func (s *RedisStore) LoadSnapshot(ctx context.Context, roomID string) ([]byte, bool, error) {
	encoded, err := s.client.Get(ctx, snapshotKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %s: %w", roomID, err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: decode snapshot for %s: %w", roomID, err)
	}
	return raw, true, nil
}

// SaveSnapshot persists state for roomID, overwriting any prior snapshot.
func (s *RedisStore) SaveSnapshot(ctx context.Context, roomID string, state []byte) error {
	encoded := base64.StdEncoding.EncodeToString(state)
	if err := s.client.Set(ctx, snapshotKey(roomID), encoded, 0).Err(); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", roomID, err)
	}
	return nil
}

// Close disconnects the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
