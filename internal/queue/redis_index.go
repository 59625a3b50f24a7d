package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/quillworks/quill-jobs/internal/domain/model"
)

const (
	entriesKey       = "quill:queue:entries"
	sessionKeyPrefix = "quill:queue:session:"
)

// RedisIndex mirrors live queue entries into Redis so a restarted process can
// restore pending work. Entries live in one hash keyed by queue-job id, plus a
// per-session set for bulk removal.
type RedisIndex struct {
	client redis.UniversalClient
}

var _ Index = (*RedisIndex)(nil)

// NewRedisIndex creates a Redis-backed queue index.
func NewRedisIndex(client redis.UniversalClient) *RedisIndex {
	return &RedisIndex{client: client}
}

// Save stores an entry in the mirror.
func (x *RedisIndex) Save(ctx context.Context, entry model.QueueEntry) error {
	if entry.QueueJobID == "" {
		return errors.New("queue job id cannot be empty")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}

	pipe := x.client.TxPipeline()
	pipe.HSet(ctx, entriesKey, entry.QueueJobID, data)
	if entry.SessionID != "" {
		pipe.SAdd(ctx, sessionKeyPrefix+entry.SessionID, entry.QueueJobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save queue entry: %w", err)
	}
	return nil
}

// Remove deletes one entry from the mirror. Removing a missing id is a no-op.
func (x *RedisIndex) Remove(ctx context.Context, queueJobID string) error {
	if queueJobID == "" {
		return nil
	}

	raw, err := x.client.HGet(ctx, entriesKey, queueJobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("redis get queue entry: %w", err)
	}

	var entry model.QueueEntry
	sessionID := ""
	if unmarshalErr := json.Unmarshal([]byte(raw), &entry); unmarshalErr == nil {
		sessionID = entry.SessionID
	}

	pipe := x.client.TxPipeline()
	pipe.HDel(ctx, entriesKey, queueJobID)
	if sessionID != "" {
		pipe.SRem(ctx, sessionKeyPrefix+sessionID, queueJobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove queue entry: %w", err)
	}
	return nil
}

// RemoveBySession deletes every mirrored entry for a session and returns the
// count removed.
func (x *RedisIndex) RemoveBySession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, nil
	}

	key := sessionKeyPrefix + sessionID
	ids, err := x.client.SMembers(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis session members: %w", err)
	}
	if len(ids) == 0 {
		return 0, x.client.Del(ctx, key).Err()
	}

	pipe := x.client.TxPipeline()
	pipe.HDel(ctx, entriesKey, ids...)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis remove session entries: %w", err)
	}
	return len(ids), nil
}

// Restore returns every mirrored entry. Corrupt values are skipped rather than
// failing the whole restore.
func (x *RedisIndex) Restore(ctx context.Context) ([]model.QueueEntry, error) {
	raw, err := x.client.HGetAll(ctx, entriesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis restore queue entries: %w", err)
	}

	entries := make([]model.QueueEntry, 0, len(raw))
	for _, data := range raw {
		var entry model.QueueEntry
		if unmarshalErr := json.Unmarshal([]byte(data), &entry); unmarshalErr != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
