package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix       = "collab:presence:"
	defaultPresenceTTL      = 6 * time.Hour
	defaultEventChannelName = "collab.session-events"
)

// RedisPresenceCache stores per-file presence buckets as redis hashes, one
// field per user, with a coarse TTL on the whole bucket. Individual liveness
// is judged by lastSeen at read time, not by the bucket expiry.
type RedisPresenceCache struct {
	client    *redis.Client
	bucketTTL time.Duration
}

// NewRedisPresenceCache constructs a cache over the provided client.
func NewRedisPresenceCache(client *redis.Client, bucketTTL time.Duration) *RedisPresenceCache {
	if bucketTTL <= 0 {
		bucketTTL = defaultPresenceTTL
	}
	return &RedisPresenceCache{client: client, bucketTTL: bucketTTL}
}

func presenceKey(fileID string) string {
	return presenceKeyPrefix + fileID
}

// Write upserts one user's presence entry and refreshes the bucket TTL.
func (c *RedisPresenceCache) Write(ctx context.Context, fileID string, entry PresenceEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := presenceKey(fileID)
	if err := c.client.HSet(ctx, key, entry.UserID, payload).Err(); err != nil {
		return err
	}
	return c.client.Expire(ctx, key, c.bucketTTL).Err()
}

// Remove deletes one user's presence entry.
func (c *RedisPresenceCache) Remove(ctx context.Context, fileID, userID string) error {
	return c.client.HDel(ctx, presenceKey(fileID), userID).Err()
}

// List returns every entry in the file's bucket. Entries that fail to decode
// are skipped; a half-readable bucket is still a usable presence view.
func (c *RedisPresenceCache) List(ctx context.Context, fileID string) ([]PresenceEntry, error) {
	fields, err := c.client.HGetAll(ctx, presenceKey(fileID)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]PresenceEntry, 0, len(fields))
	for _, raw := range fields {
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RedisEventPublisher publishes lifecycle events onto a redis channel.
type RedisEventPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisEventPublisher constructs a publisher. An empty channel name uses
// the default session-events channel.
func NewRedisEventPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisEventPublisher {
	if channel == "" {
		channel = defaultEventChannelName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisEventPublisher{client: client, channel: channel, logger: logger}
}

// Publish emits one lifecycle event. The bus is fire-and-forget; callers
// treat failures as soft.
func (p *RedisEventPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}
