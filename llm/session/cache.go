package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "stepflow:session:"

// CachedLog layers a redis read-through cache over another Log. The inner
// log stays authoritative: cache writes are best-effort and a redis outage
// degrades to direct file reads, never to data loss.
type CachedLog struct {
	inner  Log
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedLog wraps inner with a redis cache. TTL <= 0 defaults to one hour.
func NewCachedLog(inner Log, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedLog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedLog{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "session_cache")),
	}
}

// Append implements Log.Append. The entry is appended to the inner log first,
// then pushed to the cache list so warm replays stay consistent.
func (c *CachedLog) Append(ctx context.Context, sessionID string, entry Entry) (Entry, error) {
	stored, err := c.inner.Append(ctx, sessionID, entry)
	if err != nil {
		return Entry{}, err
	}

	key := cacheKey(sessionID)
	// Only extend a list the cache already holds. Pushing onto a missing key
	// would create a partial replay.
	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil || exists == 0 {
		if err != nil {
			c.logger.Debug("cache unavailable on append", zap.Error(err))
		}
		return stored, nil
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return stored, nil
	}
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("cache append failed, invalidating",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		c.client.Del(ctx, key)
	}
	return stored, nil
}

// Replay implements Log.Replay, serving from redis when the session list is
// cached and repopulating from the inner log on miss.
func (c *CachedLog) Replay(ctx context.Context, sessionID string) ([]Entry, error) {
	key := cacheKey(sessionID)

	raw, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err == nil && len(raw) > 0 {
		entries := make([]Entry, 0, len(raw))
		ok := true
		for _, item := range raw {
			var entry Entry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				ok = false
				break
			}
			entries = append(entries, entry)
		}
		if ok {
			return entries, nil
		}
		c.client.Del(ctx, key)
	} else if err != nil {
		c.logger.Debug("cache unavailable on replay", zap.Error(err))
	}

	entries, err := c.inner.Replay(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		c.populate(ctx, key, entries)
	}
	return entries, nil
}

func (c *CachedLog) populate(ctx context.Context, key string, entries []Entry) {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, key)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		pipe.RPush(ctx, key, data)
	}
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("cache populate failed", zap.Error(err))
	}
}

func cacheKey(sessionID string) string {
	return fmt.Sprintf("%s%s", cacheKeyPrefix, sessionID)
}
