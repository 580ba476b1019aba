// Package redis caches the latest successful fetch per target in Redis so
// workers can build conditional requests without hitting the ledger.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/store"
)

const latestSuccessPrefix = "harvester:latest-success:"

// Client is the subset of redis.Cmdable the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// LogCache decorates a LogRepository. Appends always reach the inner
// repository first; the cache only ever holds a copy of a stored log.
type LogCache struct {
	inner  store.LogRepository
	client Client
	ttl    time.Duration
}

var _ store.LogRepository = (*LogCache)(nil)

// NewLogCache wraps inner. Entries expire after ttl.
func NewLogCache(inner store.LogRepository, client Client, ttl time.Duration) *LogCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LogCache{inner: inner, client: client, ttl: ttl}
}

// NewClient connects to addr and verifies it with PING.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (c *LogCache) key(target string) string {
	sum := sha256.Sum256([]byte(target))
	return latestSuccessPrefix + hex.EncodeToString(sum[:])
}

// Append stores log and refreshes the cached entry for successful fetches.
func (c *LogCache) Append(ctx context.Context, log *crawler.CrawlLog) error {
	if err := c.inner.Append(ctx, log); err != nil {
		return err
	}
	if !log.Success {
		return nil
	}
	payload, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode crawl log: %w", err)
	}
	if err := c.client.Set(ctx, c.key(log.Target), payload, c.ttl).Err(); err != nil {
		// Drop the entry so readers fall back to the ledger.
		_ = c.client.Del(ctx, c.key(log.Target)).Err()
	}
	return nil
}

// LatestSuccess serves from Redis and falls back to the inner repository.
func (c *LogCache) LatestSuccess(ctx context.Context, target string) (*crawler.CrawlLog, error) {
	raw, err := c.client.Get(ctx, c.key(target)).Bytes()
	if err == nil {
		var log crawler.CrawlLog
		if jsonErr := json.Unmarshal(raw, &log); jsonErr == nil {
			return &log, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis unavailable: the ledger remains authoritative.
		return c.inner.LatestSuccess(ctx, target)
	}

	log, err := c.inner.LatestSuccess(ctx, target)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(log); err == nil {
		_ = c.client.Set(ctx, c.key(target), payload, c.ttl).Err()
	}
	return log, nil
}

// ListByTask is not cached.
func (c *LogCache) ListByTask(ctx context.Context, taskID int64, limit int) ([]*crawler.CrawlLog, error) {
	return c.inner.ListByTask(ctx, taskID, limit)
}
