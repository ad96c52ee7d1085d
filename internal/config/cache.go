package config

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// effectiveCache stores resolved Effective values for the resolver's short
// TTL.
type effectiveCache interface {
	Get(ctx context.Context, key string) (Effective, bool)
	Set(ctx context.Context, key string, v Effective, ttl time.Duration)
	Clear(ctx context.Context)
	Close() error
}

type memEntry struct {
	value      Effective
	expiration time.Time
}

// memoryEffectiveCache is the in-process default.
type memoryEffectiveCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

func newMemoryEffectiveCache() *memoryEffectiveCache {
	return &memoryEffectiveCache{entries: make(map[string]memEntry)}
}

func (c *memoryEffectiveCache) Get(_ context.Context, key string) (Effective, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiration) {
		return Effective{}, false
	}
	return e.value, true
}

func (c *memoryEffectiveCache) Set(_ context.Context, key string, v Effective, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = memEntry{value: v, expiration: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *memoryEffectiveCache) Clear(_ context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]memEntry)
	c.mu.Unlock()
}

func (c *memoryEffectiveCache) Close() error { return nil }

const redisKeyPrefix = "streamvault:cfg:"

// redisEffectiveCache shares the resolved-config cache across processes
// when REDIS_ADDR is configured.
type redisEffectiveCache struct {
	client *redis.Client
	logger zerolog.Logger
}

func newRedisEffectiveCache(addr, password string, db int, logger zerolog.Logger) (*redisEffectiveCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisEffectiveCache{client: client, logger: logger}, nil
}

func (c *redisEffectiveCache) Get(ctx context.Context, key string) (Effective, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		return Effective{}, false
	}
	var v Effective
	if err := json.Unmarshal(data, &v); err != nil {
		return Effective{}, false
	}
	return v, true
}

func (c *redisEffectiveCache) Set(ctx context.Context, key string, v Effective, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("config cache set failed")
	}
}

func (c *redisEffectiveCache) Clear(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("config cache scan failed")
		return
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("config cache clear failed")
		}
	}
}

func (c *redisEffectiveCache) Close() error { return c.client.Close() }
