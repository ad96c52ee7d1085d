// Package dedup is the Event Deduplicator: it protects the
// Recording Lifecycle Manager from Twitch's documented at-least-once EventSub
// delivery by remembering message identities for a short TTL.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long a (message, broadcaster, event) tuple is
// remembered.
const DefaultTTL = 60 * time.Second

// Deduplicator reports whether an EventSub notification has already been
// processed. Seen returns true for a duplicate (the caller must drop the
// notification) and false the first time a key is observed, at which point
// it is recorded.
type Deduplicator interface {
	Seen(ctx context.Context, messageID, broadcasterID, eventType string) (bool, error)
	Close() error
}

// New builds a Deduplicator backed by Redis, falling back to an in-process
// store if addr is empty or the connection fails.
func New(addr, password string, db int, logger zerolog.Logger) Deduplicator {
	if addr == "" {
		logger.Info().Msg("dedup: no redis address configured, using in-memory store")
		return NewMemoryDeduplicator(DefaultTTL)
	}
	d, err := NewRedisDeduplicator(addr, password, db, DefaultTTL, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("dedup: redis unavailable, falling back to in-memory store")
		return NewMemoryDeduplicator(DefaultTTL)
	}
	return d
}

func key(messageID, broadcasterID, eventType string) (string, bool) {
	if messageID == "" || broadcasterID == "" || eventType == "" {
		return "", false
	}
	return "dedup:" + eventType + ":" + broadcasterID + ":" + messageID, true
}

// RedisDeduplicator uses SETNX so that concurrent deliveries of the same
// message race safely: exactly one caller observes Seen==false.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisDeduplicator connects to addr and verifies reachability with a
// PING before returning.
func NewRedisDeduplicator(addr, password string, db int, ttl time.Duration, logger zerolog.Logger) (*RedisDeduplicator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisDeduplicator{client: client, ttl: ttl, logger: logger}, nil
}

// Seen records the key on first sighting; if any component is missing it
// returns false without touching storage, so malformed notifications are
// never treated as duplicates.
func (d *RedisDeduplicator) Seen(ctx context.Context, messageID, broadcasterID, eventType string) (bool, error) {
	k, ok := key(messageID, broadcasterID, eventType)
	if !ok {
		return false, nil
	}
	set, err := d.client.SetNX(ctx, k, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn().Err(err).Str("key", k).Msg("dedup: redis setnx failed")
		return false, err
	}
	// set==true means this call created the key: first sighting.
	return !set, nil
}

func (d *RedisDeduplicator) Close() error { return d.client.Close() }

// MemoryDeduplicator is the in-process fallback.
type MemoryDeduplicator struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	stop    chan struct{}
	stopped bool
}

// NewMemoryDeduplicator starts a background janitor that evicts expired keys
// every ttl/2 so the map never grows unbounded across a long-running process.
func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	d := &MemoryDeduplicator{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	go d.janitor(interval)
	return d
}

func (d *MemoryDeduplicator) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.evictExpired()
		case <-d.stop:
			return
		}
	}
}

func (d *MemoryDeduplicator) evictExpired() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}

func (d *MemoryDeduplicator) Seen(ctx context.Context, messageID, broadcasterID, eventType string) (bool, error) {
	k, ok := key(messageID, broadcasterID, eventType)
	if !ok {
		return false, nil
	}
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, found := d.seen[k]; found && now.Before(exp) {
		return true, nil
	}
	d.seen[k] = now.Add(d.ttl)
	return false, nil
}

func (d *MemoryDeduplicator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stopped {
		close(d.stop)
		d.stopped = true
	}
	return nil
}
