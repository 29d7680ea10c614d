// Package redis holds ephemeral pairing payloads (QR tokens) with a TTL.
//
// Graceful fallback: when Redis is not configured or unreachable, payloads
// live in process memory instead. Either way the data is transient and never
// the source of truth for channel state.
package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeyPairing prefixes pairing payload keys.
const KeyPairing = "pair:"

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// Cache stores pairing payloads per channel.
type Cache struct {
	rdb *redis.Client
	mem *Memory
	log *zap.Logger
}

// Connect dials Redis. It never fails: without a usable server the cache
// runs on the in-memory fallback.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("redis")
	c := &Cache{mem: NewMemory(), log: log}

	if cfg.URL == "" {
		log.Info("url not configured, using in-memory pairing cache")
		return c
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Warn("invalid url, using in-memory pairing cache", zap.Error(err))
		return c
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("connection failed, using in-memory pairing cache", zap.Error(err))
		rdb.Close()
		return c
	}

	log.Info("connected", zap.String("addr", opts.Addr))
	c.rdb = rdb
	return c
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{rdb: rdb, mem: NewMemory(), log: log.Named("redis")}
}

// Available reports whether Redis (rather than the fallback) is in use.
func (c *Cache) Available() bool { return c.rdb != nil }

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// SetPairing stores the latest payload for a channel.
func (c *Cache) SetPairing(ctx context.Context, channelID, payload string, ttl time.Duration) error {
	if c.rdb != nil {
		err := c.rdb.Set(ctx, PairingKey(channelID), payload, ttl).Err()
		if err == nil {
			return nil
		}
		c.log.Warn("set failed, falling back to memory", zap.String("channel_id", channelID), zap.Error(err))
	}
	c.mem.Set(PairingKey(channelID), payload, ttl)
	return nil
}

// Pairing returns the current payload for a channel.
func (c *Cache) Pairing(ctx context.Context, channelID string) (string, bool) {
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, PairingKey(channelID)).Result()
		switch {
		case err == nil:
			return val, true
		case !errors.Is(err, redis.Nil):
			c.log.Warn("get failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}
	return c.mem.Get(PairingKey(channelID))
}

// ClearPairing forgets the payload for a channel.
func (c *Cache) ClearPairing(ctx context.Context, channelID string) {
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, PairingKey(channelID)).Err(); err != nil {
			c.log.Warn("del failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}
	c.mem.Delete(PairingKey(channelID))
}

// PairingKey returns the Redis key for a channel's pairing payload.
func PairingKey(channelID string) string {
	return KeyPairing + channelID
}

// Memory is a TTL map used as the fallback store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value   string
	expires time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

// Set stores value under key. ttl <= 0 means no expiry.
func (m *Memory) Set(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
}

// Get returns the live value for key.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}
