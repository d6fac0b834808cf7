// Package cache is the cache-aside layer in front of the store. Every operation is fail-soft:
// a Redis problem is logged and counted, and the caller sees a miss, a zero or false.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/config"
	"github.com/blockadesystems/certfleet/internal/metrics"
)

var logger *zap.Logger

func init() {
	var err error
	logger, err = zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = logger.With(zap.String("package", "cache"))
}

// Cache is implemented by RedisCache and NoopCache.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool)
	GetJSON(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool // ttl 0 means no expiry
	Delete(ctx context.Context, key string) bool
	Exists(ctx context.Context, key string) bool
	Expire(ctx context.Context, key string, ttl time.Duration) bool
	TTL(ctx context.Context, key string) (time.Duration, bool)

	Increment(ctx context.Context, key string, n int64) int64
	Decrement(ctx context.Context, key string, n int64) int64

	SetHash(ctx context.Context, key, field string, value any) bool
	GetHash(ctx context.Context, key, field string) (any, bool)
	GetAllHash(ctx context.Context, key string) map[string]any
	DeleteHash(ctx context.Context, key, field string) bool

	AddToSet(ctx context.Context, key string, value any) bool
	RemoveFromSet(ctx context.Context, key string, value any) bool
	IsSetMember(ctx context.Context, key string, value any) bool
	SetMembers(ctx context.Context, key string) []any

	PushToList(ctx context.Context, key string, value any, left bool) bool
	PopFromList(ctx context.Context, key string, left bool) (any, bool)
	ListLength(ctx context.Context, key string) int64
	ListRange(ctx context.Context, key string, start, stop int64) []any

	ClearPattern(ctx context.Context, pattern string) int64

	Ping(ctx context.Context) error
	Close() error
}

// New returns a RedisCache, or a NoopCache when caching is disabled.
func New(cfg config.CacheConfig) Cache {
	if !cfg.Enabled {
		logger.Info("Cache disabled, using no-op cache")
		return NoopCache{}
	}
	c := NewRedisCache(cfg)
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		// The client reconnects on its own; until then every call degrades to a miss.
		logger.Warn("Redis not reachable at startup, continuing without cache hits", zap.String("address", cfg.Address), zap.Error(err))
	} else {
		logger.Info("Connected to Redis", zap.String("address", cfg.Address))
	}
	return c
}

// CertificateKey is the key a certificate row is cached under.
func CertificateKey(certificateID string) string {
	return "certificate:" + certificateID
}

// encode stores every value as JSON, strings included, so "4242" reads back as a string
// and not a number. []byte is written raw.
func encode(value any) (string, error) {
	if v, ok := value.([]byte); ok {
		return string(v), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decode returns the JSON value of raw, or raw itself when it is not JSON (values written by other clients).
func decode(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func decodeAll(raws []string) []any {
	out := make([]any, 0, len(raws))
	for _, r := range raws {
		out = append(out, decode(r))
	}
	return out
}

func record(op, result string) {
	metrics.CacheOps.WithLabelValues(op, result).Inc()
}

// RedisCache talks to Redis through a go-redis client pool.
type RedisCache struct {
	client *redis.Client
	prefix string
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(cfg config.CacheConfig) *RedisCache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pki_mcp"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   1,
	})
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

// fail logs and counts a Redis error. It always reports false so callers can return it.
func (c *RedisCache) fail(op, key string, err error) bool {
	logger.Error("Cache operation failed", zap.String("operation", op), zap.String("key", key), zap.Error(err))
	record(op, "error")
	return false
}

func (c *RedisCache) Get(ctx context.Context, key string) (any, bool) {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		record("get", "miss")
		return nil, false
	}
	if err != nil {
		return nil, c.fail("get", key, err)
	}
	record("get", "hit")
	return decode(raw), true
}

func (c *RedisCache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		record("get", "miss")
		return false
	}
	if err != nil {
		return c.fail("get", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return c.fail("get", key, fmt.Errorf("decode cached value: %w", err))
	}
	record("get", "hit")
	return true
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	raw, err := encode(value)
	if err != nil {
		return c.fail("set", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return c.fail("set", key, err)
	}
	record("set", "ok")
	return true
}

func (c *RedisCache) Delete(ctx context.Context, key string) bool {
	n, err := c.client.Del(ctx, c.key(key)).Result()
	if err != nil {
		return c.fail("delete", key, err)
	}
	record("delete", "ok")
	return n > 0
}

func (c *RedisCache) Exists(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return c.fail("exists", key, err)
	}
	return n > 0
}

func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := c.client.Expire(ctx, c.key(key), ttl).Result()
	if err != nil {
		return c.fail("expire", key, err)
	}
	return ok
}

// TTL reports the remaining lifetime; false when the key is missing or has no expiry.
func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, bool) {
	d, err := c.client.TTL(ctx, c.key(key)).Result()
	if err != nil {
		return 0, c.fail("ttl", key, err)
	}
	if d < 0 {
		return 0, false
	}
	return d, true
}

func (c *RedisCache) Increment(ctx context.Context, key string, n int64) int64 {
	v, err := c.client.IncrBy(ctx, c.key(key), n).Result()
	if err != nil {
		c.fail("increment", key, err)
		return 0
	}
	return v
}

func (c *RedisCache) Decrement(ctx context.Context, key string, n int64) int64 {
	v, err := c.client.DecrBy(ctx, c.key(key), n).Result()
	if err != nil {
		c.fail("decrement", key, err)
		return 0
	}
	return v
}

func (c *RedisCache) SetHash(ctx context.Context, key, field string, value any) bool {
	raw, err := encode(value)
	if err != nil {
		return c.fail("hset", key, err)
	}
	if err := c.client.HSet(ctx, c.key(key), field, raw).Err(); err != nil {
		return c.fail("hset", key, err)
	}
	return true
}

func (c *RedisCache) GetHash(ctx context.Context, key, field string) (any, bool) {
	raw, err := c.client.HGet(ctx, c.key(key), field).Result()
	if err == redis.Nil {
		record("hget", "miss")
		return nil, false
	}
	if err != nil {
		return nil, c.fail("hget", key, err)
	}
	record("hget", "hit")
	return decode(raw), true
}

func (c *RedisCache) GetAllHash(ctx context.Context, key string) map[string]any {
	raw, err := c.client.HGetAll(ctx, c.key(key)).Result()
	out := make(map[string]any, len(raw))
	if err != nil {
		c.fail("hgetall", key, err)
		return out
	}
	for f, v := range raw {
		out[f] = decode(v)
	}
	return out
}

func (c *RedisCache) DeleteHash(ctx context.Context, key, field string) bool {
	n, err := c.client.HDel(ctx, c.key(key), field).Result()
	if err != nil {
		return c.fail("hdel", key, err)
	}
	return n > 0
}

func (c *RedisCache) AddToSet(ctx context.Context, key string, value any) bool {
	raw, err := encode(value)
	if err != nil {
		return c.fail("sadd", key, err)
	}
	n, err := c.client.SAdd(ctx, c.key(key), raw).Result()
	if err != nil {
		return c.fail("sadd", key, err)
	}
	return n > 0
}

func (c *RedisCache) RemoveFromSet(ctx context.Context, key string, value any) bool {
	raw, err := encode(value)
	if err != nil {
		return c.fail("srem", key, err)
	}
	n, err := c.client.SRem(ctx, c.key(key), raw).Result()
	if err != nil {
		return c.fail("srem", key, err)
	}
	return n > 0
}

func (c *RedisCache) IsSetMember(ctx context.Context, key string, value any) bool {
	raw, err := encode(value)
	if err != nil {
		return c.fail("sismember", key, err)
	}
	ok, err := c.client.SIsMember(ctx, c.key(key), raw).Result()
	if err != nil {
		return c.fail("sismember", key, err)
	}
	return ok
}

func (c *RedisCache) SetMembers(ctx context.Context, key string) []any {
	raws, err := c.client.SMembers(ctx, c.key(key)).Result()
	if err != nil {
		c.fail("smembers", key, err)
		return []any{}
	}
	return decodeAll(raws)
}

func (c *RedisCache) PushToList(ctx context.Context, key string, value any, left bool) bool {
	raw, err := encode(value)
	if err != nil {
		return c.fail("push", key, err)
	}
	var n int64
	if left {
		n, err = c.client.LPush(ctx, c.key(key), raw).Result()
	} else {
		n, err = c.client.RPush(ctx, c.key(key), raw).Result()
	}
	if err != nil {
		return c.fail("push", key, err)
	}
	return n > 0
}

func (c *RedisCache) PopFromList(ctx context.Context, key string, left bool) (any, bool) {
	var raw string
	var err error
	if left {
		raw, err = c.client.LPop(ctx, c.key(key)).Result()
	} else {
		raw, err = c.client.RPop(ctx, c.key(key)).Result()
	}
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		return nil, c.fail("pop", key, err)
	}
	return decode(raw), true
}

func (c *RedisCache) ListLength(ctx context.Context, key string) int64 {
	n, err := c.client.LLen(ctx, c.key(key)).Result()
	if err != nil {
		c.fail("llen", key, err)
		return 0
	}
	return n
}

func (c *RedisCache) ListRange(ctx context.Context, key string, start, stop int64) []any {
	raws, err := c.client.LRange(ctx, c.key(key), start, stop).Result()
	if err != nil {
		c.fail("lrange", key, err)
		return []any{}
	}
	return decodeAll(raws)
}

// ClearPattern deletes every key under the prefix matching pattern. SCAN is used instead of KEYS.
func (c *RedisCache) ClearPattern(ctx context.Context, pattern string) int64 {
	var deleted int64
	iter := c.client.Scan(ctx, 0, c.key(pattern), 100).Iterator()
	for iter.Next(ctx) {
		n, err := c.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			c.fail("clear", pattern, err)
			return deleted
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		c.fail("clear", pattern, err)
	}
	return deleted
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	logger.Info("Closing Redis client")
	return c.client.Close()
}

// NoopCache satisfies Cache with permanent misses.
type NoopCache struct{}

var _ Cache = NoopCache{}

func (NoopCache) Get(context.Context, string) (any, bool)               { return nil, false }
func (NoopCache) GetJSON(context.Context, string, any) bool             { return false }
func (NoopCache) Set(context.Context, string, any, time.Duration) bool  { return false }
func (NoopCache) Delete(context.Context, string) bool                   { return false }
func (NoopCache) Exists(context.Context, string) bool                   { return false }
func (NoopCache) Expire(context.Context, string, time.Duration) bool    { return false }
func (NoopCache) TTL(context.Context, string) (time.Duration, bool)     { return 0, false }
func (NoopCache) Increment(context.Context, string, int64) int64        { return 0 }
func (NoopCache) Decrement(context.Context, string, int64) int64        { return 0 }
func (NoopCache) SetHash(context.Context, string, string, any) bool     { return false }
func (NoopCache) GetHash(context.Context, string, string) (any, bool)   { return nil, false }
func (NoopCache) GetAllHash(context.Context, string) map[string]any     { return map[string]any{} }
func (NoopCache) DeleteHash(context.Context, string, string) bool       { return false }
func (NoopCache) AddToSet(context.Context, string, any) bool            { return false }
func (NoopCache) RemoveFromSet(context.Context, string, any) bool       { return false }
func (NoopCache) IsSetMember(context.Context, string, any) bool         { return false }
func (NoopCache) SetMembers(context.Context, string) []any              { return []any{} }
func (NoopCache) PushToList(context.Context, string, any, bool) bool    { return false }
func (NoopCache) PopFromList(context.Context, string, bool) (any, bool) { return nil, false }
func (NoopCache) ListLength(context.Context, string) int64              { return 0 }
func (NoopCache) ListRange(context.Context, string, int64, int64) []any { return []any{} }
func (NoopCache) ClearPattern(context.Context, string) int64            { return 0 }
func (NoopCache) Ping(context.Context) error                            { return nil }
func (NoopCache) Close() error                                          { return nil }
