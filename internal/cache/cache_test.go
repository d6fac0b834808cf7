package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfleet/internal/config"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisCache(config.CacheConfig{Enabled: true, Address: mr.Addr(), KeyPrefix: "pki_mcp"})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache_ScalarsAndPrefix(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "certificate:c1", map[string]any{"status": "issued"}, 5*time.Minute))
	assert.True(t, mr.Exists("pki_mcp:certificate:c1"))
	assert.Equal(t, 5*time.Minute, mr.TTL("pki_mcp:certificate:c1"))

	v, ok := c.Get(ctx, "certificate:c1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"status": "issued"}, v)

	var dst struct{ Status string }
	assert.True(t, c.GetJSON(ctx, "certificate:c1", &dst))
	assert.Equal(t, "issued", dst.Status)

	// Strings round-trip, and values written raw by other clients come back as-is.
	require.True(t, c.Set(ctx, "num", "12345", 0))
	v, ok = c.Get(ctx, "num")
	require.True(t, ok)
	assert.Equal(t, "12345", v)
	require.NoError(t, mr.Set("pki_mcp:foreign", "plain text"))
	v, ok = c.Get(ctx, "foreign")
	require.True(t, ok)
	assert.Equal(t, "plain text", v)

	require.True(t, c.Set(ctx, "raw", "not json", 0))
	v, ok = c.Get(ctx, "raw")
	require.True(t, ok)
	assert.Equal(t, "not json", v)
	assert.False(t, c.GetJSON(ctx, "raw", &dst))

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)

	assert.True(t, c.Exists(ctx, "raw"))
	assert.True(t, c.Expire(ctx, "raw", time.Minute))
	ttl, ok := c.TTL(ctx, "raw")
	require.True(t, ok)
	assert.Equal(t, time.Minute, ttl)
	assert.True(t, c.Delete(ctx, "raw"))
	assert.False(t, c.Delete(ctx, "raw"))
}

func TestRedisCache_CountersHashesSetsLists(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	assert.Equal(t, int64(1), c.Increment(ctx, "usage:issue_certificate", 1))
	assert.Equal(t, int64(4), c.Increment(ctx, "usage:issue_certificate", 3))
	assert.Equal(t, int64(2), c.Decrement(ctx, "usage:issue_certificate", 2))

	require.True(t, c.SetHash(ctx, "serials", "0a:1b", "c1"))
	v, ok := c.GetHash(ctx, "serials", "0a:1b")
	require.True(t, ok)
	assert.Equal(t, "c1", v)
	assert.Equal(t, map[string]any{"0a:1b": "c1"}, c.GetAllHash(ctx, "serials"))
	assert.True(t, c.DeleteHash(ctx, "serials", "0a:1b"))
	_, ok = c.GetHash(ctx, "serials", "0a:1b")
	assert.False(t, ok)

	assert.True(t, c.AddToSet(ctx, "idempotency", "k1"))
	assert.False(t, c.AddToSet(ctx, "idempotency", "k1"))
	assert.True(t, c.IsSetMember(ctx, "idempotency", "k1"))
	assert.Equal(t, []any{"k1"}, c.SetMembers(ctx, "idempotency"))
	assert.True(t, c.RemoveFromSet(ctx, "idempotency", "k1"))
	assert.False(t, c.IsSetMember(ctx, "idempotency", "k1"))

	require.True(t, c.PushToList(ctx, "pending", map[string]any{"id": "a"}, false))
	require.True(t, c.PushToList(ctx, "pending", map[string]any{"id": "b"}, false))
	assert.Equal(t, int64(2), c.ListLength(ctx, "pending"))
	assert.Len(t, c.ListRange(ctx, "pending", 0, -1), 2)
	v, ok = c.PopFromList(ctx, "pending", true)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": "a"}, v)
	_, _ = c.PopFromList(ctx, "pending", true)
	_, ok = c.PopFromList(ctx, "pending", true)
	assert.False(t, ok)

	// Numeric-looking strings keep their type.
	require.True(t, c.SetHash(ctx, "serial_index", "3f:9a", "4242"))
	v, ok = c.GetHash(ctx, "serial_index", "3f:9a")
	require.True(t, ok)
	assert.Equal(t, "4242", v)
	require.True(t, c.PushToList(ctx, "ids", "007", false))
	v, ok = c.PopFromList(ctx, "ids", true)
	require.True(t, ok)
	assert.Equal(t, "007", v)
	require.True(t, c.AddToSet(ctx, "names", "true"))
	assert.Equal(t, []any{"true"}, c.SetMembers(ctx, "names"))

	c.Set(ctx, "certificate:a", "1", 0)
	c.Set(ctx, "certificate:b", "2", 0)
	c.Set(ctx, "other", "3", 0)
	assert.Equal(t, int64(2), c.ClearPattern(ctx, "certificate:*"))
	assert.True(t, c.Exists(ctx, "other"))
}

func TestRedisCache_OutageDegradesToMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "k", "v", 0))

	mr.Close()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, c.Set(ctx, "k", "v", 0))
	assert.Equal(t, int64(0), c.Increment(ctx, "n", 1))
	assert.Empty(t, c.SetMembers(ctx, "s"))
	assert.Empty(t, c.GetAllHash(ctx, "h"))
	assert.Error(t, c.Ping(ctx))
}

func TestNew_DisabledIsNoop(t *testing.T) {
	c := New(config.CacheConfig{Enabled: false})
	_, isNoop := c.(NoopCache)
	assert.True(t, isNoop)
	ctx := context.Background()
	assert.False(t, c.Set(ctx, "k", "v", 0))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.NoError(t, c.Ping(ctx))
}
