package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func TestKey_Deterministic(t *testing.T) {
	ctx1 := map[string]any{"b": 2, "a": "x"}
	ctx2 := map[string]any{"a": "x", "b": 2}

	assert.Equal(t, Key("Hello", ctx1), Key("hello", ctx2),
		"key is case-insensitive on message and order-insensitive on context")
	assert.Equal(t, Key("hello   world", nil), Key("hello world", nil),
		"whitespace runs collapse")
	assert.NotEqual(t, Key("hello", ctx1), Key("goodbye", ctx1))
	assert.NotEqual(t, Key("hello", map[string]any{"a": 1}), Key("hello", map[string]any{"a": 2}))
}

func TestKey_PropertyDeterminism(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := rapid.String().Draw(t, "msg")
		n := rapid.IntRange(0, 5).Draw(t, "n")
		ctx := make(map[string]any, n)
		for i := 0; i < n; i++ {
			ctx[rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "k")] = rapid.Int().Draw(t, "v")
		}
		k1 := Key(msg, ctx)
		k2 := Key(msg, ctx)
		assert.Equal(t, k1, k2)
		assert.Len(t, k1, 64, "sha256 hex")
	})
}

func TestCache_RoundTrip(t *testing.T) {
	c := New(nil, &Config{MaxSize: 10, TTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	payload := json.RawMessage(`{"content":"hi"}`)
	key := Key("hi", nil)
	c.Set(ctx, key, payload)

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Size)
}

func TestCache_MissAndExpiry(t *testing.T) {
	c := New(nil, &Config{MaxSize: 10, TTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set(ctx, "k", json.RawMessage(`1`))

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss, "expired entries miss")
	assert.Zero(t, c.Stats().Size, "expired entry evicted on access")
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(nil, &Config{MaxSize: 2, TTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "a", json.RawMessage(`1`))
	c.Set(ctx, "b", json.RawMessage(`2`))

	// Touch "a" so "b" becomes least recently used.
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)

	c.Set(ctx, "c", json.RawMessage(`3`))

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss, "least recently used entry evicted")
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_RedisTier(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c := New(rdb, &Config{MaxSize: 10, TTL: time.Minute, EnableRedis: true}, zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "k", json.RawMessage(`{"v":1}`))

	// Drop the local tier; the redis tier must serve and backfill.
	c.Clear()
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got))

	// Now served locally again.
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got))
}

func TestCache_PropertyRoundTrip(t *testing.T) {
	// get(key(set(m,c,r))) == r until eviction, for arbitrary payloads.
	rapid.Check(t, func(t *rapid.T) {
		c := New(nil, &Config{MaxSize: 100, TTL: time.Minute}, zap.NewNop())
		ctx := context.Background()

		n := rapid.IntRange(1, 20).Draw(t, "n")
		for i := 0; i < n; i++ {
			payload, _ := json.Marshal(map[string]any{
				"content": rapid.String().Draw(t, "content"),
				"i":       i,
			})
			key := Key(fmt.Sprintf("msg-%d", i), nil)
			c.Set(ctx, key, payload)

			got, err := c.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, json.RawMessage(payload), got)
		}
	})
}
