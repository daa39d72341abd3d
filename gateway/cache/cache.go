// Package cache implements the bounded, TTL'd response cache for the AI
// gateway: an in-process LRU first tier with an optional Redis second tier
// shared across instances.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a key is absent or expired in every tier.
var ErrCacheMiss = errors.New("cache miss")

// Config 缓存配置
type Config struct {
	MaxSize     int           // 本地缓存最大条目数（LRU 驱逐）
	TTL         time.Duration // 条目存活时间
	EnableRedis bool          // 是否启用 Redis 二级缓存
	RedisPrefix string        // Redis 键前缀
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxSize:     1000,
		TTL:         time.Hour,
		RedisPrefix: "codepod:ai_cache:",
	}
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
}

type entry struct {
	key       string
	payload   json.RawMessage
	expiresAt time.Time
}

// ResponseCache 响应缓存：本地 LRU + 可选 Redis 二级缓存
type ResponseCache struct {
	config *Config
	redis  *redis.Client
	logger *zap.Logger

	mu        sync.Mutex
	items     map[string]*list.Element
	order     *list.List // front = most recently used
	hits      int64
	misses    int64
	evictions int64
	now       func() time.Time
}

// New creates a response cache. rdb may be nil when Redis is disabled.
func New(rdb *redis.Client, config *Config, logger *zap.Logger) *ResponseCache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.RedisPrefix == "" {
		config.RedisPrefix = "codepod:ai_cache:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ResponseCache{
		config: config,
		redis:  rdb,
		logger: logger.With(zap.String("component", "response_cache")),
		items:  make(map[string]*list.Element),
		order:  list.New(),
		now:    time.Now,
	}
}

// Get returns the cached payload for key, or ErrCacheMiss when absent or
// expired. A Redis hit backfills the local tier.
func (c *ResponseCache) Get(ctx context.Context, key string) (json.RawMessage, error) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		if c.now().Before(e.expiresAt) {
			c.order.MoveToFront(el)
			c.hits++
			payload := e.payload
			c.mu.Unlock()
			return payload, nil
		}
		// 过期条目直接移除
		c.removeElement(el)
	}
	c.misses++
	c.mu.Unlock()

	if c.config.EnableRedis && c.redis != nil {
		data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
		if err == nil {
			c.setLocal(key, data)
			c.logger.Debug("redis cache hit", zap.String("key", key))
			return data, nil
		}
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
	}

	return nil, ErrCacheMiss
}

// Set stores payload under key in every enabled tier.
func (c *ResponseCache) Set(ctx context.Context, key string, payload json.RawMessage) {
	c.setLocal(key, payload)

	if c.config.EnableRedis && c.redis != nil {
		if err := c.redis.Set(ctx, c.redisKey(key), []byte(payload), c.config.TTL).Err(); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
		}
	}
}

// Delete removes key from every tier.
func (c *ResponseCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	c.mu.Unlock()

	if c.config.EnableRedis && c.redis != nil {
		if err := c.redis.Del(ctx, c.redisKey(key)).Err(); err != nil {
			c.logger.Warn("redis del error", zap.Error(err))
		}
	}
}

// Clear drops the local tier. Redis entries age out by TTL.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Stats returns a snapshot of the counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.items),
		MaxSize:   c.config.MaxSize,
	}
}

func (c *ResponseCache) setLocal(key string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.payload = payload
		e.expiresAt = c.now().Add(c.config.TTL)
		c.order.MoveToFront(el)
		return
	}

	// 容量已满时按 LRU 驱逐
	for len(c.items) >= c.config.MaxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}

	el := c.order.PushFront(&entry{
		key:       key,
		payload:   payload,
		expiresAt: c.now().Add(c.config.TTL),
	})
	c.items[key] = el
}

// removeElement 要求调用方持有 c.mu
func (c *ResponseCache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(el)
}

func (c *ResponseCache) redisKey(key string) string {
	return c.config.RedisPrefix + key
}
