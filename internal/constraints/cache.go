package constraints

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache 缓存成功的翻译结果，键为原始 prompt。
type Cache interface {
	Get(ctx context.Context, prompt string) (Constraints, bool, error)
	Set(ctx context.Context, prompt string, c Constraints, ttl time.Duration) error
}

// RedisCacheConfig 描述 Redis 缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisCache 使用 Redis 字符串保存 JSON 编码的约束。
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 连接 Redis 并返回缓存实例。
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisCacheWithClient(client, cfg.Prefix), nil
}

// NewRedisCacheWithClient 复用已有的 Redis 客户端。
func NewRedisCacheWithClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "trusty:constraints:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get 实现 Cache 接口。
func (c *RedisCache) Get(ctx context.Context, prompt string) (Constraints, bool, error) {
	raw, err := c.client.Get(ctx, c.key(prompt)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Constraints{}, false, nil
	}
	if err != nil {
		return Constraints{}, false, fmt.Errorf("Redis 读取缓存失败: %w", err)
	}
	var out Constraints
	if err := json.Unmarshal(raw, &out); err != nil {
		return Constraints{}, false, fmt.Errorf("解析缓存内容失败: %w", err)
	}
	return out, true, nil
}

// Set 实现 Cache 接口。
func (c *RedisCache) Set(ctx context.Context, prompt string, value Constraints, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("编码缓存内容失败: %w", err)
	}
	if err := c.client.Set(ctx, c.key(prompt), raw, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) key(prompt string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(prompt))))
	return c.prefix + hex.EncodeToString(sum[:])
}

var _ Cache = (*RedisCache)(nil)
