package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"Trusty-Agents/pkg/logger"
)

// RedisBusConfig 描述 Redis 总线的连接参数。
type RedisBusConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisBus 使用 Redis list 保存 JSON 编码的事件。
type RedisBus struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisBus 创建 Redis 总线实例。
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisBusWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisBusWithClient 复用已有的 Redis 客户端。
func NewRedisBusWithClient(client *redis.Client, queue string, wait time.Duration) *RedisBus {
	if queue == "" {
		queue = "trusty:events"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBus{client: client, queue: queue, wait: wait}
}

// Publish 将事件投递到 Redis。
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	raw, err := Encode(evt)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := b.client.LPush(ctx, b.queue, raw).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取事件。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := b.client.BRPop(ctx, b.wait, b.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取事件失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				evt, err := Decode([]byte(values[1]))
				if err != nil {
					// 无法解析的消息直接丢弃，避免阻塞队列。
					logger.Named("events").Warn("丢弃无法解析的事件", slog.String("error", err.Error()))
					continue
				}
				if handlerErr := handler(ctx, evt); handlerErr != nil {
					// 处理失败时重新投递事件。
					_ = b.client.RPush(ctx, b.queue, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
