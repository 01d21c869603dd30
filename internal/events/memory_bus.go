package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryBus 使用 channel 模拟消息总线，适用于单进程部署与测试。
type MemoryBus struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建一个内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan Event, size)}
}

// ErrBusFull 表示内存总线缓冲区已满，事件被丢弃。
var ErrBusFull = errors.New("事件总线缓冲区已满")

// Publish 将事件投递到总线。缓冲区已满时立即返回 ErrBusFull，不阻塞调用方。
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("事件总线已关闭")
	}
	select {
	case b.ch <- evt:
		return nil
	default:
		return ErrBusFull
	}
}

// Consume 启动指定数量的工作协程消费事件。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, evt)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
