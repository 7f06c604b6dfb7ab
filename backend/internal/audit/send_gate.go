package audit

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// 同时在途的 Kafka 发送上限。broker 抖动时 worker 会堆在网络调用上，
// 闸门保证堆积有上界。
const maxInflightSends = 100

// SendGate 限制并发的 SendMessage 数量。
type SendGate struct {
	sem *semaphore.Weighted
}

func NewSendGate() *SendGate {
	return &SendGate{sem: semaphore.NewWeighted(maxInflightSends)}
}

// Acquire 等到有空位为止，ctx 取消时放弃。
func (g *SendGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *SendGate) Release() {
	g.sem.Release(1)
}
