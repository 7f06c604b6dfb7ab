package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable：存储不可达（连接失败/超时）。调用方必须按“失败关闭”
// 处理：拿不到锁就当忙，发布失败就退化为仅本机投递。
var ErrUnavailable = errors.New("shared store unavailable")

// Message 是订阅通道上收到的一条消息。
type Message struct {
	Channel string
	Payload []byte
}

// Store 是跨实例共享的 KV + 发布订阅抽象。只要求三类原语：
// - 原子 set-if-absent（带 TTL）
// - 原子 compare-and-delete / compare-and-refresh
// - 按通道名/模式的发布订阅（对所有存活订阅者至少一次投递）
// 不规定具体实现；生产环境用 Redis，测试和单机降级用内存实现。
type Store interface {
	// SetIfAbsent 仅当 key 不存在（或已过期）时写入，返回是否写入成功。
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// RefreshIfEquals 仅当 key 当前值等于 value 时刷新 TTL。
	RefreshIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DelIfEquals 仅当 key 当前值等于 value 时删除，返回是否删除。
	DelIfEquals(ctx context.Context, key, value string) (bool, error)
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// 无序集合，用于锁持有者索引（best-effort，不要求原子）
	AddToSet(ctx context.Context, key, member string) error
	RemoveFromSet(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	DelKey(ctx context.Context, key string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe 按模式订阅（"ns:room:*" 这类）。返回的取消函数负责
	// 关闭订阅和消息通道。
	Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error)
}
