package store

import (
	"context"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 所有比较类操作都必须是单条原子命令，不能 GET 之后再 DEL/EXPIRE
// （两步之间的竞态窗口正是锁层要消灭的东西），所以这里用 lua 脚本。
var (
	delIfEqualsScript = redis.NewScript(`
	-- KEYS[1] = key
	-- ARGV[1] = expected value
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
	`)

	refreshIfEqualsScript = redis.NewScript(`
	-- KEYS[1] = key
	-- ARGV[1] = expected value
	-- ARGV[2] = ttl (milliseconds)
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
	`)
)

// RedisStore 基于 go-redis 的共享存储实现。每次调用都带一个短超时：
// 超时就按 ErrUnavailable 处理，绝不无限等待。
type RedisStore struct {
	rdb       redis.UniversalClient
	opTimeout time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisStore{rdb: rdb, opTimeout: opTimeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, ErrUnavailable
	}
	return ok, nil
}

func (s *RedisStore) RefreshIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := refreshIfEqualsScript.Run(ctx, s.rdb, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return false, ErrUnavailable
	}
	return n == 1, nil
}

func (s *RedisStore) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := delIfEqualsScript.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil && err != redis.Nil {
		return false, ErrUnavailable
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, ErrUnavailable
	}
	return v, true, nil
}

func (s *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) RemoveFromSet(ctx context.Context, key, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return nil, ErrUnavailable
	}
	return members, nil
}

func (s *RedisStore) DelKey(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error) {
	// PSubscribe 自身不吃传入 ctx 的超时（订阅是长生命周期的）
	pubsub := s.rdb.PSubscribe(ctx, pattern)
	// 等订阅确认，避免启动竞态：Subscribe 返回后发布的消息必须能收到
	waitCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := pubsub.Receive(waitCtx); err != nil {
		_ = pubsub.Close()
		return nil, nil, ErrUnavailable
	}

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		for m := range pubsub.Channel() {
			select {
			case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			default:
				// 订阅方消费太慢就丢弃，不能拖垮整个订阅循环
				log.Printf("redis subscribe: slow consumer, drop message channel=%s", m.Channel)
			}
		}
	}()
	stop := func() { _ = pubsub.Close() }
	return out, stop, nil
}
