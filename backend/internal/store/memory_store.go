package store

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore 是 Store 的进程内实现。两个用途：
// - 测试：多个“实例”共享同一个 MemoryStore，就能在一个进程里模拟跨实例投递
// - 单机降级：没配 Redis 时也能跑（只是失去跨实例能力）
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	sets    map[string]map[string]struct{}
	subs    []*memSub
}

type memEntry struct {
	value    string
	expireAt time.Time // 零值表示不过期
}

type memSub struct {
	pattern string
	ch      chan Message
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
	}
}

// 过期是惰性检查的：读到过期条目就当不存在并顺手删掉。
func (s *MemoryStore) liveValue(key string) (string, bool) {
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(s.entries, key)
		return "", false
	}
	return e.value, true
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveValue(key); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) RefreshIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok || v != value {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok || v != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	return v, ok, nil
}

func (s *MemoryStore) AddToSet(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]struct{})
	}
	s.sets[key][member] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveFromSet(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sets[key]; ok {
		delete(m, member)
		if len(m) == 0 {
			delete(s.sets, key)
		}
	}
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) DelKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.sets, key)
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	// 投递必须在锁内完成：stop() 也是在锁内关闭 sub.ch 的，
	// 松开锁再发就会和并发退订撞上 send-on-closed-channel
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.closed {
			continue
		}
		if ok, _ := path.Match(sub.pattern, channel); ok {
			select {
			case sub.ch <- Message{Channel: channel, Payload: payload}:
			default:
				// 和 Redis 实现同样的策略：慢消费者丢消息
			}
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error) {
	sub := &memSub{pattern: pattern, ch: make(chan Message, 256)}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, stop, nil
}
