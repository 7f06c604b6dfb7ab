package lock

import (
	"context"
	"errors"
	"log"
	"time"

	"puzzleCollab/backend/internal/audit"
	"puzzleCollab/backend/internal/store"
)

// ErrStoreUnavailable：共享存储不可达。调用方必须当“忙”处理（失败关闭），
// 绝不能当“没人持锁”处理，否则两台实例会同时编辑同一个对象。
var ErrStoreUnavailable = errors.New("lock store unavailable")

const DefaultTTL = 30 * time.Second

// Manager 管理集群范围的对象编辑锁。锁只活在共享存储里，不落进程内存：
// 实例崩溃后锁靠 TTL 自愈，不需要任何恢复流程。
type Manager struct {
	st   store.Store
	ttl  time.Duration
	sink *audit.Dispatcher
}

func NewManager(st store.Store, ttl time.Duration, sink *audit.Dispatcher) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{st: st, ttl: ttl, sink: sink}
}

// TryAcquire 尝试获取 objectID 的编辑锁。
// 返回 true 的两种情况：
// - 没有未过期的锁，set-if-absent 成功
// - 锁已经被同一个 holderID 持有（幂等重入，同时刷新 TTL）
// 存储不可用时返回 ErrStoreUnavailable，调用方按“忙”处理。
// 注意：这里不做透明重试——调用方要的是“马上知道拿没拿到”。
func (m *Manager) TryAcquire(ctx context.Context, objectID, holderID string) (bool, error) {
	// 两步都是原子操作，顺序是安全的：refresh 和 setnx 之间即使锁刚好过期，
	// 最坏也只是走到 setnx 分支去抢，绝不会出现两个持有者。
	ok, err := m.st.RefreshIfEquals(ctx, lockKey(objectID), holderID, m.ttl)
	if err != nil {
		return false, ErrStoreUnavailable
	}
	if ok {
		return true, nil
	}

	ok, err = m.st.SetIfAbsent(ctx, lockKey(objectID), holderID, m.ttl)
	if err != nil {
		return false, ErrStoreUnavailable
	}
	if !ok {
		m.sink.Record(audit.LifecycleEvent{EventType: audit.EventLockDenied, ObjectID: objectID, HolderID: holderID})
		return false, nil
	}

	// 持有者索引是 best-effort：写失败不影响锁本身，
	// 最坏是 ReleaseAllFor 漏扫、等 TTL 兜底。
	if err := m.st.AddToSet(ctx, heldKey(holderID), objectID); err != nil {
		log.Printf("lock: record held index failed holder=%s object=%s err=%v", holderID, objectID, err)
	}
	m.sink.Record(audit.LifecycleEvent{EventType: audit.EventLockAcquired, ObjectID: objectID, HolderID: holderID})
	return true, nil
}

// Release 仅在当前持有者是 holderID 时删除锁（compare-and-delete）。
// 过期后别人已经拿到锁的情况下，迟到的 Release 返回 false 且不碰新锁。
func (m *Manager) Release(ctx context.Context, objectID, holderID string) (bool, error) {
	ok, err := m.st.DelIfEquals(ctx, lockKey(objectID), holderID)
	if err != nil {
		return false, ErrStoreUnavailable
	}
	if rmErr := m.st.RemoveFromSet(ctx, heldKey(holderID), objectID); rmErr != nil {
		log.Printf("lock: clear held index failed holder=%s object=%s err=%v", holderID, objectID, rmErr)
	}
	return ok, nil
}

// ReleaseAllFor 在断连清理路径上扫掉 holderID 持有的所有锁。
// 完全 best-effort：索引里找不到条目不是错误（锁可能早就 TTL 过期了）。
func (m *Manager) ReleaseAllFor(ctx context.Context, holderID string) {
	objects, err := m.st.SetMembers(ctx, heldKey(holderID))
	if err != nil {
		log.Printf("lock: sweep held index failed holder=%s err=%v", holderID, err)
		return
	}
	for _, objectID := range objects {
		if _, err := m.Release(ctx, objectID, holderID); err != nil {
			log.Printf("lock: sweep release failed holder=%s object=%s err=%v", holderID, objectID, err)
		}
	}
	if err := m.st.DelKey(ctx, heldKey(holderID)); err != nil {
		log.Printf("lock: drop held index failed holder=%s err=%v", holderID, err)
	}
}

// Holder 返回当前持有者（诊断用）。
func (m *Manager) Holder(ctx context.Context, objectID string) (string, bool, error) {
	v, ok, err := m.st.Get(ctx, lockKey(objectID))
	if err != nil {
		return "", false, ErrStoreUnavailable
	}
	return v, ok, nil
}
