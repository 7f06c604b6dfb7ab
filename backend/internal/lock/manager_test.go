package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"puzzleCollab/backend/internal/store"
)

func newTestManager(ttl time.Duration) *Manager {
	return NewManager(store.NewMemoryStore(), ttl, nil)
}

// 互斥：50 个并发持有者抢同一个对象，只能有一个成功
func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(time.Minute)

	const holders = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.TryAcquire(ctx, "p1", fmt.Sprintf("holder-%d", i))
			if err != nil {
				t.Errorf("TryAcquire error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
}

func TestIdempotentReacquire(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := m.TryAcquire(ctx, "p1", "holder-a")
		if err != nil || !ok {
			t.Fatalf("re-acquire %d by same holder: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := m.TryAcquire(ctx, "p1", "holder-b")
	if err != nil || ok {
		t.Fatalf("other holder should be denied: ok=%v err=%v", ok, err)
	}
}

func TestReleaseSemantics(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(time.Minute)

	if ok, _ := m.TryAcquire(ctx, "p1", "holder-a"); !ok {
		t.Fatalf("initial acquire failed")
	}

	// 非持有者的释放必须失败且不影响现有锁
	ok, err := m.Release(ctx, "p1", "holder-b")
	if err != nil || ok {
		t.Fatalf("non-holder release: ok=%v err=%v", ok, err)
	}
	if holder, exists, _ := m.Holder(ctx, "p1"); !exists || holder != "holder-a" {
		t.Fatalf("lock should still belong to holder-a, got %q exists=%v", holder, exists)
	}

	ok, err = m.Release(ctx, "p1", "holder-a")
	if err != nil || !ok {
		t.Fatalf("holder release: ok=%v err=%v", ok, err)
	}
	// 释放后再次释放：幂等，返回 false 不报错
	ok, err = m.Release(ctx, "p1", "holder-a")
	if err != nil || ok {
		t.Fatalf("double release: ok=%v err=%v", ok, err)
	}
}

func TestLateReleaseAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(30 * time.Millisecond)

	if ok, _ := m.TryAcquire(ctx, "p1", "holder-a"); !ok {
		t.Fatalf("initial acquire failed")
	}
	time.Sleep(50 * time.Millisecond)

	// TTL 过期后 holder-b 拿到锁
	if ok, _ := m.TryAcquire(ctx, "p1", "holder-b"); !ok {
		t.Fatalf("acquire after expiry failed")
	}
	// 迟到的前持有者不能放掉新持有者的锁
	if ok, _ := m.Release(ctx, "p1", "holder-a"); ok {
		t.Fatalf("stale holder managed to release someone else's lock")
	}
	if holder, _, _ := m.Holder(ctx, "p1"); holder != "holder-b" {
		t.Fatalf("expected holder-b, got %q", holder)
	}
}

func TestReleaseAllFor(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(time.Minute)

	for _, obj := range []string{"p1", "p2", "p3"} {
		if ok, _ := m.TryAcquire(ctx, obj, "holder-a"); !ok {
			t.Fatalf("acquire %s failed", obj)
		}
	}
	if ok, _ := m.TryAcquire(ctx, "p9", "holder-b"); !ok {
		t.Fatalf("acquire p9 failed")
	}

	m.ReleaseAllFor(ctx, "holder-a")

	for _, obj := range []string{"p1", "p2", "p3"} {
		if ok, _ := m.TryAcquire(ctx, obj, "holder-c"); !ok {
			t.Fatalf("object %s should be reassignable after sweep", obj)
		}
	}
	// 别人的锁不能被扫掉
	if holder, _, _ := m.Holder(ctx, "p9"); holder != "holder-b" {
		t.Fatalf("sweep touched an unrelated lock, holder=%q", holder)
	}
}

// 场景：A 加锁成功，B 被拒，A 释放后 B 重试成功
func TestTwoClientScenario(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(time.Minute)

	if ok, _ := m.TryAcquire(ctx, "p1", "conn-a"); !ok {
		t.Fatalf("A acquire failed")
	}
	if ok, _ := m.TryAcquire(ctx, "p1", "conn-b"); ok {
		t.Fatalf("B should be busy")
	}
	if ok, _ := m.Release(ctx, "p1", "conn-a"); !ok {
		t.Fatalf("A release failed")
	}
	if ok, _ := m.TryAcquire(ctx, "p1", "conn-b"); !ok {
		t.Fatalf("B retry should succeed")
	}
}

// 存储不可用：失败关闭，TryAcquire 返回错误而不是 false-等于-空闲
type failingStore struct {
	store.Store
}

func (f *failingStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}

func (f *failingStore) RefreshIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}

func TestFailClosed(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&failingStore{Store: store.NewMemoryStore()}, time.Minute, nil)

	ok, err := m.TryAcquire(ctx, "p1", "holder-a")
	if ok {
		t.Fatalf("acquire must not succeed while store is down")
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
