package throttle

import (
	"sync"
	"time"

	"puzzleCollab/backend/internal/event"
)

const DefaultTick = 100 * time.Millisecond

// FlushFunc 在 tick 到来且有新值时被调用，拿到的是该流的最新值。
type FlushFunc func(ev event.Event)

// Pipeline 给高频流（光标位置这类）做限流。每个 (连接, 流) 懒创建一个
// 合并槽：深度永远是 1（last-value-wins），旧值直接被覆盖而不是排队。
// 每个槽一个后台 goroutine，按固定 tick 醒来：这个周期里有新值就只广播
// 最新的那个，没有就什么都不发。保证：
// - 过期度有界（最多落后 1 个 tick）
// - 带宽有界（每个活跃流每 tick 最多 1 次广播），与输入速率无关
type Pipeline struct {
	mu    sync.Mutex
	tick  time.Duration
	slots map[slotKey]*slot
}

type slotKey struct {
	connID    string
	streamKey string
}

type slot struct {
	mu     sync.Mutex
	latest event.Event
	dirty  bool
	flush  FlushFunc
	stop   chan struct{}
	done   chan struct{}
}

func NewPipeline(tick time.Duration) *Pipeline {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Pipeline{tick: tick, slots: make(map[slotKey]*slot)}
}

// Offer 把一个高频更新交给合并槽。首次出现的 (连接, 流) 会创建槽并启动
// 它的 tick 任务；flush 回调在创建时固定下来。
func (p *Pipeline) Offer(connID, streamKey string, ev event.Event, flush FlushFunc) {
	key := slotKey{connID: connID, streamKey: streamKey}

	p.mu.Lock()
	s, ok := p.slots[key]
	if !ok {
		s = &slot{flush: flush, stop: make(chan struct{}), done: make(chan struct{})}
		p.slots[key] = s
		go s.run(p.tick)
	}
	p.mu.Unlock()

	s.mu.Lock()
	s.latest = ev
	s.dirty = true
	s.mu.Unlock()
}

func (s *slot) run(tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	defer close(s.done)
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			if !s.dirty {
				s.mu.Unlock()
				continue
			}
			ev := s.latest
			s.dirty = false
			s.mu.Unlock()
			s.flush(ev)
		case <-s.stop:
			return
		}
	}
}

// StopConn 拆掉某个连接的所有合并槽（离开房间/断连时调用）。
// 同步等 tick 任务退出，拆完之后不会再有该连接的广播冒出来。
func (p *Pipeline) StopConn(connID string) {
	p.mu.Lock()
	var stopped []*slot
	for key, s := range p.slots {
		if key.connID == connID {
			close(s.stop)
			stopped = append(stopped, s)
			delete(p.slots, key)
		}
	}
	p.mu.Unlock()
	for _, s := range stopped {
		<-s.done
	}
}

// Stop 拆掉全部槽（实例下线）。
func (p *Pipeline) Stop() {
	p.mu.Lock()
	var stopped []*slot
	for key, s := range p.slots {
		close(s.stop)
		stopped = append(stopped, s)
		delete(p.slots, key)
	}
	p.mu.Unlock()
	for _, s := range stopped {
		<-s.done
	}
}

// ActiveSlots 返回当前活跃槽数量（测试/诊断用）。
func (p *Pipeline) ActiveSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
