package backplane

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"puzzleCollab/backend/internal/audit"
	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/store"
)

// Envelope 是背板上的一条消息。Origin 用来防止回环：
// 发布实例在发布前就已经完成了本地投递，收到自己的信封直接丢弃。
type Envelope struct {
	Origin string      `json:"origin"`
	Event  event.Event `json:"event"`
}

type RoomHandler func(roomID string, ev event.Event)
type ConnHandler func(connID string, ev event.Event)

// Fanout 是跨实例扇出层。频道按部署命名空间隔离，避免多租户串台：
// - {ns}:room:{roomID}  房间广播
// - {ns}:conn:{connID}  点对点（信令中继用）
// 每台实例启动时各订阅一次这两个模式；handler 只做本地投递，绝不能再
// 发布回背板（否则无限循环）。
type Fanout struct {
	st         store.Store
	ns         string
	instanceID string
	sink       *audit.Dispatcher

	degraded atomic.Bool
	stops    []func()
}

func NewFanout(st store.Store, namespace, instanceID string, sink *audit.Dispatcher) *Fanout {
	if namespace == "" {
		namespace = "puzzle"
	}
	return &Fanout{st: st, ns: namespace, instanceID: instanceID, sink: sink}
}

func (f *Fanout) roomChannel(roomID string) string { return f.ns + ":room:" + roomID }
func (f *Fanout) connChannel(connID string) string { return f.ns + ":conn:" + connID }

// PublishRoom 把事件发布到房间频道，供其他实例投递给它们的本地成员。
func (f *Fanout) PublishRoom(ctx context.Context, roomID string, ev event.Event) {
	f.publish(ctx, f.roomChannel(roomID), ev)
}

// PublishConn 把事件发布到某个连接的专属频道（信令中继路径）。
func (f *Fanout) PublishConn(ctx context.Context, connID string, ev event.Event) {
	f.publish(ctx, f.connChannel(connID), ev)
}

// Degraded 报告背板当前是否处于“仅本地投递”降级状态。
func (f *Fanout) Degraded() bool { return f.degraded.Load() }

// publish 带有界重试（发布重试是安全的：投递语义本来就是至少一次）。
// 连续失败就进入降级模式并通过审计链路给运维发信号。
func (f *Fanout) publish(ctx context.Context, channel string, ev event.Event) {
	b, err := json.Marshal(Envelope{Origin: f.instanceID, Event: ev})
	if err != nil {
		log.Printf("backplane: marshal failed channel=%s err=%v", channel, err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if lastErr = f.st.Publish(ctx, channel, b); lastErr == nil {
			if f.degraded.CompareAndSwap(true, false) {
				log.Printf("backplane: store reachable again, leaving degraded mode")
				f.sink.Record(audit.LifecycleEvent{EventType: audit.EventBackplaneHealthy})
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	// 降级为仅本地投递：本机成员已经在发布前收到了，别的实例这次收不到
	if f.degraded.CompareAndSwap(false, true) {
		log.Printf("backplane: publish failing, degrading to local-only delivery err=%v", lastErr)
		f.sink.Record(audit.LifecycleEvent{EventType: audit.EventBackplaneDegraded, Reason: lastErr.Error()})
	}
}

// Start 订阅房间/连接两个频道模式并启动投递循环。每个订阅一个 goroutine
// （全局各一个，不是每连接一个）。
func (f *Fanout) Start(ctx context.Context, onRoom RoomHandler, onConn ConnHandler) error {
	roomPrefix := f.ns + ":room:"
	connPrefix := f.ns + ":conn:"

	roomCh, stopRoom, err := f.st.Subscribe(ctx, roomPrefix+"*")
	if err != nil {
		return err
	}
	connCh, stopConn, err := f.st.Subscribe(ctx, connPrefix+"*")
	if err != nil {
		stopRoom()
		return err
	}
	f.stops = append(f.stops, stopRoom, stopConn)

	go f.deliverLoop(roomCh, roomPrefix, func(id string, ev event.Event) { onRoom(id, ev) })
	go f.deliverLoop(connCh, connPrefix, func(id string, ev event.Event) { onConn(id, ev) })
	return nil
}

func (f *Fanout) deliverLoop(ch <-chan store.Message, prefix string, deliver func(id string, ev event.Event)) {
	for m := range ch {
		var env Envelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			log.Printf("backplane: bad envelope channel=%s err=%v", m.Channel, err)
			continue
		}
		if env.Origin == f.instanceID {
			// 自己发布的，本地早已投递过
			continue
		}
		id := strings.TrimPrefix(m.Channel, prefix)
		if id == "" {
			continue
		}
		deliver(id, env.Event)
	}
}

// Close 取消全部订阅。优雅下线的一环：先退订，别的实例才不会继续
// 以为这台实例还能投递。
func (f *Fanout) Close() {
	for _, stop := range f.stops {
		stop()
	}
	f.stops = nil
}
