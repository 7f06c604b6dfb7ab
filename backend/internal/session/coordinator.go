package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"puzzleCollab/backend/internal/audit"
	"puzzleCollab/backend/internal/backplane"
	"puzzleCollab/backend/internal/cache"
	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/lock"
	"puzzleCollab/backend/internal/roomdir"
	"puzzleCollab/backend/internal/throttle"
)

var (
	// ErrRoomClosed：房间被管理端关闭（RoomUnavailable）
	ErrRoomClosed        = errors.New("room unavailable")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotJoined         = errors.New("connection has not joined a room")
	ErrDraining          = errors.New("instance draining, not accepting connections")
)

type Member struct {
	ConnID   string `json:"connId"`
	Username string `json:"username,omitempty"`
}

type JoinResult struct {
	RoomID     string   `json:"roomId"`
	Members    []Member `json:"members"`
	IceServers []string `json:"iceServers,omitempty"`
}

type Options struct {
	InstanceID  string
	IceServers  []string
	PresenceTTL time.Duration // 心跳刷新的在线 TTL
	GCInterval  time.Duration // 空房间扫描周期
	GCGrace     time.Duration // 空房间保留宽限期
}

// Coordinator 拥有全部连接与房间状态。其他组件拿到的都是这一个实例的
// 引用（没有全局单例），测试里可以在一个进程里起多个互不干扰的实例。
type Coordinator struct {
	opt      Options
	locks    *lock.Manager
	fanout   *backplane.Fanout
	presence cache.PresenceCache // 可以为 nil（单机/测试，退化为本地成员表）
	dir      roomdir.Directory
	pipeline *throttle.Pipeline
	sink     *audit.Dispatcher

	connMu sync.RWMutex
	conns  map[string]*Connection

	roomMu sync.RWMutex
	rooms  map[string]*room

	draining atomic.Bool
}

func NewCoordinator(opt Options, locks *lock.Manager, fanout *backplane.Fanout, presence cache.PresenceCache, dir roomdir.Directory, pipeline *throttle.Pipeline, sink *audit.Dispatcher) *Coordinator {
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 600 * time.Second
	}
	if opt.GCInterval <= 0 {
		opt.GCInterval = 60 * time.Second
	}
	if opt.GCGrace <= 0 {
		opt.GCGrace = 120 * time.Second
	}
	return &Coordinator{
		opt:      opt,
		locks:    locks,
		fanout:   fanout,
		presence: presence,
		dir:      dir,
		pipeline: pipeline,
		sink:     sink,
		conns:    make(map[string]*Connection),
		rooms:    make(map[string]*room),
	}
}

// Start 接上背板订阅并启动空房间回收循环。
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.fanout.Start(ctx, c.handleRoomEvent, c.handleConnEvent); err != nil {
		return err
	}
	go c.gcLoop(ctx)
	return nil
}

// Connect 注册一条新连接，只做登记，没有别的副作用。
func (c *Coordinator) Connect(sender Sender, userID uint64, username string, proto Protocol) (string, error) {
	if c.draining.Load() {
		return "", ErrDraining
	}
	conn := &Connection{
		// xid：短、可排序、全局唯一，不复用
		id:       xid.New().String(),
		userID:   userID,
		username: username,
		proto:    proto,
		sender:   sender,
		state:    StateConnecting,
	}
	c.connMu.Lock()
	c.conns[conn.id] = conn
	c.connMu.Unlock()

	c.sink.Record(audit.LifecycleEvent{EventType: audit.EventConnectionOpened, ConnID: conn.id, UserID: userID})
	return conn.id, nil
}

func (c *Coordinator) lookup(connID string) (*Connection, bool) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	conn, ok := c.conns[connID]
	return conn, ok
}

// RoomOf 返回连接当前所在房间（未加入返回空串）。
func (c *Coordinator) RoomOf(connID string) string {
	conn, ok := c.lookup(connID)
	if !ok {
		return ""
	}
	return conn.Room()
}

// IsActive 报告连接是否仍注册在本实例且未断开。
func (c *Coordinator) IsActive(connID string) bool {
	conn, ok := c.lookup(connID)
	return ok && conn.State() != StateDisconnected
}

func (c *Coordinator) getOrCreateRoom(roomID string) *room {
	c.roomMu.RLock()
	r, ok := c.rooms[roomID]
	c.roomMu.RUnlock()
	if ok {
		return r
	}
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	if r, ok = c.rooms[roomID]; ok {
		return r
	}
	r = newRoom()
	c.rooms[roomID] = r
	return r
}

// JoinRoom 把连接加入房间（房间首次加入时懒创建）。
// 返回当前已知成员和可选的 ICE 服务器列表。
func (c *Coordinator) JoinRoom(ctx context.Context, connID, roomID string) (JoinResult, error) {
	conn, ok := c.lookup(connID)
	if !ok {
		return JoinResult{}, ErrUnknownConnection
	}

	open, err := c.dir.IsOpen(ctx, roomID)
	if err != nil {
		// 目录不可达时放行：加入不是编辑操作，失败关闭只用在锁上
		log.Printf("session: room directory unreachable, treating room as open room=%s err=%v", roomID, err)
		open = true
	}
	if !open {
		return JoinResult{}, ErrRoomClosed
	}

	// 一个连接同时只属于一个房间：换房先离开旧的
	if prev := conn.Room(); prev != "" && prev != roomID {
		c.LeaveRoom(ctx, connID)
	}

	if err := conn.setJoined(roomID); err != nil {
		return JoinResult{}, err
	}
	c.getOrCreateRoom(roomID).add(conn)

	if c.presence != nil {
		if err := c.presence.AddMember(ctx, roomID, connID, conn.Username(), c.opt.PresenceTTL); err != nil {
			log.Printf("session: presence add failed room=%s conn=%s err=%v", roomID, connID, err)
		}
	}

	payload, _ := json.Marshal(Member{ConnID: connID, Username: conn.Username()})
	ev := event.New(event.KindUserJoined, roomID, connID, payload)
	ev.OriginUser = conn.UserID()
	ev.OriginName = conn.Username()
	c.Broadcast(ctx, roomID, ev, connID)

	return JoinResult{RoomID: roomID, Members: c.membersOf(ctx, roomID), IceServers: c.opt.IceServers}, nil
}

// membersOf 优先取 presence（全实例并集），presence 不可用时退回本地成员表。
func (c *Coordinator) membersOf(ctx context.Context, roomID string) []Member {
	if c.presence != nil {
		alive, err := c.presence.GetAliveMembersWithNames(ctx, roomID)
		if err == nil {
			members := make([]Member, 0, len(alive))
			for _, m := range alive {
				members = append(members, Member{ConnID: m.ConnID, Username: m.Username})
			}
			return members
		}
		log.Printf("session: presence read failed, falling back to local members room=%s err=%v", roomID, err)
	}

	c.roomMu.RLock()
	r, ok := c.rooms[roomID]
	c.roomMu.RUnlock()
	if !ok {
		return nil
	}
	conns := r.snapshot()
	members := make([]Member, 0, len(conns))
	for _, conn := range conns {
		members = append(members, Member{ConnID: conn.ID(), Username: conn.Username()})
	}
	return members
}

// LeaveRoom 幂等：重复调用、或从未加入过房间的连接调用都安全。
// 清理顺序：本地成员表 → presence → user_left 广播 → 释放该连接的全部
// 编辑锁 → 拆节流队列。
func (c *Coordinator) LeaveRoom(ctx context.Context, connID string) {
	conn, ok := c.lookup(connID)
	if !ok {
		return
	}
	roomID, err := conn.beginLeave()
	if err != nil {
		return
	}

	if roomID != "" {
		c.roomMu.RLock()
		r, exists := c.rooms[roomID]
		c.roomMu.RUnlock()
		if exists {
			r.remove(connID)
		}

		if c.presence != nil {
			if err := c.presence.RemoveMember(ctx, roomID, connID); err != nil {
				log.Printf("session: presence remove failed room=%s conn=%s err=%v", roomID, connID, err)
			}
		}

		payload, _ := json.Marshal(Member{ConnID: connID, Username: conn.Username()})
		ev := event.New(event.KindUserLeft, roomID, connID, payload)
		ev.OriginUser = conn.UserID()
		ev.OriginName = conn.Username()
		c.Broadcast(ctx, roomID, ev, connID)
	}

	c.locks.ReleaseAllFor(ctx, connID)
	c.pipeline.StopConn(connID)
	conn.finishLeave()
}

// Broadcast 投递给本实例的房间成员（排除 exclude），再发布到背板让
// 其他实例投递它们自己的成员。对调用方 fire-and-forget：不等客户端确认。
func (c *Coordinator) Broadcast(ctx context.Context, roomID string, ev event.Event, exclude ...string) {
	c.deliverLocal(roomID, ev, exclude...)
	c.fanout.PublishRoom(ctx, roomID, ev)
}

// deliverLocal 只投递给本实例成员，绝不再发布（背板 handler 也走这里，
// 避免回环）。
func (c *Coordinator) deliverLocal(roomID string, ev event.Event, exclude ...string) {
	c.roomMu.RLock()
	r, ok := c.rooms[roomID]
	c.roomMu.RUnlock()
	if !ok {
		return
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	for _, conn := range r.snapshot() {
		if _, excluded := skip[conn.ID()]; excluded {
			continue
		}
		if err := conn.Send(ev); err != nil {
			log.Printf("session: local deliver failed room=%s conn=%s err=%v", roomID, conn.ID(), err)
		}
	}
}

// BroadcastThrottled 把高频事件路由进合并管线：同一 (连接, 流) 每个
// tick 只广播最新值，中间值允许丢（客户端按 last-writer-wins 应用）。
func (c *Coordinator) BroadcastThrottled(connID, roomID string, ev event.Event) {
	c.pipeline.Offer(connID, ev.StreamKey(), ev, func(latest event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Broadcast(ctx, roomID, latest, connID)
	})
}

// DeliverToConn 把事件投给本实例上的某条连接（信令/背板点对点路径）。
func (c *Coordinator) DeliverToConn(connID string, ev event.Event) bool {
	conn, ok := c.lookup(connID)
	if !ok || conn.State() == StateDisconnected {
		return false
	}
	if err := conn.Send(ev); err != nil {
		log.Printf("session: conn deliver failed conn=%s err=%v", connID, err)
		return false
	}
	return true
}

// PublishToConn 把事件发往某连接的背板专属频道（目标在别的实例上时用）。
func (c *Coordinator) PublishToConn(ctx context.Context, connID string, ev event.Event) {
	c.fanout.PublishConn(ctx, connID, ev)
}

// Heartbeat 刷新连接的在线 TTL（协议层 keep-alive 到达时调用）。
func (c *Coordinator) Heartbeat(ctx context.Context, connID string) {
	conn, ok := c.lookup(connID)
	if !ok {
		return
	}
	roomID := conn.Room()
	if roomID == "" || c.presence == nil {
		return
	}
	if err := c.presence.AddMember(ctx, roomID, connID, conn.Username(), c.opt.PresenceTTL); err != nil {
		log.Printf("session: presence refresh failed room=%s conn=%s err=%v", roomID, connID, err)
	}
}

// Disconnect 触发完整清理路径：LeaveRoom（含锁释放、节流拆除）→ 注销。
func (c *Coordinator) Disconnect(ctx context.Context, connID, reason string) {
	conn, ok := c.lookup(connID)
	if !ok {
		return
	}
	c.LeaveRoom(ctx, connID)
	conn.setDisconnected()

	c.connMu.Lock()
	delete(c.conns, connID)
	c.connMu.Unlock()

	c.sink.Record(audit.LifecycleEvent{EventType: audit.EventConnectionClosed, ConnID: connID, UserID: conn.UserID(), Reason: reason})
}

// TryLockObject / UnlockObject：对象编辑互斥入口。持有者身份就是连接 ID，
// 断连清理天然能扫掉它的锁。
func (c *Coordinator) TryLockObject(ctx context.Context, connID, objectID string) (bool, error) {
	conn, ok := c.lookup(connID)
	if !ok {
		return false, ErrUnknownConnection
	}
	roomID := conn.Room()
	if roomID == "" {
		return false, ErrNotJoined
	}
	acquired, err := c.locks.TryAcquire(ctx, objectID, connID)
	if err != nil || !acquired {
		return false, err
	}
	payload, _ := json.Marshal(map[string]string{"objectId": objectID, "holder": connID})
	ev := event.New(event.KindObjectLocked, roomID, connID, payload)
	c.Broadcast(ctx, roomID, ev, connID)
	return true, nil
}

func (c *Coordinator) UnlockObject(ctx context.Context, connID, objectID string) (bool, error) {
	conn, ok := c.lookup(connID)
	if !ok {
		return false, ErrUnknownConnection
	}
	roomID := conn.Room()
	released, err := c.locks.Release(ctx, objectID, connID)
	if err != nil || !released {
		return false, err
	}
	if roomID != "" {
		payload, _ := json.Marshal(map[string]string{"objectId": objectID, "holder": connID})
		ev := event.New(event.KindObjectUnlocked, roomID, connID, payload)
		c.Broadcast(ctx, roomID, ev, connID)
	}
	return true, nil
}

// 背板投递：handler 只做本地投递，不再发布。
func (c *Coordinator) handleRoomEvent(roomID string, ev event.Event) {
	c.deliverLocal(roomID, ev, ev.OriginConn)
}

func (c *Coordinator) handleConnEvent(connID string, ev event.Event) {
	c.DeliverToConn(connID, ev)
}

// gcLoop 回收超过宽限期的空房间。
func (c *Coordinator) gcLoop(ctx context.Context) {
	t := time.NewTicker(c.opt.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweepIdleRooms()
		}
	}
}

func (c *Coordinator) sweepIdleRooms() {
	cutoff := time.Now().Add(-c.opt.GCGrace)
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	for roomID, r := range c.rooms {
		if since, empty := r.idleSince(); empty && since.Before(cutoff) {
			delete(c.rooms, roomID)
			log.Printf("session: removed idle room room=%s", roomID)
		}
	}
}

// Shutdown 优雅下线：停止接新连接 → 断开现有连接（触发各自的清理）→
// 拆节流管线 → 退订背板。退订放最后，让在途广播先走完。
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.draining.Store(true)

	c.connMu.RLock()
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.connMu.RUnlock()

	for _, id := range ids {
		if conn, ok := c.lookup(id); ok {
			conn.sender.CloseTransport("server shutting down")
		}
		c.Disconnect(ctx, id, "shutdown")
	}

	c.pipeline.Stop()
	c.fanout.Close()
}

// LocalMemberCount 返回某房间在本实例的成员数（测试/诊断用）。
func (c *Coordinator) LocalMemberCount(roomID string) int {
	c.roomMu.RLock()
	r, ok := c.rooms[roomID]
	c.roomMu.RUnlock()
	if !ok {
		return 0
	}
	return r.count()
}
