package session

import (
	"errors"
	"sync"

	"puzzleCollab/backend/internal/event"
)

var ErrConnectionClosed = errors.New("connection already disconnected")

// Protocol 是连接说的线协议变体。
type Protocol string

const (
	ProtoNative Protocol = "native"
	ProtoBinary Protocol = "binary"
	ProtoLegacy Protocol = "legacy"
)

// State：每连接状态机 Connecting → Joined → Leaving → Disconnected，
// 握手失败时允许 Connecting → Disconnected 直达。这一层没有重试，
// 重连就是一次全新的 Connect。
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateLeaving
	StateDisconnected
)

// Sender 是协调器眼里的出站通道。实现方（各协议适配器）必须非阻塞：
// 入队即返回，队列满就丢（慢消费者不能拖住广播循环）。
type Sender interface {
	SendEvent(ev event.Event) error
	CloseTransport(reason string)
}

// Connection 是一次活跃的传输会话。归 Coordinator 独占所有：
// 握手时创建，断连或空闲超时销毁，连接 ID 不复用。
type Connection struct {
	id       string
	userID   uint64
	username string
	proto    Protocol
	sender   Sender

	mu    sync.Mutex
	state State
	room  string // 同一时刻最多属于一个房间
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) UserID() uint64   { return c.userID }
func (c *Connection) Username() string { return c.username }
func (c *Connection) Proto() Protocol  { return c.proto }

func (c *Connection) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setJoined 进入 Joined(room)。已断开的连接不允许任何转移。
func (c *Connection) setJoined(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return ErrConnectionClosed
	}
	c.state = StateJoined
	c.room = roomID
	return nil
}

// beginLeave 进入 Leaving 并返回离开前的房间（没加入过则为空串）。
func (c *Connection) beginLeave() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return "", ErrConnectionClosed
	}
	room := c.room
	c.state = StateLeaving
	c.room = ""
	return room, nil
}

// finishLeave：离开完成后回到可再次加入的状态（房间切换路径）。
func (c *Connection) finishLeave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLeaving {
		c.state = StateConnecting
	}
}

func (c *Connection) setDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.room = ""
}

// Send 把事件递给传输层（非阻塞）。
func (c *Connection) Send(ev event.Event) error {
	return c.sender.SendEvent(ev)
}
