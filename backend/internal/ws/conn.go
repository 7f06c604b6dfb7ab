package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/lock"
	"puzzleCollab/backend/internal/session"
	"puzzleCollab/backend/internal/signaling"
)

const (
	// 超过这个时间没有任何读活动（含 pong）就强制断开，触发完整清理
	idleTimeout = 90 * time.Second
	pingPeriod  = 30 * time.Second
)

// Conn 是一条原生协议连接。持有出站队列并实现 session.Sender；
// 所有会话状态都在 Coordinator 里，这里只有传输。
type Conn struct {
	ws     *websocket.Conn
	coord  *session.Coordinator
	relay  *signaling.Relay
	connID string

	send      chan event.Event
	quit      chan struct{} // 关闭后 SendEvent 变成空操作，send 通道永不 close
	quitOnce  sync.Once
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, coord *session.Coordinator, relay *signaling.Relay) *Conn {
	return &Conn{ws: ws, coord: coord, relay: relay, send: make(chan event.Event, 32), quit: make(chan struct{})}
}

// SendEvent 非阻塞入队。队列满了直接丢：慢消费者不能反压广播方，
// 它错过的中间状态靠幂等应用和后续事件补齐。
func (c *Conn) SendEvent(ev event.Event) error {
	select {
	case <-c.quit:
		return nil
	default:
	}
	select {
	case c.send <- ev:
	default:
		// 如果队列满了，则丢弃消息
	}
	return nil
}

func (c *Conn) CloseTransport(reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) enqueueError(code string) {
	payload, _ := json.Marshal(map[string]string{"code": code})
	ev := event.New(event.KindError, "", c.connID, payload)
	_ = c.SendEvent(ev)
}

func (c *Conn) enqueueAck(of string, extra any) {
	body := map[string]any{"of": of}
	if extra != nil {
		body["result"] = extra
	}
	payload, _ := json.Marshal(body)
	_ = c.SendEvent(event.New(event.KindAck, "", c.connID, payload))
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev := <-c.send:
			if err := c.ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Conn) refreshDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(idleTimeout))
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.quitOnce.Do(func() { close(c.quit) })
	c.refreshDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.refreshDeadline()
		return nil
	})

	for {
		// 只有传输层错误才退出循环；内容解析失败在 handleRaw 里回错误事件
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			log.Printf("ws: read error (conn=%s): %v", c.connID, err)
			return
		}
		c.refreshDeadline()
		c.handleRaw(ctx, raw)
	}
}

// handleRaw 解一条入站文本消息。坏 JSON 只回错误事件，连接保持打开。
func (c *Conn) handleRaw(ctx context.Context, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueueError("MALFORMED_MESSAGE")
		return
	}
	c.handleMessage(ctx, msg)
}

// handleMessage 把一条入站消息翻译成协调器调用。协议错误只回错误事件，
// 连接保持打开。
func (c *Conn) handleMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case "heartbeat":
		c.coord.Heartbeat(ctx, c.connID)
		c.enqueueAck("heartbeat", nil)

	case "join":
		if msg.RoomID == "" {
			c.enqueueError("MISSING_ROOM")
			return
		}
		result, err := c.coord.JoinRoom(ctx, c.connID, msg.RoomID)
		if err != nil {
			c.enqueueError(joinErrorCode(err))
			return
		}
		c.enqueueAck("join", result)

	case "leave":
		c.coord.LeaveRoom(ctx, c.connID)
		c.enqueueAck("leave", nil)

	case "chat":
		c.broadcast(ctx, event.KindChatMessage, msg)

	case "move":
		c.broadcast(ctx, event.KindObjectMoved, msg)

	case "cursor":
		roomID := c.roomOrError()
		if roomID == "" {
			return
		}
		ev := event.New(event.KindCursorUpdate, roomID, c.connID, msg.Payload)
		c.coord.BroadcastThrottled(c.connID, roomID, ev)

	case "lock":
		acquired, err := c.coord.TryLockObject(ctx, c.connID, msg.ObjectID)
		if err != nil {
			c.enqueueError(lockErrorCode(err))
			return
		}
		if !acquired {
			c.enqueueError("LOCK_BUSY")
			return
		}
		c.enqueueAck("lock", map[string]string{"objectId": msg.ObjectID})

	case "unlock":
		released, err := c.coord.UnlockObject(ctx, c.connID, msg.ObjectID)
		if err != nil {
			c.enqueueError("LOCK_UNAVAILABLE")
			return
		}
		if !released {
			c.enqueueError("NOT_LOCK_HOLDER")
			return
		}
		c.enqueueAck("unlock", map[string]string{"objectId": msg.ObjectID})

	case "call_request", "call_response", "call_offer", "call_answer", "call_candidate":
		if msg.Target == "" {
			c.enqueueError("MISSING_TARGET")
			return
		}
		ev := event.New(event.Kind(msg.Type), "", c.connID, msg.Payload)
		if err := c.relay.RelayToPeer(ctx, c.connID, msg.Target, ev); err != nil {
			c.enqueueError("RELAY_FAILED")
		}

	default:
		// 忽略未知类型，回一条提示
		c.enqueueError("UNKNOWN_TYPE")
	}
}

func (c *Conn) roomOrError() string {
	if roomID := c.currentRoom(); roomID != "" {
		return roomID
	}
	c.enqueueError("NOT_JOINED")
	return ""
}

func (c *Conn) currentRoom() string {
	// Coordinator 是状态的唯一持有者，适配器不缓存房间
	return c.coord.RoomOf(c.connID)
}

func (c *Conn) broadcast(ctx context.Context, kind event.Kind, msg ClientMessage) {
	roomID := c.roomOrError()
	if roomID == "" {
		return
	}
	ev := event.New(kind, roomID, c.connID, msg.Payload)
	c.coord.Broadcast(ctx, roomID, ev, c.connID)
}

func joinErrorCode(err error) string {
	if err == session.ErrRoomClosed {
		return "ROOM_UNAVAILABLE"
	}
	return "JOIN_FAILED"
}

func lockErrorCode(err error) string {
	switch err {
	case lock.ErrStoreUnavailable:
		// 失败关闭：拿不到存储按“忙”报告，绝不当“没人持锁”
		return "LOCK_BUSY"
	case session.ErrNotJoined:
		return "NOT_JOINED"
	}
	return "LOCK_FAILED"
}
