package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/identity"
	"puzzleCollab/backend/internal/session"
	"puzzleCollab/backend/internal/signaling"
)

// 遗留客户端来源五花八门，这个端点不做 Origin 白名单（鉴权靠 token）
var legacyUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// legacyConn 是一条遗留文本协议连接。和二进制适配器一样无状态：
// 只持有出站队列，会话状态全在 Coordinator。
type legacyConn struct {
	send     chan string
	quit     chan struct{}
	quitOnce sync.Once
	closeFn  func()
	connID   string
	ns       string
}

func newLegacyConn(ns string, closeFn func()) *legacyConn {
	return &legacyConn{send: make(chan string, 32), quit: make(chan struct{}), closeFn: closeFn, ns: ns}
}

// SendEvent 把规范事件编回遗留信封（op=2，事件名=规范 kind）。
func (l *legacyConn) SendEvent(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	body, err := json.Marshal(EventBody{Event: string(ev.Kind), Data: data})
	if err != nil {
		return err
	}
	l.enqueue(EncodePacket(Packet{Op: OpEvent, Namespace: l.ns, Data: body}))
	return nil
}

func (l *legacyConn) CloseTransport(reason string) {
	l.quitOnce.Do(func() { close(l.quit) })
	if l.closeFn != nil {
		l.closeFn()
	}
}

func (l *legacyConn) enqueue(pkt string) {
	select {
	case <-l.quit:
		return
	default:
	}
	select {
	case l.send <- pkt:
	default:
	}
}

func (l *legacyConn) enqueueAck(body any) {
	raw, _ := json.Marshal(body)
	l.enqueue(EncodePacket(Packet{Op: OpAck, Namespace: l.ns, Data: raw}))
}

func (l *legacyConn) enqueueErr(code string) {
	raw, _ := json.Marshal(map[string]string{"code": code})
	l.enqueue(EncodePacket(Packet{Op: OpError, Namespace: l.ns, Data: raw}))
}

// LegacyAdapter 把遗留文本协议翻译到规范事件 API 上。
type LegacyAdapter struct {
	coord    *session.Coordinator
	relay    *signaling.Relay
	resolver identity.Resolver
}

func NewLegacyAdapter(coord *session.Coordinator, relay *signaling.Relay, resolver identity.Resolver) *LegacyAdapter {
	return &LegacyAdapter{coord: coord, relay: relay, resolver: resolver}
}

type legacyConnectBody struct {
	Token string `json:"token,omitempty"`
}

type legacyJoinBody struct {
	Room string `json:"room"`
}

type legacyEmitBody struct {
	Room   string          `json:"room,omitempty"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// WebSocketConnect 承载遗留协议的 websocket 端点。
func (a *LegacyAdapter) WebSocketConnect(c *gin.Context) {
	sock, err := legacyUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("legacy upgrade error: %v", err)
		return
	}
	defer sock.Close()

	lc := newLegacyConn("", func() { _ = sock.Close() })

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case pkt := <-lc.send:
				if err := sock.WriteMessage(websocket.TextMessage, []byte(pkt)); err != nil {
					return
				}
			case <-lc.quit:
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		_ = sock.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := sock.ReadMessage()
		if err != nil {
			break
		}
		if stop := a.HandlePacket(ctx, lc, string(raw)); stop {
			break
		}
	}

	if lc.connID != "" {
		a.coord.Disconnect(ctx, lc.connID, "transport closed")
	}
	lc.quitOnce.Do(func() { close(lc.quit) })
	<-writeDone
}

// HandlePacket 处理一条文本信封，返回是否应终止连接（收到 OpDisconnect）。
// 解码失败只回 OpError 信封，连接保持打开。
func (a *LegacyAdapter) HandlePacket(ctx context.Context, lc *legacyConn, raw string) bool {
	pkt, err := DecodePacket(raw)
	if err != nil {
		lc.enqueueErr("MALFORMED_PACKET")
		return false
	}

	switch pkt.Op {
	case OpConnect:
		if lc.connID != "" {
			// 重复 connect 按幂等处理，重发一次 sid
			lc.enqueue(EncodePacket(Packet{Op: OpConnect, Namespace: pkt.Namespace, Data: mustRaw(map[string]string{"sid": lc.connID})}))
			return false
		}
		var body legacyConnectBody
		if len(pkt.Data) > 0 {
			_ = json.Unmarshal(pkt.Data, &body)
		}
		var userID uint64
		var username string
		if body.Token != "" {
			id, err := a.resolver.Resolve(body.Token)
			if err != nil {
				lc.enqueueErr("UNAUTHENTICATED")
				return false
			}
			userID = id.UserID
			username = id.Username
		}
		connID, err := a.coord.Connect(lc, userID, username, session.ProtoLegacy)
		if err != nil {
			lc.enqueueErr("DRAINING")
			return true
		}
		lc.connID = connID
		lc.ns = pkt.Namespace
		lc.enqueue(EncodePacket(Packet{Op: OpConnect, Namespace: pkt.Namespace, Data: mustRaw(map[string]string{"sid": connID})}))

	case OpDisconnect:
		return true

	case OpEvent:
		if lc.connID == "" {
			lc.enqueueErr("NOT_CONNECTED")
			return false
		}
		var body EventBody
		if err := json.Unmarshal(pkt.Data, &body); err != nil {
			lc.enqueueErr("MALFORMED_PACKET")
			return false
		}
		a.handleEvent(ctx, lc, body)

	case OpAck:
		// 客户端 ack：这层是至少一次语义，没有待确认状态要清

	case OpError:
		log.Printf("legacy: client error packet conn=%s data=%s", lc.connID, string(pkt.Data))
	}
	return false
}

// handleEvent 按事件名映射到协调器调用。每个被接受的事件都回 ack
// （至少一次；客户端需幂等处理重复）。
func (a *LegacyAdapter) handleEvent(ctx context.Context, lc *legacyConn, body EventBody) {
	switch body.Event {
	case "join":
		var join legacyJoinBody
		if err := json.Unmarshal(body.Data, &join); err != nil || join.Room == "" {
			lc.enqueueErr("MALFORMED_PACKET")
			return
		}
		result, err := a.coord.JoinRoom(ctx, lc.connID, join.Room)
		if err != nil {
			if err == session.ErrRoomClosed {
				lc.enqueueErr("ROOM_UNAVAILABLE")
			} else {
				lc.enqueueErr("JOIN_FAILED")
			}
			return
		}
		lc.enqueueAck(map[string]any{"of": "join", "result": result})

	case "leave":
		a.coord.LeaveRoom(ctx, lc.connID)
		lc.enqueueAck(map[string]any{"of": "leave"})

	case "message":
		a.emit(ctx, lc, event.KindChatMessage, body.Data)

	case "cursor":
		roomID := a.coord.RoomOf(lc.connID)
		if roomID == "" {
			lc.enqueueErr("NOT_JOINED")
			return
		}
		ev := event.New(event.KindCursorUpdate, roomID, lc.connID, a.emitData(body.Data))
		a.coord.BroadcastThrottled(lc.connID, roomID, ev)
		lc.enqueueAck(map[string]any{"of": "cursor"})

	case "call_request", "call_response", "call_offer", "call_answer", "call_candidate":
		var emit legacyEmitBody
		if err := json.Unmarshal(body.Data, &emit); err != nil || emit.Target == "" {
			lc.enqueueErr("MALFORMED_PACKET")
			return
		}
		ev := event.New(event.Kind(body.Event), "", lc.connID, emit.Data)
		if err := a.relay.RelayToPeer(ctx, lc.connID, emit.Target, ev); err != nil {
			lc.enqueueErr("RELAY_FAILED")
			return
		}
		lc.enqueueAck(map[string]any{"of": body.Event})

	default:
		// 自定义事件按房间广播透传，事件名放进负载
		roomID := a.coord.RoomOf(lc.connID)
		if roomID == "" {
			lc.enqueueErr("NOT_JOINED")
			return
		}
		payload := mustRaw(map[string]any{"event": body.Event, "data": json.RawMessage(a.emitData(body.Data))})
		ev := event.New(event.KindChatMessage, roomID, lc.connID, payload)
		a.coord.Broadcast(ctx, roomID, ev, lc.connID)
		lc.enqueueAck(map[string]any{"of": body.Event})
	}
}

func (a *LegacyAdapter) emit(ctx context.Context, lc *legacyConn, kind event.Kind, data json.RawMessage) {
	roomID := a.coord.RoomOf(lc.connID)
	if roomID == "" {
		lc.enqueueErr("NOT_JOINED")
		return
	}
	ev := event.New(kind, roomID, lc.connID, a.emitData(data))
	a.coord.Broadcast(ctx, roomID, ev, lc.connID)
	lc.enqueueAck(map[string]any{"of": string(kind)})
}

// emitData 允许 {room, data} 包装或裸数据两种形态。
func (a *LegacyAdapter) emitData(data json.RawMessage) json.RawMessage {
	var emit legacyEmitBody
	if err := json.Unmarshal(data, &emit); err == nil && len(emit.Data) > 0 {
		return emit.Data
	}
	return data
}
