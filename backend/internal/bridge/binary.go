package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"time"

	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/identity"
	"puzzleCollab/backend/internal/session"
	"puzzleCollab/backend/internal/signaling"
)

// binaryRequestBodySize：binary-request 响应的定长体大小。
const binaryRequestBodySize = 64

// BinaryMessage 是二进制帧里承载的 JSON 负载。
type BinaryMessage struct {
	Type     string          `json:"type"`
	Token    string          `json:"token,omitempty"`
	RoomID   string          `json:"roomId,omitempty"`
	Target   string          `json:"target,omitempty"`
	ObjectID string          `json:"objectId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// ping/pong 往返携带客户端时间戳
	Timestamp int64 `json:"timestamp,omitempty"`
}

// binaryConn 是一条二进制协议连接。适配器无状态：会话状态全部在
// Coordinator 里，这里只有出站队列和传输句柄。
type binaryConn struct {
	send      chan []byte
	quit      chan struct{} // 关闭后 enqueue 变成空操作，send 通道永不 close
	quitOnce  sync.Once
	closeOnce sync.Once
	closeFn   func()
	connID    string
}

func newBinaryConn(closeFn func()) *binaryConn {
	return &binaryConn{send: make(chan []byte, 32), quit: make(chan struct{}), closeFn: closeFn}
}

// SendEvent 把规范事件编码回二进制帧（JSON 标记）。非阻塞，队列满丢弃。
func (b *binaryConn) SendEvent(ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b.enqueue(jsonFrame(body))
	return nil
}

func (b *binaryConn) enqueue(frame []byte) {
	select {
	case <-b.quit:
		return
	default:
	}
	select {
	case b.send <- frame:
	default:
	}
}

func (b *binaryConn) CloseTransport(reason string) {
	b.closeOnce.Do(b.closeFn)
}

func (b *binaryConn) enqueueJSON(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.enqueue(jsonFrame(body))
}

func (b *binaryConn) enqueueError(code string) {
	b.enqueueJSON(BinaryMessage{Type: "error", Payload: mustRaw(map[string]string{"code": code})})
}

func mustRaw(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// BinaryServer 在一个裸 TCP 端口上说长度前缀帧协议。
type BinaryServer struct {
	coord    *session.Coordinator
	relay    *signaling.Relay
	resolver identity.Resolver

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewBinaryServer(coord *session.Coordinator, relay *signaling.Relay, resolver identity.Resolver) *BinaryServer {
	return &BinaryServer{coord: coord, relay: relay, resolver: resolver}
}

// Serve 接受连接直到 listener 被关闭。每条连接一个读 goroutine
// 一个写 goroutine（和原生路径一致）。
func (s *BinaryServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close 停止接收并等存量连接处理完（排水）。
func (s *BinaryServer) Close() {
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *BinaryServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	bc := newBinaryConn(func() { _ = conn.Close() })

	// 写循环
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case frame := <-bc.send:
				if err := WriteFrame(conn, frame); err != nil {
					return
				}
			case <-bc.quit:
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		payload, err := ReadFrame(conn)
		if err != nil {
			break
		}
		s.handleFrame(ctx, bc, payload)
	}

	if bc.connID != "" {
		s.coord.Disconnect(ctx, bc.connID, "transport closed")
	}
	bc.quitOnce.Do(func() { close(bc.quit) })
	<-writeDone
}

// handleFrame 解出一帧并路由。格式错误只回错误帧，不撕连接。
func (s *BinaryServer) handleFrame(ctx context.Context, bc *binaryConn, payload []byte) {
	if len(payload) < 2 {
		bc.enqueueError("MALFORMED_FRAME")
		return
	}
	tag, body := payload[0], payload[1:]
	if tag != tagJSON {
		// 请求方向只收 JSON；二进制标记是响应专用的
		bc.enqueueError("UNEXPECTED_BINARY")
		return
	}

	var msg BinaryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		bc.enqueueError("MALFORMED_FRAME")
		return
	}
	s.HandleMessage(ctx, bc, msg)
}

// HandleMessage 把二进制协议消息翻译成规范事件调用。
// 首条消息到达时才向协调器登记连接（带不带 token 都行）。
func (s *BinaryServer) HandleMessage(ctx context.Context, bc *binaryConn, msg BinaryMessage) {
	if bc.connID == "" {
		var userID uint64
		var username string
		if msg.Token != "" {
			id, err := s.resolver.Resolve(msg.Token)
			if err != nil {
				bc.enqueueError("UNAUTHENTICATED")
				return
			}
			userID = id.UserID
			username = id.Username
		}
		connID, err := s.coord.Connect(bc, userID, username, session.ProtoBinary)
		if err != nil {
			bc.enqueueError("DRAINING")
			bc.CloseTransport("draining")
			return
		}
		bc.connID = connID
	}

	switch msg.Type {
	case "ping":
		bc.enqueueJSON(BinaryMessage{Type: "pong", Timestamp: msg.Timestamp})

	case "echo":
		bc.enqueueJSON(BinaryMessage{Type: "echo", Payload: msg.Payload})

	case "binary-request":
		// 响应：8 字节大端 unix-nano 时间戳 + 定长体（负载截断/补零）
		body := make([]byte, 8+binaryRequestBodySize)
		binary.BigEndian.PutUint64(body[:8], uint64(time.Now().UnixNano()))
		copy(body[8:], msg.Payload)
		bc.enqueue(binaryFrame(body))

	case "join":
		if msg.RoomID == "" {
			bc.enqueueError("MISSING_ROOM")
			return
		}
		result, err := s.coord.JoinRoom(ctx, bc.connID, msg.RoomID)
		if err != nil {
			if err == session.ErrRoomClosed {
				bc.enqueueError("ROOM_UNAVAILABLE")
			} else {
				bc.enqueueError("JOIN_FAILED")
			}
			return
		}
		bc.enqueueJSON(BinaryMessage{Type: "join", RoomID: msg.RoomID, Payload: mustRaw(result)})

	case "leave":
		s.coord.LeaveRoom(ctx, bc.connID)
		bc.enqueueJSON(BinaryMessage{Type: "leave"})

	case "broadcast":
		roomID := s.coord.RoomOf(bc.connID)
		if roomID == "" {
			bc.enqueueError("NOT_JOINED")
			return
		}
		ev := event.New(event.KindChatMessage, roomID, bc.connID, msg.Payload)
		s.coord.Broadcast(ctx, roomID, ev, bc.connID)

	case "cursor":
		roomID := s.coord.RoomOf(bc.connID)
		if roomID == "" {
			bc.enqueueError("NOT_JOINED")
			return
		}
		ev := event.New(event.KindCursorUpdate, roomID, bc.connID, msg.Payload)
		s.coord.BroadcastThrottled(bc.connID, roomID, ev)

	case "lock":
		acquired, err := s.coord.TryLockObject(ctx, bc.connID, msg.ObjectID)
		if err != nil || !acquired {
			bc.enqueueError("LOCK_BUSY")
			return
		}
		bc.enqueueJSON(BinaryMessage{Type: "lock", ObjectID: msg.ObjectID})

	case "unlock":
		released, err := s.coord.UnlockObject(ctx, bc.connID, msg.ObjectID)
		if err != nil || !released {
			bc.enqueueError("NOT_LOCK_HOLDER")
			return
		}
		bc.enqueueJSON(BinaryMessage{Type: "unlock", ObjectID: msg.ObjectID})

	case "call_request", "call_response", "call_offer", "call_answer", "call_candidate":
		if msg.Target == "" {
			bc.enqueueError("MISSING_TARGET")
			return
		}
		ev := event.New(event.Kind(msg.Type), "", bc.connID, msg.Payload)
		if err := s.relay.RelayToPeer(ctx, bc.connID, msg.Target, ev); err != nil {
			bc.enqueueError("RELAY_FAILED")
		}

	default:
		bc.enqueueError("UNKNOWN_TYPE")
	}
}
