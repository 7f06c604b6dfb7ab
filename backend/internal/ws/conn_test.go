package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"puzzleCollab/backend/internal/backplane"
	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/lock"
	"puzzleCollab/backend/internal/roomdir"
	"puzzleCollab/backend/internal/session"
	"puzzleCollab/backend/internal/signaling"
	"puzzleCollab/backend/internal/store"
	"puzzleCollab/backend/internal/throttle"
)

func newTestCoordinator(t *testing.T) (*session.Coordinator, *signaling.Relay) {
	t.Helper()
	st := store.NewMemoryStore()
	coord := session.NewCoordinator(
		session.Options{InstanceID: "test"},
		lock.NewManager(st, time.Minute, nil),
		backplane.NewFanout(st, "test", "test", nil),
		nil,
		roomdir.NewStaticDirectory([]string{"closed-room"}),
		throttle.NewPipeline(20*time.Millisecond),
		nil,
	)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	return coord, signaling.NewRelay(coord)
}

// newTestConn 造一条不带真实 socket 的连接：handleMessage 不碰传输层，
// 出站事件直接从 send 队列读。
func newTestConn(t *testing.T, coord *session.Coordinator, relay *signaling.Relay, userID uint64, name string) *Conn {
	t.Helper()
	c := NewConn(nil, coord, relay)
	connID, err := coord.Connect(c, userID, name, session.ProtoNative)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.connID = connID
	return c
}

// nextOfKind 跳过队列里的其他事件（如 user_joined 广播），取指定类型
func nextOfKind(t *testing.T, c *Conn, kind event.Kind) event.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-c.send:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event in outbound queue", kind)
			return event.Event{}
		}
	}
}

func errorCode(t *testing.T, ev event.Event) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return body["code"]
}

// nextAckOf 取下一条 ack 并校验它确认的是哪个操作
func nextAckOf(t *testing.T, c *Conn, of string) {
	t.Helper()
	ack := nextOfKind(t, c, event.KindAck)
	var body struct {
		Of string `json:"of"`
	}
	if err := json.Unmarshal(ack.Payload, &body); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if body.Of != of {
		t.Fatalf("expected ack of %q, got %q", of, body.Of)
	}
}

func TestHandleJoinAck(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	c := newTestConn(t, coord, relay, 1, "alice")

	c.handleMessage(ctx, ClientMessage{Type: "join", RoomID: "r1"})

	ack := nextOfKind(t, c, event.KindAck)
	var body struct {
		Of     string             `json:"of"`
		Result session.JoinResult `json:"result"`
	}
	if err := json.Unmarshal(ack.Payload, &body); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if body.Of != "join" || body.Result.RoomID != "r1" {
		t.Fatalf("unexpected join ack: %+v", body)
	}
	if len(body.Result.Members) != 1 {
		t.Fatalf("expected self in member list, got %d members", len(body.Result.Members))
	}
}

func TestHandleJoinErrors(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	c := newTestConn(t, coord, relay, 1, "alice")

	c.handleMessage(ctx, ClientMessage{Type: "join"})
	if code := errorCode(t, nextOfKind(t, c, event.KindError)); code != "MISSING_ROOM" {
		t.Fatalf("expected MISSING_ROOM, got %s", code)
	}

	c.handleMessage(ctx, ClientMessage{Type: "join", RoomID: "closed-room"})
	if code := errorCode(t, nextOfKind(t, c, event.KindError)); code != "ROOM_UNAVAILABLE" {
		t.Fatalf("expected ROOM_UNAVAILABLE, got %s", code)
	}
}

func TestHandleLockFlow(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	a := newTestConn(t, coord, relay, 1, "alice")
	b := newTestConn(t, coord, relay, 2, "bob")

	a.handleMessage(ctx, ClientMessage{Type: "join", RoomID: "r1"})
	nextAckOf(t, a, "join")
	b.handleMessage(ctx, ClientMessage{Type: "join", RoomID: "r1"})
	nextAckOf(t, b, "join")

	a.handleMessage(ctx, ClientMessage{Type: "lock", ObjectID: "p1"})
	nextAckOf(t, a, "lock")
	// B 看到广播出来的 object_locked
	nextOfKind(t, b, event.KindObjectLocked)

	b.handleMessage(ctx, ClientMessage{Type: "lock", ObjectID: "p1"})
	if code := errorCode(t, nextOfKind(t, b, event.KindError)); code != "LOCK_BUSY" {
		t.Fatalf("expected LOCK_BUSY, got %s", code)
	}
	b.handleMessage(ctx, ClientMessage{Type: "unlock", ObjectID: "p1"})
	if code := errorCode(t, nextOfKind(t, b, event.KindError)); code != "NOT_LOCK_HOLDER" {
		t.Fatalf("expected NOT_LOCK_HOLDER, got %s", code)
	}

	a.handleMessage(ctx, ClientMessage{Type: "unlock", ObjectID: "p1"})
	nextAckOf(t, a, "unlock")
	nextOfKind(t, b, event.KindObjectUnlocked)
	b.handleMessage(ctx, ClientMessage{Type: "lock", ObjectID: "p1"})
	nextAckOf(t, b, "lock")
}

func TestHandleChatBroadcast(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	a := newTestConn(t, coord, relay, 1, "alice")
	b := newTestConn(t, coord, relay, 2, "bob")

	a.handleMessage(ctx, ClientMessage{Type: "join", RoomID: "r1"})
	b.handleMessage(ctx, ClientMessage{Type: "join", RoomID: "r1"})

	payload, _ := json.Marshal(map[string]string{"text": "hi"})
	a.handleMessage(ctx, ClientMessage{Type: "chat", Payload: payload})

	got := nextOfKind(t, b, event.KindChatMessage)
	if string(got.Payload) != string(payload) {
		t.Fatalf("payload mismatch: %s", got.Payload)
	}
	// 发送者自己不收（排空队列：里面只应有自己的 ack 和 user_joined）
	for {
		select {
		case ev := <-a.send:
			if ev.Kind == event.KindChatMessage {
				t.Fatalf("sender received its own broadcast")
			}
		default:
			return
		}
	}
}

func TestHandleChatRequiresRoom(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	c := newTestConn(t, coord, relay, 1, "alice")

	c.handleMessage(ctx, ClientMessage{Type: "chat", Payload: json.RawMessage(`{}`)})
	if code := errorCode(t, nextOfKind(t, c, event.KindError)); code != "NOT_JOINED" {
		t.Fatalf("expected NOT_JOINED, got %s", code)
	}
}

func TestHandleCursorThrottled(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	a := newTestConn(t, coord, relay, 1, "alice")
	b := newTestConn(t, coord, relay, 2, "bob")

	a.handleMessage(ctx, ClientMessage{Type: "join", RoomID: "r1"})
	b.handleMessage(ctx, ClientMessage{Type: "join", RoomID: "r1"})

	for i := 0; i < 50; i++ {
		payload, _ := json.Marshal(map[string]int{"x": i})
		a.handleMessage(ctx, ClientMessage{Type: "cursor", Payload: payload})
	}

	got := nextOfKind(t, b, event.KindCursorUpdate)
	var body map[string]int
	if err := json.Unmarshal(got.Payload, &body); err != nil {
		t.Fatalf("unmarshal cursor payload: %v", err)
	}
	if body["x"] != 49 {
		t.Fatalf("expected coalesced last value 49, got %d", body["x"])
	}
}

func TestHandleSignaling(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	a := newTestConn(t, coord, relay, 1, "alice")
	b := newTestConn(t, coord, relay, 2, "bob")

	payload, _ := json.Marshal(map[string]string{"sdp": "v=0"})
	a.handleMessage(ctx, ClientMessage{Type: "call_offer", Target: b.connID, Payload: payload})

	got := nextOfKind(t, b, event.KindCallOffer)
	if got.OriginConn != a.connID || got.TargetConn != b.connID {
		t.Fatalf("relay must stamp origin and target: %+v", got)
	}

	a.handleMessage(ctx, ClientMessage{Type: "call_offer", Payload: payload})
	if code := errorCode(t, nextOfKind(t, a, event.KindError)); code != "MISSING_TARGET" {
		t.Fatalf("expected MISSING_TARGET, got %s", code)
	}
}

// 坏 JSON 只回错误事件，同一条连接接着用
func TestMalformedMessageKeepsConnection(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	c := newTestConn(t, coord, relay, 1, "alice")

	c.handleRaw(ctx, []byte("{not json"))
	if code := errorCode(t, nextOfKind(t, c, event.KindError)); code != "MALFORMED_MESSAGE" {
		t.Fatalf("expected MALFORMED_MESSAGE, got %s", code)
	}

	// 连接还活着：照常加入房间
	c.handleRaw(ctx, []byte(`{"type":"join","roomId":"r1"}`))
	nextAckOf(t, c, "join")
	if got := coord.RoomOf(c.connID); got != "r1" {
		t.Fatalf("join after malformed message failed, room=%q", got)
	}
}

func TestHandleUnknownType(t *testing.T) {
	ctx := context.Background()
	coord, relay := newTestCoordinator(t)
	c := newTestConn(t, coord, relay, 1, "alice")

	c.handleMessage(ctx, ClientMessage{Type: "frobnicate"})
	if code := errorCode(t, nextOfKind(t, c, event.KindError)); code != "UNKNOWN_TYPE" {
		t.Fatalf("expected UNKNOWN_TYPE, got %s", code)
	}
}
