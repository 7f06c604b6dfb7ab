package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"puzzleCollab/backend/internal/backplane"
	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/identity"
	"puzzleCollab/backend/internal/lock"
	"puzzleCollab/backend/internal/roomdir"
	"puzzleCollab/backend/internal/session"
	"puzzleCollab/backend/internal/signaling"
	"puzzleCollab/backend/internal/store"
	"puzzleCollab/backend/internal/throttle"
)

type testRig struct {
	coord    *session.Coordinator
	relay    *signaling.Relay
	resolver *identity.JWTResolver
	binary   *BinaryServer
	legacy   *LegacyAdapter
}

func newTestRig(t *testing.T) *testRig {
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
	relay := signaling.NewRelay(coord)
	resolver := identity.NewJWTResolver("test-secret")
	return &testRig{
		coord:    coord,
		relay:    relay,
		resolver: resolver,
		binary:   NewBinaryServer(coord, relay, resolver),
		legacy:   NewLegacyAdapter(coord, relay, resolver),
	}
}

// nextFrame 从出站队列取下一帧（适配器 handler 是同步的，帧在调用返回前
// 就已入队）。
func nextFrame(t *testing.T, bc *binaryConn) []byte {
	t.Helper()
	select {
	case frame := <-bc.send:
		return frame
	case <-time.After(time.Second):
		t.Fatalf("no outbound frame")
		return nil
	}
}

func nextJSON(t *testing.T, bc *binaryConn) BinaryMessage {
	t.Helper()
	frame := nextFrame(t, bc)
	if frame[0] != tagJSON {
		t.Fatalf("expected JSON frame, got tag 0x%02x", frame[0])
	}
	var msg BinaryMessage
	if err := json.Unmarshal(frame[1:], &msg); err != nil {
		t.Fatalf("unmarshal outbound frame: %v", err)
	}
	return msg
}

func expectError(t *testing.T, bc *binaryConn, code string) {
	t.Helper()
	msg := nextJSON(t, bc)
	if msg.Type != "error" {
		t.Fatalf("expected error frame, got %q", msg.Type)
	}
	var body map[string]string
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if body["code"] != code {
		t.Fatalf("expected code %s, got %s", code, body["code"])
	}
}

func TestBinaryPingPong(t *testing.T) {
	rig := newTestRig(t)
	bc := newBinaryConn(func() {})

	rig.binary.HandleMessage(context.Background(), bc, BinaryMessage{Type: "ping", Timestamp: 42})

	msg := nextJSON(t, bc)
	if msg.Type != "pong" || msg.Timestamp != 42 {
		t.Fatalf("expected pong echoing timestamp 42, got %+v", msg)
	}
	if bc.connID == "" {
		t.Fatalf("first message should register the connection")
	}
}

func TestBinaryEcho(t *testing.T) {
	rig := newTestRig(t)
	bc := newBinaryConn(func() {})

	rig.binary.HandleMessage(context.Background(), bc, BinaryMessage{Type: "echo", Payload: mustRaw(map[string]string{"k": "v"})})

	msg := nextJSON(t, bc)
	if msg.Type != "echo" || string(msg.Payload) != `{"k":"v"}` {
		t.Fatalf("echo mangled payload: %+v", msg)
	}
}

// binary-request 的响应是原始二进制：8 字节大端时间戳 + 定长体
func TestBinaryRequestResponse(t *testing.T) {
	rig := newTestRig(t)
	bc := newBinaryConn(func() {})

	rig.binary.HandleMessage(context.Background(), bc, BinaryMessage{Type: "binary-request", Payload: json.RawMessage(`"abc"`)})

	frame := nextFrame(t, bc)
	if frame[0] != tagBinary {
		t.Fatalf("expected binary frame, got tag 0x%02x", frame[0])
	}
	body := frame[1:]
	if len(body) != 8+binaryRequestBodySize {
		t.Fatalf("expected fixed %d-byte body, got %d", 8+binaryRequestBodySize, len(body))
	}
	ts := binary.BigEndian.Uint64(body[:8])
	if ts == 0 {
		t.Fatalf("timestamp missing from binary response")
	}
}

func TestBinaryAuth(t *testing.T) {
	rig := newTestRig(t)

	token, err := rig.resolver.Sign(7, "alice", time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	bc := newBinaryConn(func() {})
	rig.binary.HandleMessage(context.Background(), bc, BinaryMessage{Type: "ping", Token: token})
	if msg := nextJSON(t, bc); msg.Type != "pong" {
		t.Fatalf("authenticated ping should pong, got %+v", msg)
	}

	// 坏 token：拒绝且不登记连接
	bad := newBinaryConn(func() {})
	rig.binary.HandleMessage(context.Background(), bad, BinaryMessage{Type: "ping", Token: "garbage"})
	expectError(t, bad, "UNAUTHENTICATED")
	if bad.connID != "" {
		t.Fatalf("invalid token must not register a connection")
	}
}

func TestBinaryJoinLockFlow(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	a := newBinaryConn(func() {})
	b := newBinaryConn(func() {})

	rig.binary.HandleMessage(ctx, a, BinaryMessage{Type: "join", RoomID: "r1"})
	msg := nextJSON(t, a)
	if msg.Type != "join" || msg.RoomID != "r1" {
		t.Fatalf("expected join reply, got %+v", msg)
	}
	var result session.JoinResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		t.Fatalf("join reply payload: %v", err)
	}
	if len(result.Members) != 1 {
		t.Fatalf("expected 1 member after first join, got %d", len(result.Members))
	}

	rig.binary.HandleMessage(ctx, b, BinaryMessage{Type: "join", RoomID: "r1"})
	if msg := nextJSON(t, b); msg.Type != "join" {
		t.Fatalf("expected join reply for B, got %+v", msg)
	}
	// A 收到 B 的 user_joined（编码成事件帧）
	var joined event.Event
	frame := nextFrame(t, a)
	if err := json.Unmarshal(frame[1:], &joined); err != nil || joined.Kind != event.KindUserJoined {
		t.Fatalf("A should see B join, got %s err=%v", frame[1:], err)
	}

	rig.binary.HandleMessage(ctx, a, BinaryMessage{Type: "lock", ObjectID: "p1"})
	if msg := nextJSON(t, a); msg.Type != "lock" || msg.ObjectID != "p1" {
		t.Fatalf("expected lock ack, got %+v", msg)
	}
	// B 先被挡，A 解锁后 B 才拿得到
	rig.binary.HandleMessage(ctx, b, BinaryMessage{Type: "lock", ObjectID: "p1"})
	// B 的队列里先有 A 的 object_locked 事件帧，跳过直到 error 帧
	expectLockBusy(t, b)

	rig.binary.HandleMessage(ctx, b, BinaryMessage{Type: "unlock", ObjectID: "p1"})
	expectNotHolder(t, b)

	rig.binary.HandleMessage(ctx, a, BinaryMessage{Type: "unlock", ObjectID: "p1"})
	if msg := nextJSON(t, a); msg.Type != "unlock" {
		t.Fatalf("expected unlock ack, got %+v", msg)
	}
	rig.binary.HandleMessage(ctx, b, BinaryMessage{Type: "lock", ObjectID: "p1"})
	if msg := lastControlFrame(t, b); msg.Type != "lock" {
		t.Fatalf("B should acquire after A released, got %+v", msg)
	}
}

// 队列里混着广播事件帧，取下一个控制帧（type 非空的 BinaryMessage）
func lastControlFrame(t *testing.T, bc *binaryConn) BinaryMessage {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case frame := <-bc.send:
			var msg BinaryMessage
			if err := json.Unmarshal(frame[1:], &msg); err == nil && msg.Type != "" {
				return msg
			}
		case <-deadline:
			t.Fatalf("no control frame")
		}
	}
}

func expectLockBusy(t *testing.T, bc *binaryConn) {
	t.Helper()
	msg := lastControlFrame(t, bc)
	if msg.Type != "error" {
		t.Fatalf("expected LOCK_BUSY error, got %+v", msg)
	}
}

func expectNotHolder(t *testing.T, bc *binaryConn) {
	t.Helper()
	msg := lastControlFrame(t, bc)
	if msg.Type != "error" {
		t.Fatalf("expected NOT_LOCK_HOLDER error, got %+v", msg)
	}
}

func TestBinaryRequiresRoomForBroadcast(t *testing.T) {
	rig := newTestRig(t)
	bc := newBinaryConn(func() {})

	rig.binary.HandleMessage(context.Background(), bc, BinaryMessage{Type: "broadcast", Payload: json.RawMessage(`{}`)})
	expectError(t, bc, "NOT_JOINED")
}

func TestBinaryRejectsBinaryRequests(t *testing.T) {
	rig := newTestRig(t)
	bc := newBinaryConn(func() {})

	rig.binary.handleFrame(context.Background(), bc, binaryFrame([]byte("raw bytes")))
	expectError(t, bc, "UNEXPECTED_BINARY")
}

func TestBinaryUnknownType(t *testing.T) {
	rig := newTestRig(t)
	bc := newBinaryConn(func() {})

	rig.binary.HandleMessage(context.Background(), bc, BinaryMessage{Type: "frobnicate"})
	expectError(t, bc, "UNKNOWN_TYPE")
}

type nativeSender struct {
	mu     sync.Mutex
	events []event.Event
}

func (n *nativeSender) SendEvent(ev event.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *nativeSender) CloseTransport(reason string) {}

func (n *nativeSender) kinds() []event.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]event.Kind, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

// 三种协议的客户端在同一个房间里互通：遗留端发的消息，二进制端和
// 原生端都要收到同一个规范事件
func TestProtocolEquivalence(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	ns := &nativeSender{}
	nativeID, err := rig.coord.Connect(ns, 1, "native", session.ProtoNative)
	if err != nil {
		t.Fatalf("connect native: %v", err)
	}
	if _, err := rig.coord.JoinRoom(ctx, nativeID, "r1"); err != nil {
		t.Fatalf("join native: %v", err)
	}

	bc := newBinaryConn(func() {})
	rig.binary.HandleMessage(ctx, bc, BinaryMessage{Type: "join", RoomID: "r1"})
	if msg := nextJSON(t, bc); msg.Type != "join" {
		t.Fatalf("binary join failed: %+v", msg)
	}

	lc := newLegacyConn("", func() {})
	if stop := rig.legacy.HandlePacket(ctx, lc, "0"); stop {
		t.Fatalf("legacy connect should not stop")
	}
	<-lc.send // connect 回执
	rig.legacy.HandlePacket(ctx, lc, `2{"event":"join","data":{"room":"r1"}}`)
	<-lc.send // join ack

	// 遗留端广播一条消息
	rig.legacy.HandlePacket(ctx, lc, `2{"event":"message","data":{"data":{"text":"hi"}}}`)

	// 原生端收到 chat_message
	var sawChat bool
	for _, k := range ns.kinds() {
		if k == event.KindChatMessage {
			sawChat = true
		}
	}
	if !sawChat {
		t.Fatalf("native member missed the legacy broadcast: %v", ns.kinds())
	}

	// 二进制端也收到同一个规范事件
	deadline := time.After(time.Second)
	for {
		var ev event.Event
		select {
		case frame := <-bc.send:
			if err := json.Unmarshal(frame[1:], &ev); err == nil && ev.Kind == event.KindChatMessage {
				if string(ev.Payload) != `{"text":"hi"}` {
					t.Fatalf("payload mangled crossing protocols: %s", ev.Payload)
				}
				return
			}
		case <-deadline:
			t.Fatalf("binary member missed the legacy broadcast")
		}
	}
}
