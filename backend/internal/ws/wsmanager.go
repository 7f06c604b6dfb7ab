package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/identity"
	"puzzleCollab/backend/internal/session"
	"puzzleCollab/backend/internal/signaling"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	coord    *session.Coordinator
	relay    *signaling.Relay
	resolver identity.Resolver
}

func NewManager(coord *session.Coordinator, relay *signaling.Relay, resolver identity.Resolver) *Manager {
	return &Manager{coord: coord, relay: relay, resolver: resolver}
}

// WebSocketConnect 处理原生协议握手。没带 token 的按匿名连接放行，
// 带了 token 但校验失败的直接拒绝。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	var userID uint64
	var username string

	token := identity.ExtractToken(c.GetHeader("Authorization"), c.Query("token"))
	if token != "" {
		id, err := m.resolver.Resolve(token)
		if err != nil {
			c.JSON(401, gin.H{"code": "UNAUTHENTICATED", "message": "invalid token"})
			return
		}
		userID = id.UserID
		username = id.Username
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.coord, m.relay)
	connID, err := m.coord.Connect(wsConn, userID, username, session.ProtoNative)
	if err != nil {
		// Connecting → Disconnected 直达：实例在排水，握手直接失败
		_ = conn.WriteJSON(gin.H{"kind": "error", "payload": gin.H{"code": "DRAINING"}})
		return
	}
	wsConn.connID = connID

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()

	payload, _ := json.Marshal(gin.H{"connId": connID})
	_ = wsConn.SendEvent(event.New("welcome", "", connID, payload))

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())

	m.coord.Disconnect(c.Request.Context(), connID, "transport closed")
}
