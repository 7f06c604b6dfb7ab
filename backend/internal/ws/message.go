package ws

import "encoding/json"

// ClientMessage 是原生协议的入站消息。Type 决定路由：
// - heartbeat                     刷新在线 TTL
// - join / leave                  房间成员关系
// - chat / move                   房间广播
// - cursor                        高频流，走节流管线
// - lock / unlock                 对象编辑锁
// - call_request / call_response / call_offer / call_answer / call_candidate
//                                 点对点信令（需要 target）
type ClientMessage struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	Target   string          `json:"target,omitempty"` // 信令目标连接 ID
	ObjectID string          `json:"objectId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
