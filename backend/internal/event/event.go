package event

import (
	"encoding/json"
	"time"
)

// Kind 是规范事件类型（所有协议适配器统一翻译成这些类型）
type Kind string

const (
	KindUserJoined     Kind = "user_joined"
	KindUserLeft       Kind = "user_left"
	KindChatMessage    Kind = "chat_message"
	KindCursorUpdate   Kind = "cursor_update"
	KindObjectMoved    Kind = "object_moved"
	KindObjectLocked   Kind = "object_locked"
	KindObjectUnlocked Kind = "object_unlocked"
	KindCallRequest    Kind = "call_request"
	KindCallResponse   Kind = "call_response"
	KindCallOffer      Kind = "call_offer"
	KindCallAnswer     Kind = "call_answer"
	KindCallCandidate  Kind = "call_candidate"

	// 服务类事件（不广播，仅回给单个连接）
	KindAck   Kind = "ack"
	KindError Kind = "error"
)

// Event 是不可变的事件记录。构造后不要修改字段（广播时会在多个
// goroutine 之间共享同一个值）。
type Event struct {
	Kind       Kind            `json:"kind"`
	Version    int             `json:"version"`
	RoomID     string          `json:"roomId,omitempty"`
	TargetConn string          `json:"targetConn,omitempty"`
	OriginConn string          `json:"originConn,omitempty"`
	OriginUser uint64          `json:"originUser,omitempty"`
	OriginName string          `json:"originName,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SentAt     time.Time       `json:"sentAt"`
}

// New 构造一个 version=1 的事件并打上发送时间戳。
func New(kind Kind, roomID string, originConn string, payload json.RawMessage) Event {
	return Event{
		Kind:    kind,
		Version: 1,
		RoomID:  roomID,
		// OriginConn 用于广播时排除发送者自己
		OriginConn: originConn,
		Payload:    payload,
		SentAt:     time.Now(),
	}
}

// IsHighFrequency 报告该事件是否属于高频流（走节流管线而不是直接广播）。
func (e Event) IsHighFrequency() bool {
	return e.Kind == KindCursorUpdate
}

// IsSignaling 报告该事件是否属于点对点信令（只允许 RelayToPeer 投递）。
func (e Event) IsSignaling() bool {
	switch e.Kind {
	case KindCallRequest, KindCallResponse, KindCallOffer, KindCallAnswer, KindCallCandidate:
		return true
	}
	return false
}

// StreamKey 返回节流管线用的流标识。同一个 (连接, 流) 之间只保留最新值。
func (e Event) StreamKey() string {
	return string(e.Kind)
}
