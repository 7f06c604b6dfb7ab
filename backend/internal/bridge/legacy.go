package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// 遗留文本协议：编号信封 [opcode][/namespace,][JSON负载]。
// 例如：`0{"token":"..."}`、`2/puzzle,{"event":"join","data":{"room":"r1"}}`。
const (
	OpConnect    = 0
	OpDisconnect = 1
	OpEvent      = 2
	OpAck        = 3
	OpError      = 4
)

var ErrMalformedPacket = errors.New("malformed legacy packet")

type Packet struct {
	Op        int
	Namespace string
	Data      json.RawMessage
}

// EventBody 是 OpEvent 负载的结构：事件名 + 任意数据。
type EventBody struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodePacket 解一条文本信封。纯函数，不碰任何会话状态。
func DecodePacket(s string) (Packet, error) {
	if len(s) == 0 {
		return Packet{}, ErrMalformedPacket
	}
	op := int(s[0]) - '0'
	if op < OpConnect || op > OpError {
		return Packet{}, fmt.Errorf("%w: unknown opcode %q", ErrMalformedPacket, s[0])
	}
	rest := s[1:]

	var ns string
	if strings.HasPrefix(rest, "/") {
		comma := strings.Index(rest, ",")
		if comma < 0 {
			return Packet{}, fmt.Errorf("%w: namespace without separator", ErrMalformedPacket)
		}
		ns = rest[1:comma]
		rest = rest[comma+1:]
	}

	p := Packet{Op: op, Namespace: ns}
	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("%w: invalid json payload", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EncodePacket 编一条文本信封（DecodePacket 的逆操作）。
func EncodePacket(p Packet) string {
	var sb strings.Builder
	sb.WriteByte(byte('0' + p.Op))
	if p.Namespace != "" {
		sb.WriteByte('/')
		sb.WriteString(p.Namespace)
		sb.WriteByte(',')
	}
	if len(p.Data) > 0 {
		sb.Write(p.Data)
	}
	return sb.String()
}
