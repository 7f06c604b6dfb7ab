package signaling

import (
	"context"
	"errors"

	"puzzleCollab/backend/internal/event"
	"puzzleCollab/backend/internal/session"
)

var (
	ErrInvalidKind    = errors.New("not a signaling event kind")
	ErrSenderInactive = errors.New("sender connection is not active")
)

// Relay 是点对点（非广播）投递模式，给 P2P 协商握手用：call_request /
// call_response / offer / answer / candidate。对负载内容完全不关心，
// 只负责确认两端连接仍然活着并把字节送到目标连接。
type Relay struct {
	coord *session.Coordinator
}

func NewRelay(coord *session.Coordinator) *Relay {
	return &Relay{coord: coord}
}

// RelayToPeer 只投递给指定目标连接。目标在本实例就直接投，否则走
// 背板的每连接频道（不是房间频道）让目标所在实例投递。
// 目标在远端时无法同步确认存活：发布后由目标实例决定投不投，
// 语义仍是至少一次。
func (r *Relay) RelayToPeer(ctx context.Context, fromConnID, toConnID string, ev event.Event) error {
	if !ev.IsSignaling() {
		return ErrInvalidKind
	}
	if !r.coord.IsActive(fromConnID) {
		return ErrSenderInactive
	}

	ev.OriginConn = fromConnID
	ev.TargetConn = toConnID

	if r.coord.DeliverToConn(toConnID, ev) {
		return nil
	}
	r.coord.PublishToConn(ctx, toConnID, ev)
	return nil
}
