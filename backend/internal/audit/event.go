package audit

import "time"

// 生命周期事件类型。外部的可观测/审计消费者订阅这些事件，
// 但不参与任何投递保证（纯 fire-and-forget）。
const (
	EventConnectionOpened  = "CONNECTION_OPENED"
	EventConnectionClosed  = "CONNECTION_CLOSED"
	EventLockAcquired      = "LOCK_ACQUIRED"
	EventLockDenied        = "LOCK_DENIED"
	EventBackplaneDegraded = "BACKPLANE_DEGRADED"
	EventBackplaneHealthy  = "BACKPLANE_HEALTHY"
)

type LifecycleEvent struct {
	EventType  string    `json:"eventType"`
	InstanceID string    `json:"instanceId"`
	ConnID     string    `json:"connId,omitempty"`
	UserID     uint64    `json:"userId,omitempty"`
	RoomID     string    `json:"roomId,omitempty"`
	ObjectID   string    `json:"objectId,omitempty"`
	HolderID   string    `json:"holderId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
