package session

import (
	"sync"
	"time"
)

// room 是一个广播组分片，自带独立的锁：上千连接时各房间互不竞争，
// 不存在全局大锁。房间不属于任何实例——任何实例都可能有它的成员，
// 权威成员表是全实例并集（经 presence/背板可见）。
type room struct {
	mu           sync.RWMutex
	members      map[string]*Connection
	createdAt    time.Time
	lastActivity time.Time
}

func newRoom() *room {
	now := time.Now()
	return &room{
		members:      make(map[string]*Connection),
		createdAt:    now,
		lastActivity: now,
	}
}

func (r *room) add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[c.ID()] = c
	r.lastActivity = time.Now()
}

func (r *room) remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, connID)
	r.lastActivity = time.Now()
}

func (r *room) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// snapshot 拷出成员切片，投递时不持有房间锁。
func (r *room) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

func (r *room) idleSince() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.members) > 0 {
		return time.Time{}, false
	}
	return r.lastActivity, true
}
