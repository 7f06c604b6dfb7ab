package lock

import "fmt"

// 键语义：
// - lockKey(objectID):   对象编辑锁（String，value=holderID，带 TTL）
// - heldKey(holderID):   某个持有者当前持有的对象索引（Set<objectID>，best-effort）

const (
	keyLockFmt = "lock:{object:%s}"
	keyHeldFmt = "lock:held:{holder:%s}"
)

func lockKey(objectID string) string { return fmt.Sprintf(keyLockFmt, objectID) }
func heldKey(holderID string) string { return fmt.Sprintf(keyHeldFmt, holderID) }
