package roomdir

import "context"

// Directory 是房间存在性/授权检查的外部协作方边界。
// 房间被管理端关闭时 IsOpen 返回 false，JoinRoom 会拒绝加入。
type Directory interface {
	IsOpen(ctx context.Context, roomID string) (bool, error)
}

// StaticDirectory：配置驱动的实现。closed 列表之外的房间一律放行
// （房间是首次加入时懒创建的，不存在不算错）。
type StaticDirectory struct {
	closed map[string]bool
}

func NewStaticDirectory(closedRooms []string) *StaticDirectory {
	closed := make(map[string]bool, len(closedRooms))
	for _, r := range closedRooms {
		closed[r] = true
	}
	return &StaticDirectory{closed: closed}
}

func (d *StaticDirectory) IsOpen(ctx context.Context, roomID string) (bool, error) {
	return !d.closed[roomID], nil
}
