package realtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RoomManager 房间管理器
//
// 对加入/离开请求做状态与外部校验，只有已认证连接可以操作房间。
// 记录与索引的变更由 Registry 在同一临界区完成。
type RoomManager struct {
	config *Config
	reg    *Registry
	logger *zap.Logger
}

// newRoomManager 创建房间管理器
func newRoomManager(config *Config, reg *Registry, logger *zap.Logger) *RoomManager {
	return &RoomManager{
		config: config,
		reg:    reg,
		logger: logger,
	}
}

// Join 加入房间
//
// 配置了校验回调时只接受其返回的子集；返回值是实际加入的
// 房间列表（部分成功是显式的）。重复加入同一房间为幂等操作。
func (rm *RoomManager) Join(ctx context.Context, conn *Connection, rooms []string) ([]string, error) {
	if conn.State() != StateAuthenticated {
		return nil, ErrNotAuthenticated
	}
	if len(rooms) == 0 {
		return nil, nil
	}

	accepted := rooms
	if rm.config.ValidateRoom != nil {
		var err error
		accepted, err = safeValidateRoom(rm.config.ValidateRoom, ctx, conn, rooms)
		if err != nil {
			return nil, err
		}
	}

	// 外部回调期间连接可能已被关闭，关闭后不再落任何变更
	if conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	joined := make([]string, 0, len(accepted))
	for _, room := range accepted {
		if room == "" {
			continue
		}
		if err := rm.reg.AddToRoom(conn.ID, room); err != nil {
			rm.logger.Debug("join room skipped",
				zap.String("conn_id", conn.ID), zap.String("room", room), zap.Error(err))
			continue
		}
		joined = append(joined, room)
	}
	return joined, nil
}

// Leave 离开房间，返回实际离开的房间列表
func (rm *RoomManager) Leave(ctx context.Context, conn *Connection, rooms []string) ([]string, error) {
	if conn.State() != StateAuthenticated {
		return nil, ErrNotAuthenticated
	}

	left := make([]string, 0, len(rooms))
	for _, room := range rooms {
		if !conn.InRoom(room) {
			continue
		}
		rm.reg.RemoveFromRoom(conn.ID, room)
		left = append(left, room)
	}
	return left, nil
}

// joinDefaults 认证成功后加入默认房间，不经过外部校验
func (rm *RoomManager) joinDefaults(conn *Connection) []string {
	joined := make([]string, 0, len(rm.config.DefaultRooms))
	for _, room := range rm.config.DefaultRooms {
		if room == "" {
			continue
		}
		if err := rm.reg.AddToRoom(conn.ID, room); err != nil {
			continue
		}
		joined = append(joined, room)
	}
	return joined
}

// safeValidateRoom 调用外部校验回调，panic 等价于拒绝
func safeValidateRoom(f ValidateRoomFunc, ctx context.Context, conn *Connection, rooms []string) (accepted []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			accepted = nil
			err = fmt.Errorf("room validation panic: %v", r)
		}
	}()
	return f(ctx, conn, rooms)
}
