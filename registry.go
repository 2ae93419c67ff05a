package realtime

import "sync"

// Registry 连接注册表
//
// 连接记录及两个派生索引（userID -> 连接集合、房间 -> 连接集合）的
// 唯一持有者。索引与主表在同一临界区内更新，读方永远看不到半更新
// 状态。目标规模下仓库级读写锁足够，无需分片。
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]struct{}
	byRoom map[string]map[string]struct{}
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]struct{}),
		byRoom: make(map[string]map[string]struct{}),
	}
}

// Register 登记连接
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
}

// Get 获取连接
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Remove 移除连接并同步清理两个索引，未知 ID 为空操作
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)

	conn.mu.Lock()
	if conn.userID != "" {
		r.detachUserLocked(conn.userID, id)
	}
	for room := range conn.rooms {
		r.detachRoomLocked(room, id)
	}
	conn.rooms = make(map[string]struct{})
	conn.mu.Unlock()
}

// BindUser 认证成功后建立 userID 索引
func (r *Registry) BindUser(id, userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[id] = struct{}{}
}

// AddToRoom 将连接加入房间，记录与索引在同一临界区更新
// 重复加入为幂等操作
func (r *Registry) AddToRoom(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}

	conn.mu.Lock()
	conn.rooms[room] = struct{}{}
	conn.mu.Unlock()

	set, ok := r.byRoom[room]
	if !ok {
		set = make(map[string]struct{})
		r.byRoom[room] = set
	}
	set[id] = struct{}{}
	return nil
}

// RemoveFromRoom 将连接移出房间
func (r *Registry) RemoveFromRoom(id, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return
	}

	conn.mu.Lock()
	delete(conn.rooms, room)
	conn.mu.Unlock()

	r.detachRoomLocked(room, id)
}

// ConnectionsByUser 获取某用户的全部连接
func (r *Registry) ConnectionsByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// ConnectionsByRoom 获取房间内的全部连接
func (r *Registry) ConnectionsByRoom(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.byRoom[room]
	if !ok {
		return nil
	}
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Range 遍历全部连接
func (r *Registry) Range(f func(*Connection) bool) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if !f(conn) {
			return
		}
	}
}

// Count 获取连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount 获取非空房间数
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom)
}

// detachUserLocked 清理用户索引，空集合随手删除
func (r *Registry) detachUserLocked(userID, id string) {
	if set, ok := r.byUser[userID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// detachRoomLocked 清理房间索引，空集合随手删除
func (r *Registry) detachRoomLocked(room, id string) {
	if set, ok := r.byRoom[room]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byRoom, room)
		}
	}
}
