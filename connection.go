package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// State 连接状态
type State string

const (
	// StateUnauthorized 未认证
	StateUnauthorized State = "unauthorized"
	// StateAuthenticating 认证中
	StateAuthenticating State = "authenticating"
	// StateAuthenticated 已认证
	StateAuthenticated State = "authenticated"
	// StateDisconnected 已断开（终态）
	StateDisconnected State = "disconnected"
)

// Connection 连接记录，每个传输连接一条
//
// 单条记录的全部状态变更都通过持有 mu 的方法进行，
// 入站协程、心跳协程与 Bridge 协程可能并发触碰同一连接。
type Connection struct {
	// ID 连接 ID，服务端生成，连接生命周期内唯一
	ID string

	mu       sync.Mutex
	state    State
	userID   string
	metadata map[string]any
	rooms    map[string]struct{}

	// 加密相关，serverPublicKey 与应用元数据分开存放
	encrypted       bool
	serverPublicKey []byte
	cipher          *sessionCipher

	connectedAt  time.Time
	lastActivity atomic.Int64 // Unix 纳秒

	backpressured atomic.Bool
	closed        atomic.Bool

	// authTimer 认证超时定时器，认证成功或连接关闭时取消
	authTimer *time.Timer

	// authRetried 认证重试标记，仅允许一次重试
	authRetried bool

	// invalidFrames 无效帧计数，用于滥用限流
	invalidFrames atomic.Int32

	transport Transport
}

// newConnection 创建连接记录，初始为未认证状态
func newConnection(transport Transport) *Connection {
	c := &Connection{
		ID:          generateConnID(),
		state:       StateUnauthorized,
		rooms:       make(map[string]struct{}),
		connectedAt: time.Now(),
		transport:   transport,
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// State 获取当前状态
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID 获取用户 ID（认证成功后有值）
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Metadata 获取认证回调返回的应用元数据
func (c *Connection) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata
}

// Rooms 获取当前房间快照
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// InRoom 检查是否在指定房间内
func (c *Connection) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Encrypted 是否已建立会话加密
func (c *Connection) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted
}

// ServerPublicKey 获取服务端握手公钥副本
func (c *Connection) ServerPublicKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverPublicKey == nil {
		return nil
	}
	key := make([]byte, len(c.serverPublicKey))
	copy(key, c.serverPublicKey)
	return key
}

// ConnectedAt 获取连接建立时间
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity 获取最近活动时间
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Backpressured 是否处于背压状态
func (c *Connection) Backpressured() bool {
	return c.backpressured.Load()
}

// IsClosed 连接记录是否已销毁
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// touch 更新最近活动时间，任何入站帧（含心跳应答）都会触发
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// encryptionState 获取加密状态与会话加密器
func (c *Connection) encryptionState() (bool, *sessionCipher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted, c.cipher
}

// armAuthTimer 启动认证超时定时器
func (c *Connection) armAuthTimer(d time.Duration, onTimeout func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnauthorized || c.closed.Load() {
		return
	}
	c.authTimer = time.AfterFunc(d, onTimeout)
}

// cancelAuthTimer 取消认证超时定时器
func (c *Connection) cancelAuthTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelAuthTimerLocked()
}

func (c *Connection) cancelAuthTimerLocked() {
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

// beginAuthenticating 进入认证中状态
// 只允许 unauthorized -> authenticating 转移
func (c *Connection) beginAuthenticating() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateAuthenticating:
		return ErrAuthInProgress
	case StateAuthenticated:
		return ErrAlreadyAuthed
	case StateDisconnected:
		return ErrConnectionClosed
	}
	c.state = StateAuthenticating
	return nil
}

// commitAuthenticated 提交认证结果，单一提交点
//
// 认证回调与握手回调都成功后才调用；在此之前记录上不落任何副作用。
// 返回 false 表示连接在外部回调期间已被关闭，调用方不得继续投递。
func (c *Connection) commitAuthenticated(userID string, metadata map[string]any, serverPublicKey []byte, cipher *sessionCipher) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || c.state != StateAuthenticating {
		return false
	}
	c.cancelAuthTimerLocked()
	c.state = StateAuthenticated
	c.userID = userID
	c.metadata = metadata
	if cipher != nil {
		c.serverPublicKey = serverPublicKey
		c.cipher = cipher
		c.encrypted = true
	}
	return true
}

// rollbackAuth 认证失败回滚
// 返回 true 表示允许重试（回到 unauthorized），false 表示应关闭连接
func (c *Connection) rollbackAuth(allowRetry bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || c.state != StateAuthenticating {
		return false
	}
	if allowRetry && !c.authRetried {
		c.authRetried = true
		c.state = StateUnauthorized
		return true
	}
	return false
}

// markDisconnected 进入终态
// 返回关闭前的状态；ok 为 false 表示已经关闭过
func (c *Connection) markDisconnected() (prev State, ok bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return StateDisconnected, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelAuthTimerLocked()
	prev = c.state
	c.state = StateDisconnected
	return prev, true
}
