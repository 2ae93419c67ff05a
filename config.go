package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AuthResult 认证回调结果
type AuthResult struct {
	// UserID 用户 ID，可为空（匿名连接）
	UserID string

	// Metadata 应用元数据，原样存入连接记录
	Metadata map[string]any
}

// AuthenticateFunc 认证回调
// 返回 nil 结果或 error 均视为拒绝
type AuthenticateFunc func(ctx context.Context, payload json.RawMessage) (*AuthResult, error)

// HandshakeFunc 密钥交换握手回调
// 返回 nil 结果或 error 均视为握手失败
type HandshakeFunc func(ctx context.Context, connID, userID string, payload json.RawMessage) (*HandshakeResult, error)

// ValidateRoomFunc 房间校验回调，返回允许加入的子集
type ValidateRoomFunc func(ctx context.Context, conn *Connection, rooms []string) ([]string, error)

// ConnectedFunc 客户端连接成功回调（认证完成后触发）
type ConnectedFunc func(conn *Connection)

// DisconnectedFunc 客户端断开回调
type DisconnectedFunc func(conn *Connection, reason string)

// MessageHandlerFunc 业务消息处理回调，仅转发已认证连接的非系统事件
type MessageHandlerFunc func(ctx context.Context, conn *Connection, env *Envelope) error

// TransformFunc 出站消息变换钩子
// ok 为 false 时沿用原始事件与数据
type TransformFunc func(conn *Connection, event string, data json.RawMessage) (newEvent string, newData json.RawMessage, ok bool)

// BackpressureFunc 背压策略钩子
// 连接进入背压或背压期间被抑制投递时触发，帧不会被静默丢弃
type BackpressureFunc func(conn *Connection, frame []byte)

// Config 服务配置
type Config struct {
	// Path 挂载路径
	Path string

	// DefaultRooms 认证成功后自动加入的房间
	DefaultRooms []string

	// AuthTimeout 认证超时，超时未完成认证即断开
	AuthTimeout time.Duration

	// HeartbeatInterval 心跳巡检间隔
	HeartbeatInterval time.Duration

	// HeartbeatTimeout 心跳超时（默认三个巡检周期）
	HeartbeatTimeout time.Duration

	// EncryptedBatchLimit 批量发送时并发加密上限
	EncryptedBatchLimit int

	// RequireEncryption 是否强制每连接加密
	RequireEncryption bool

	// AllowAuthRetry 认证失败后是否允许一次重试
	AllowAuthRetry bool

	// MaxConnections 最大连接数
	MaxConnections int

	// MaxMessageSize 单帧最大字节数
	MaxMessageSize int64

	// SendQueueSize 出站发送队列长度
	SendQueueSize int

	// WriteWait 单帧写超时
	WriteWait time.Duration

	// InvalidFrameLimit 连续无效帧上限，超过即断开
	InvalidFrameLimit int32

	// ReadBufferSize 读缓冲区大小
	ReadBufferSize int

	// WriteBufferSize 写缓冲区大小
	WriteBufferSize int

	// AllowedOrigins Origin 白名单，为空时使用同源检查
	AllowedOrigins []string

	// CheckOrigin 自定义 Origin 检查，优先于白名单
	CheckOrigin func(*http.Request) bool

	// ServerID 服务实例 ID，跨实例去重用，默认自动生成
	ServerID string

	// 外部回调钩子
	Authenticate        AuthenticateFunc
	Handshake           HandshakeFunc
	ValidateRoom        ValidateRoomFunc
	ClientConnected     ConnectedFunc
	ClientDisconnected  DisconnectedFunc
	MessageHandler      MessageHandlerFunc
	OutboundTransformer TransformFunc
	Backpressure        BackpressureFunc

	// 协作方
	Logger  *zap.Logger
	Metrics Metrics
	Broker  Broker
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Path:                "/ws",
		AuthTimeout:         5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    90 * time.Second,
		EncryptedBatchLimit: 10,
		MaxConnections:      10000,
		MaxMessageSize:      512 * 1024, // 512KB
		SendQueueSize:       256,
		WriteWait:           10 * time.Second,
		InvalidFrameLimit:   10,
		ReadBufferSize:      1024,
		WriteBufferSize:     1024,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: Path must not be empty", ErrInvalidConfig)
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("%w: AuthTimeout must be positive, got %v", ErrInvalidConfig, c.AuthTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.EncryptedBatchLimit <= 0 {
		return fmt.Errorf("%w: EncryptedBatchLimit must be positive, got %d", ErrInvalidConfig, c.EncryptedBatchLimit)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: MaxConnections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: MaxMessageSize must be positive, got %d", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%w: SendQueueSize must be positive, got %d", ErrInvalidConfig, c.SendQueueSize)
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("%w: WriteWait must be positive, got %v", ErrInvalidConfig, c.WriteWait)
	}
	if c.InvalidFrameLimit <= 0 {
		return fmt.Errorf("%w: InvalidFrameLimit must be positive, got %d", ErrInvalidConfig, c.InvalidFrameLimit)
	}
	if c.Authenticate == nil {
		return fmt.Errorf("%w: Authenticate hook is required", ErrInvalidConfig)
	}
	if c.RequireEncryption && c.Handshake == nil {
		return fmt.Errorf("%w: Handshake hook is required when RequireEncryption is set", ErrInvalidConfig)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithPath 设置挂载路径
func WithPath(path string) Option {
	return func(c *Config) {
		c.Path = path
	}
}

// WithDefaultRooms 设置认证后自动加入的房间
func WithDefaultRooms(rooms ...string) Option {
	return func(c *Config) {
		c.DefaultRooms = rooms
	}
}

// WithAuthTimeout 设置认证超时
func WithAuthTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AuthTimeout = d
	}
}

// WithHeartbeatInterval 设置心跳巡检间隔
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = d
	}
}

// WithHeartbeatTimeout 设置心跳超时
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatTimeout = d
	}
}

// WithEncryptedBatchLimit 设置批量发送并发加密上限
func WithEncryptedBatchLimit(limit int) Option {
	return func(c *Config) {
		c.EncryptedBatchLimit = limit
	}
}

// WithRequireEncryption 强制每连接加密
func WithRequireEncryption(require bool) Option {
	return func(c *Config) {
		c.RequireEncryption = require
	}
}

// WithAuthRetry 允许认证失败后重试一次
func WithAuthRetry(allow bool) Option {
	return func(c *Config) {
		c.AllowAuthRetry = allow
	}
}

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithMaxMessageSize 设置单帧最大字节数
func WithMaxMessageSize(size int64) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithSendQueueSize 设置出站队列长度
func WithSendQueueSize(size int) Option {
	return func(c *Config) {
		c.SendQueueSize = size
	}
}

// WithServerID 设置服务实例 ID
func WithServerID(id string) Option {
	return func(c *Config) {
		c.ServerID = id
	}
}

// WithAuthenticate 设置认证回调
func WithAuthenticate(f AuthenticateFunc) Option {
	return func(c *Config) {
		c.Authenticate = f
	}
}

// WithHandshake 设置握手回调
func WithHandshake(f HandshakeFunc) Option {
	return func(c *Config) {
		c.Handshake = f
	}
}

// WithValidateRoom 设置房间校验回调
func WithValidateRoom(f ValidateRoomFunc) Option {
	return func(c *Config) {
		c.ValidateRoom = f
	}
}

// WithClientConnected 设置连接成功回调
func WithClientConnected(f ConnectedFunc) Option {
	return func(c *Config) {
		c.ClientConnected = f
	}
}

// WithClientDisconnected 设置断开回调
func WithClientDisconnected(f DisconnectedFunc) Option {
	return func(c *Config) {
		c.ClientDisconnected = f
	}
}

// WithMessageHandler 设置业务消息处理回调
func WithMessageHandler(f MessageHandlerFunc) Option {
	return func(c *Config) {
		c.MessageHandler = f
	}
}

// WithOutboundTransformer 设置出站消息变换钩子
func WithOutboundTransformer(f TransformFunc) Option {
	return func(c *Config) {
		c.OutboundTransformer = f
	}
}

// WithBackpressurePolicy 设置背压策略钩子
func WithBackpressurePolicy(f BackpressureFunc) Option {
	return func(c *Config) {
		c.Backpressure = f
	}
}

// WithCheckOrigin 设置自定义 Origin 检查
func WithCheckOrigin(f func(*http.Request) bool) Option {
	return func(c *Config) {
		c.CheckOrigin = f
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
func WithCheckOriginWhitelist(allowedOrigins []string) Option {
	return func(c *Config) {
		c.AllowedOrigins = allowedOrigins
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics 设置监控
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithBroker 设置跨实例 Broker
func WithBroker(broker Broker) Option {
	return func(c *Config) {
		c.Broker = broker
	}
}

// defaultCheckOrigin 默认 Origin 检查（同源策略）
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 允许非浏览器客户端
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// originChecker 构建最终的 Origin 检查函数
func (c *Config) originChecker() func(*http.Request) bool {
	if c.CheckOrigin != nil {
		return c.CheckOrigin
	}
	if len(c.AllowedOrigins) > 0 {
		whitelist := make(map[string]bool, len(c.AllowedOrigins))
		for _, origin := range c.AllowedOrigins {
			whitelist[origin] = true
		}
		return func(r *http.Request) bool {
			return whitelist[r.Header.Get("Origin")]
		}
	}
	return defaultCheckOrigin
}
