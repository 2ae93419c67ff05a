package realtime

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server 实时连接服务
//
// 每个实例显式持有自己的注册表、调度器与各组件，
// 同一进程内可并存多个互不干扰的实例（便于测试与多租户）。
type Server struct {
	config   *Config
	logger   *zap.Logger
	metrics  Metrics
	serverID string

	registry   *Registry
	dispatcher *Dispatcher
	rooms      *RoomManager
	auth       *authEngine
	router     *messageRouter
	heartbeat  *heartbeatMonitor
	bridge     *Bridge

	upgrader websocket.Upgrader

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer 创建服务实例
func NewServer(opts ...Option) (*Server, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	return NewServerFromConfig(config)
}

// NewServerFromConfig 以现成配置创建服务实例，配合 LoadConfig 使用
func NewServerFromConfig(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	serverID := config.ServerID
	if serverID == "" {
		serverID = generateServerID()
	}
	logger = logger.With(zap.String("server_id", serverID))

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		serverID: serverID,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.originChecker(),
		},
		ctx:    ctx,
		cancel: cancel,
	}

	s.dispatcher = newDispatcher(config, s.registry, logger, metrics)
	if config.Broker != nil {
		s.bridge = newBridge(serverID, config.Broker, s.dispatcher, s.registry, logger, metrics)
		s.dispatcher.bridge = s.bridge
	}
	s.rooms = newRoomManager(config, s.registry, logger)
	s.auth = newAuthEngine(config, s.registry, s.dispatcher, s.rooms, logger, metrics, s.closeConnection)
	s.router = newMessageRouter(config, s.dispatcher, s.auth, s.rooms, logger, metrics, s.closeConnection)
	s.heartbeat = newHeartbeatMonitor(config, s.registry, s.dispatcher, logger, metrics, s.closeConnection)

	return s, nil
}

// ServerID 获取服务实例 ID
func (s *Server) ServerID() string {
	return s.serverID
}

// Run 启动后台任务：心跳巡检与 Bridge 订阅监听
func (s *Server) Run() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run(s.ctx)
	}()

	if s.bridge != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.bridge.Run(s.ctx)
		}()
	}

	s.logger.Info("realtime server started",
		zap.String("path", s.config.Path),
		zap.Bool("require_encryption", s.config.RequireEncryption),
		zap.Bool("bridged", s.bridge != nil))
	return nil
}

// Shutdown 优雅关闭：断开全部连接并等待后台任务退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.registry.Range(func(conn *Connection) bool {
		s.closeConnection(conn, CloseServerShutdown, "server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler 获取 WebSocket 升级处理器，由宿主路由挂载到 Config.Path
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// RegisterRoutes 注册到标准库多路复用器
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(s.config.Path, s.Handler())
}

// handleUpgrade 升级 HTTP 连接并开始跟踪
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, ErrTooManyConnections.Error(), http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	wsConn.SetReadLimit(s.config.MaxMessageSize)

	transport := newWSTransport(wsConn, s.config.SendQueueSize, s.config.WriteWait)
	conn := s.track(transport)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn, wsConn)
	}()
}

// track 建立连接记录：登记、接背压排空回调、武装认证定时器
func (s *Server) track(transport Transport) *Connection {
	conn := newConnection(transport)
	transport.SetDrainFunc(func() {
		conn.backpressured.Store(false)
	})
	s.registry.Register(conn)
	s.metrics.IncrementConnections()
	s.metrics.SetConnectionCount(s.registry.Count())

	conn.armAuthTimer(s.config.AuthTimeout, func() {
		s.logger.Info("authentication timeout",
			zap.String("conn_id", conn.ID))
		s.closeConnection(conn, CloseAuthTimeout, "authentication timeout")
	})

	s.logger.Debug("connection tracked",
		zap.String("conn_id", conn.ID),
		zap.String("remote_addr", transport.RemoteAddr()))
	return conn
}

// readLoop 每连接入站读取协程
func (s *Server) readLoop(conn *Connection, wsConn *websocket.Conn) {
	defer s.closeConnection(conn, websocket.CloseNormalClosure, "connection closed")

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read error",
					zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		s.router.HandleFrame(s.ctx, conn, data)
	}
}

// closeConnection 销毁连接：终态标记、关传输、清注册表、触发断开回调
// 幂等，入站协程、心跳巡检与 Bridge 转发都可能并发触发
func (s *Server) closeConnection(conn *Connection, code int, reason string) {
	prev, ok := conn.markDisconnected()
	if !ok {
		return
	}

	_ = conn.transport.Close(code, reason)
	s.registry.Remove(conn.ID)
	s.metrics.DecrementConnections()
	s.metrics.SetConnectionCount(s.registry.Count())

	s.logger.Debug("connection closed",
		zap.String("conn_id", conn.ID),
		zap.Int("code", code),
		zap.String("reason", reason))

	// 只有完成过认证的连接才触发断开回调
	if prev == StateAuthenticated && s.config.ClientDisconnected != nil {
		safeDisconnected(s.config.ClientDisconnected, conn, reason, s.logger)
	}
}

// GetConnection 获取连接记录
func (s *Server) GetConnection(id string) (*Connection, bool) {
	return s.registry.Get(id)
}

// ConnectionCount 获取当前连接数
func (s *Server) ConnectionCount() int {
	return s.registry.Count()
}

// SendToClient 发送到单个连接
func (s *Server) SendToClient(ctx context.Context, connID, event string, data any) error {
	return s.dispatcher.SendToClient(ctx, connID, event, data)
}

// SendToUser 发送到某用户的全部连接
func (s *Server) SendToUser(ctx context.Context, userID, event string, data any) error {
	return s.dispatcher.SendToUser(ctx, userID, event, data)
}

// SendToRoom 发送到房间，exclude 中的连接不投递
func (s *Server) SendToRoom(ctx context.Context, room, event string, data any, exclude ...string) error {
	return s.dispatcher.SendToRoom(ctx, room, event, data, exclude...)
}

// Broadcast 全局广播，exclude 中的连接不投递
func (s *Server) Broadcast(ctx context.Context, event string, data any, exclude ...string) error {
	return s.dispatcher.Broadcast(ctx, event, data, exclude...)
}

// Disconnect 主动断开指定连接
func (s *Server) Disconnect(connID string, reason string) error {
	conn, ok := s.registry.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	s.closeConnection(conn, websocket.CloseNormalClosure, reason)
	return nil
}

// safeDisconnected 调用断开回调，panic 只记录日志
func safeDisconnected(f DisconnectedFunc, conn *Connection, reason string, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("client disconnected hook panic",
				zap.String("conn_id", conn.ID), zap.Any("panic", r))
		}
	}()
	f(conn, reason)
}
