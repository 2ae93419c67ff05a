package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// messageRouter 消息路由器
//
// 将入站帧解析为封包：系统事件分发到内部组件，
// 其余事件只允许已认证连接转发给外部业务处理器。
// 无法解析的帧记录日志后丢弃，绝不影响连接本身；
// 连续无效帧超限视为滥用并断开。
type messageRouter struct {
	config  *Config
	disp    *Dispatcher
	auth    *authEngine
	rooms   *RoomManager
	logger  *zap.Logger
	metrics Metrics

	// closeConn 强制断开回调，由 Server 注入
	closeConn func(conn *Connection, code int, reason string)
}

// newMessageRouter 创建路由器
func newMessageRouter(config *Config, disp *Dispatcher, auth *authEngine, rooms *RoomManager, logger *zap.Logger, metrics Metrics, closeConn func(*Connection, int, string)) *messageRouter {
	return &messageRouter{
		config:    config,
		disp:      disp,
		auth:      auth,
		rooms:     rooms,
		logger:    logger,
		metrics:   metrics,
		closeConn: closeConn,
	}
}

// HandleFrame 处理一条入站帧
func (r *messageRouter) HandleFrame(ctx context.Context, conn *Connection, data []byte) {
	// 任何入站流量（含心跳应答）都刷新活动时间
	conn.touch()

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		r.dropInvalidFrame(conn, "malformed frame", err)
		return
	}

	// 加密连接的入站封包先解封
	if env.Event == EventEncrypted {
		inner, err := r.openEnvelope(conn, &env)
		if err != nil {
			r.dropInvalidFrame(conn, "undecryptable frame", err)
			return
		}
		env = *inner
	}

	conn.invalidFrames.Store(0)
	r.metrics.IncrementMessageCount(env.Event)

	switch env.Event {
	case EventAuthenticate:
		r.auth.handleAuthenticate(ctx, conn, &env)
	case EventHeartbeat:
		// touch 已更新活动时间，无需回应
	case EventJoin:
		r.handleJoin(ctx, conn, &env)
	case EventLeave:
		r.handleLeave(ctx, conn, &env)
	default:
		r.handleMessage(ctx, conn, &env)
	}
}

// handleJoin 处理加入房间请求
func (r *messageRouter) handleJoin(ctx context.Context, conn *Connection, env *Envelope) {
	var req RoomRequest
	if err := env.Unmarshal(&req); err != nil {
		_ = r.disp.sendSystem(conn, newErrorEnvelope(env.ID, 4400, "invalid join request"))
		return
	}

	joined, err := r.rooms.Join(ctx, conn, req.Rooms)
	if err != nil {
		code := 4400
		if err == ErrNotAuthenticated {
			code = codeNotAuthenticated
		}
		_ = r.disp.sendSystem(conn, newErrorEnvelope(env.ID, code, err.Error()))
		return
	}

	// 响应只反映实际加入的房间，部分成功是显式的
	reply, err := NewEnvelope(EventJoined, RoomResult{Rooms: joined})
	if err != nil {
		return
	}
	reply.ID = env.ID
	_ = r.disp.sendSystem(conn, reply)
}

// handleLeave 处理离开房间请求
func (r *messageRouter) handleLeave(ctx context.Context, conn *Connection, env *Envelope) {
	var req RoomRequest
	if err := env.Unmarshal(&req); err != nil {
		_ = r.disp.sendSystem(conn, newErrorEnvelope(env.ID, 4400, "invalid leave request"))
		return
	}

	left, err := r.rooms.Leave(ctx, conn, req.Rooms)
	if err != nil {
		code := 4400
		if err == ErrNotAuthenticated {
			code = codeNotAuthenticated
		}
		_ = r.disp.sendSystem(conn, newErrorEnvelope(env.ID, code, err.Error()))
		return
	}

	reply, err := NewEnvelope(EventLeft, RoomResult{Rooms: left})
	if err != nil {
		return
	}
	reply.ID = env.ID
	_ = r.disp.sendSystem(conn, reply)
}

// handleMessage 转发业务事件给外部处理器
func (r *messageRouter) handleMessage(ctx context.Context, conn *Connection, env *Envelope) {
	// 未认证连接只允许 authenticate 事件
	if conn.State() != StateAuthenticated {
		_ = r.disp.sendSystem(conn, newErrorEnvelope(env.ID, codeNotAuthenticated, "not authenticated"))
		return
	}

	if r.config.MessageHandler == nil {
		r.logger.Debug("no message handler configured, event dropped",
			zap.String("event", env.Event))
		return
	}

	if err := safeHandleMessage(r.config.MessageHandler, ctx, conn, env); err != nil {
		_ = r.disp.sendSystem(conn, newErrorEnvelope(env.ID, 4500, err.Error()))
	}
}

// openEnvelope 解封加密入站封包
func (r *messageRouter) openEnvelope(conn *Connection, env *Envelope) (*Envelope, error) {
	encrypted, cipher := conn.encryptionState()
	if !encrypted || cipher == nil {
		return nil, ErrDecryptionFailed
	}

	var payload EncryptedPayload
	if err := env.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plain, err := cipher.Decrypt(&payload)
	if err != nil {
		return nil, err
	}

	var inner Envelope
	if err := json.Unmarshal(plain, &inner); err != nil || inner.Event == "" {
		return nil, fmt.Errorf("%w: inner envelope", ErrInvalidEnvelope)
	}
	return &inner, nil
}

// dropInvalidFrame 丢弃无效帧并累计滥用计数
func (r *messageRouter) dropInvalidFrame(conn *Connection, reason string, err error) {
	r.metrics.IncrementInvalidFrames()
	r.logger.Warn("inbound frame dropped",
		zap.String("conn_id", conn.ID),
		zap.String("reason", reason),
		zap.Error(err))

	if conn.invalidFrames.Add(1) > r.config.InvalidFrameLimit {
		r.closeConn(conn, websocket.ClosePolicyViolation, "too many invalid frames")
	}
}

// safeHandleMessage 调用业务处理器，panic 等价于处理失败
func safeHandleMessage(f MessageHandlerFunc, ctx context.Context, conn *Connection, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message handler panic: %v", r)
		}
	}()
	return f(ctx, conn, env)
}
