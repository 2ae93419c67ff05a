package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// 认证相关业务错误码
const (
	codeAuthRejected     = 4001
	codeAuthInProgress   = 4002
	codeAlreadyAuthed    = 4003
	codeHandshakeFailed  = 4004
	codeNotAuthenticated = 4401
)

// authEngine 认证与握手引擎
//
// 驱动每条连接的认证状态机：unauthorized -> authenticating ->
// authenticated，disconnected 从任意状态可达。强制加密模式下
// 握手与认证同步完成，两步都成功之前不向连接记录提交任何副作用。
type authEngine struct {
	config  *Config
	reg     *Registry
	disp    *Dispatcher
	rooms   *RoomManager
	logger  *zap.Logger
	metrics Metrics

	// closeConn 强制断开回调，由 Server 注入
	closeConn func(conn *Connection, code int, reason string)
}

// newAuthEngine 创建认证引擎
func newAuthEngine(config *Config, reg *Registry, disp *Dispatcher, rooms *RoomManager, logger *zap.Logger, metrics Metrics, closeConn func(*Connection, int, string)) *authEngine {
	return &authEngine{
		config:    config,
		reg:       reg,
		disp:      disp,
		rooms:     rooms,
		logger:    logger,
		metrics:   metrics,
		closeConn: closeConn,
	}
}

// handleAuthenticate 处理 authenticate 系统事件
func (a *authEngine) handleAuthenticate(ctx context.Context, conn *Connection, env *Envelope) {
	if err := conn.beginAuthenticating(); err != nil {
		code := codeAuthInProgress
		if err == ErrAlreadyAuthed {
			code = codeAlreadyAuthed
		}
		_ = a.disp.sendSystem(conn, newErrorEnvelope(env.ID, code, err.Error()))
		return
	}

	result, err := safeAuthenticate(a.config.Authenticate, ctx, env.Data)
	if err != nil || result == nil {
		a.logger.Info("authentication rejected",
			zap.String("conn_id", conn.ID), zap.Error(err))
		a.failAuth(conn, env.ID, codeAuthRejected, "authentication rejected")
		return
	}

	// 强制加密模式下，握手失败一票否决：即使认证回调已成功，
	// 连接也以专用关闭码拒绝，且不提交任何认证副作用
	var cipher *sessionCipher
	var serverPub, salt []byte
	if a.config.RequireEncryption {
		cipher, serverPub, salt = a.performHandshake(ctx, conn, result.UserID, env.Data)
		if cipher == nil {
			a.metrics.IncrementAuthFailures()
			a.metrics.IncrementHandshakeFailures()
			_ = a.disp.sendPlain(conn, newErrorEnvelope(env.ID, codeHandshakeFailed, "encryption handshake failed"))
			a.closeConn(conn, CloseEncryptionRequired, "encryption required")
			return
		}
	}

	// 单一提交点：认证与握手都成功后才落状态
	if !conn.commitAuthenticated(result.UserID, result.Metadata, serverPub, cipher) {
		// 外部回调期间连接已被关闭
		return
	}
	a.reg.BindUser(conn.ID, result.UserID)
	joined := a.rooms.joinDefaults(conn)
	a.metrics.IncrementAuthSuccess()

	a.logger.Debug("connection authenticated",
		zap.String("conn_id", conn.ID),
		zap.String("user_id", result.UserID),
		zap.Strings("rooms", joined),
		zap.Bool("encrypted", cipher != nil))

	if a.config.ClientConnected != nil {
		safeConnected(a.config.ClientConnected, conn, a.logger)
	}

	payload := ConnectedPayload{
		ConnID: conn.ID,
		UserID: result.UserID,
		Rooms:  joined,
	}
	if cipher != nil {
		payload.ServerPublicKey = base64.StdEncoding.EncodeToString(serverPub)
		payload.Salt = base64.StdEncoding.EncodeToString(salt)
	}
	reply, err := NewEnvelope(EventConnected, payload)
	if err != nil {
		a.logger.Error("marshal connected payload", zap.Error(err))
		return
	}
	reply.ID = env.ID
	// connected 封包携带密钥派生参数，必须明文下发，
	// 客户端据此派生会话密钥后才进入加密通讯
	_ = a.disp.sendPlain(conn, reply)
}

// performHandshake 执行密钥交换并派生会话加密器
// 任一步失败返回 nil，调用方以加密专用关闭码断开；
// 原始共享密钥与派生密钥用毕即清零，失败路径不残留密钥材料
func (a *authEngine) performHandshake(ctx context.Context, conn *Connection, userID string, payload json.RawMessage) (*sessionCipher, []byte, []byte) {
	hs, err := safeHandshake(a.config.Handshake, ctx, conn.ID, userID, payload)
	if err != nil || hs == nil {
		a.logger.Info("handshake rejected",
			zap.String("conn_id", conn.ID), zap.Error(err))
		return nil, nil, nil
	}
	defer zeroBytes(hs.SharedSecret)

	key, err := deriveSessionKey(hs.SharedSecret, hs.Salt, hs.ClientPublicKey, hs.ServerPublicKey)
	if err != nil {
		a.logger.Error("session key derivation failed",
			zap.String("conn_id", conn.ID), zap.Error(err))
		return nil, nil, nil
	}
	defer zeroBytes(key)

	cipher, err := newSessionCipher(key)
	if err != nil {
		a.logger.Error("session cipher init failed",
			zap.String("conn_id", conn.ID), zap.Error(err))
		return nil, nil, nil
	}
	return cipher, hs.ServerPublicKey, hs.Salt
}

// failAuth 认证失败处理：回滚或断开
func (a *authEngine) failAuth(conn *Connection, msgID string, code int, reason string) {
	a.metrics.IncrementAuthFailures()
	_ = a.disp.sendSystem(conn, newErrorEnvelope(msgID, code, reason))
	if conn.rollbackAuth(a.config.AllowAuthRetry) {
		// 允许一次重试，连接回到 unauthorized，认证定时器继续生效
		return
	}
	a.closeConn(conn, CloseAuthRejected, reason)
}

// safeAuthenticate 调用认证回调，panic 等价于拒绝
func safeAuthenticate(f AuthenticateFunc, ctx context.Context, payload json.RawMessage) (result *AuthResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: panic: %v", ErrAuthRejected, r)
		}
	}()
	return f(ctx, payload)
}

// safeHandshake 调用握手回调，panic 等价于握手失败
func safeHandshake(f HandshakeFunc, ctx context.Context, connID, userID string, payload json.RawMessage) (result *HandshakeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: panic: %v", ErrHandshakeFailed, r)
		}
	}()
	return f(ctx, connID, userID, payload)
}

// safeConnected 调用连接成功回调，panic 只记录日志
func safeConnected(f ConnectedFunc, conn *Connection, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("client connected hook panic",
				zap.String("conn_id", conn.ID), zap.Any("panic", r))
		}
	}()
	f(conn)
}
