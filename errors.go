package realtime

import "errors"

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("realtime: too many connections")
	ErrConnectionNotFound = errors.New("realtime: connection not found")
	ErrConnectionClosed   = errors.New("realtime: connection closed")
	ErrSendBufferFull     = errors.New("realtime: send buffer full")
	ErrBackpressured      = errors.New("realtime: connection backpressured")

	// 认证相关错误
	ErrNotAuthenticated  = errors.New("realtime: not authenticated")
	ErrAuthRejected      = errors.New("realtime: authentication rejected")
	ErrAuthInProgress    = errors.New("realtime: authentication already in progress")
	ErrAlreadyAuthed     = errors.New("realtime: already authenticated")
	ErrHandshakeRequired = errors.New("realtime: encryption handshake required")
	ErrHandshakeFailed   = errors.New("realtime: encryption handshake failed")
	ErrInvalidPublicKey  = errors.New("realtime: invalid handshake public key")
	ErrDecryptionFailed  = errors.New("realtime: payload decryption failed")

	// 消息相关错误
	ErrInvalidEnvelope = errors.New("realtime: invalid envelope")
	ErrUnknownTarget   = errors.New("realtime: unknown send target")

	// Bridge 相关错误
	ErrBrokerClosed      = errors.New("realtime: broker closed")
	ErrBrokerUnavailable = errors.New("realtime: broker unavailable")

	// 配置相关错误
	ErrInvalidConfig = errors.New("realtime: invalid config")
)
