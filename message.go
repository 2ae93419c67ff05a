package realtime

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// 系统事件名称
const (
	// EventAuthenticate 客户端认证请求
	EventAuthenticate = "authenticate"
	// EventJoin 加入房间请求
	EventJoin = "join"
	// EventLeave 离开房间请求
	EventLeave = "leave"
	// EventHeartbeat 心跳探测/应答
	EventHeartbeat = "heartbeat"
	// EventConnected 认证成功通知
	EventConnected = "connected"
	// EventJoined 加入房间结果通知（仅包含实际加入的房间）
	EventJoined = "joined"
	// EventLeft 离开房间结果通知
	EventLeft = "left"
	// EventError 错误通知
	EventError = "error"
	// EventEncrypted 加密载荷封包，Data 为 EncryptedPayload
	EventEncrypted = "$encrypted"
)

// 关闭码
const (
	// CloseAuthTimeout 认证超时（策略违规）
	CloseAuthTimeout = websocket.ClosePolicyViolation
	// CloseAuthRejected 认证被拒绝
	CloseAuthRejected = websocket.ClosePolicyViolation
	// CloseEncryptionRequired 加密握手失败（强制加密模式下为硬性要求）
	CloseEncryptionRequired = 4004
	// CloseHeartbeatTimeout 心跳超时
	CloseHeartbeatTimeout = 4008
	// CloseServerShutdown 服务端关闭
	CloseServerShutdown = websocket.CloseGoingAway
)

// Envelope 线上消息封包，每帧一条
type Envelope struct {
	// Event 事件名称
	Event string `json:"event"`

	// Data 事件数据（JSON）
	Data json.RawMessage `json:"data,omitempty"`

	// ID 消息 ID（可选，用于请求-响应匹配）
	ID string `json:"id,omitempty"`
}

// Unmarshal 解析封包数据
func (e *Envelope) Unmarshal(v any) error {
	return json.Unmarshal(e.Data, v)
}

// NewEnvelope 创建封包
func NewEnvelope(event string, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// ErrorPayload 错误通知数据
type ErrorPayload struct {
	// Code 错误码
	Code int `json:"code"`

	// Message 错误信息
	Message string `json:"message"`

	// Timestamp 时间戳
	Timestamp int64 `json:"timestamp"`
}

// newErrorEnvelope 创建错误通知封包
func newErrorEnvelope(id string, code int, message string) *Envelope {
	data, _ := json.Marshal(ErrorPayload{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
	return &Envelope{Event: EventError, Data: data, ID: id}
}

// ConnectedPayload 认证成功通知数据
type ConnectedPayload struct {
	// ConnID 连接 ID
	ConnID string `json:"conn_id"`

	// UserID 用户 ID
	UserID string `json:"user_id,omitempty"`

	// Rooms 默认加入的房间
	Rooms []string `json:"rooms,omitempty"`

	// ServerPublicKey 服务端握手公钥（base64，仅加密连接）
	ServerPublicKey string `json:"server_public_key,omitempty"`

	// Salt 会话密钥派生盐值（base64，仅加密连接）
	Salt string `json:"salt,omitempty"`
}

// RoomRequest 加入/离开房间请求数据
type RoomRequest struct {
	// Rooms 目标房间列表
	Rooms []string `json:"rooms"`
}

// RoomResult 加入/离开房间结果数据，只反映实际生效的房间
type RoomResult struct {
	// Rooms 实际生效的房间列表
	Rooms []string `json:"rooms"`
}

// 跨实例消息类型
const (
	// BridgeTypeClient 定向单连接
	BridgeTypeClient = "client"
	// BridgeTypeUser 定向用户（该用户全部连接）
	BridgeTypeUser = "user"
	// BridgeTypeRoom 定向房间
	BridgeTypeRoom = "room"
	// BridgeTypeBroadcast 全局广播
	BridgeTypeBroadcast = "broadcast"
)

// BridgeEnvelope 跨实例封包，经共享 Broker 在服务进程间转发
type BridgeEnvelope struct {
	// ServerID 来源服务实例 ID
	ServerID string `json:"server_id"`

	// Type 目标类型：client | user | room | broadcast
	Type string `json:"type"`

	// Target 目标标识（broadcast 时为空）
	Target string `json:"target,omitempty"`

	// Event 事件名称
	Event string `json:"event"`

	// Data 事件数据
	Data json.RawMessage `json:"data,omitempty"`

	// Exclude 排除的连接 ID，防止消息经 Broker 回环后重复投递
	Exclude []string `json:"exclude,omitempty"`
}
