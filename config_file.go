package realtime

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// 配置文件键名
const (
	keyPath                = "path"
	keyDefaultRooms        = "default_rooms"
	keyAuthTimeout         = "auth_timeout"
	keyHeartbeatInterval   = "heartbeat_interval"
	keyHeartbeatTimeout    = "heartbeat_timeout"
	keyEncryptedBatchLimit = "encrypted_batch_limit"
	keyRequireEncryption   = "require_encryption"
	keyAllowAuthRetry      = "allow_auth_retry"
	keyMaxConnections      = "max_connections"
	keyMaxMessageSize      = "max_message_size"
	keySendQueueSize       = "send_queue_size"
	keyWriteWait           = "write_wait"
	keyInvalidFrameLimit   = "invalid_frame_limit"
	keyReadBufferSize      = "read_buffer_size"
	keyWriteBufferSize     = "write_buffer_size"
	keyAllowedOrigins      = "allowed_origins"
	keyServerID            = "server_id"
)

// LoadConfig 从配置文件加载服务配置
//
// 支持 viper 能识别的全部格式（yaml/json/toml 等），
// 环境变量以 REALTIME_ 为前缀覆盖同名配置项。
// 回调钩子与协作方无法从文件表达，仍通过 Option 注入。
func LoadConfig(path string, opts ...Option) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return configFromViper(v, opts...)
}

// configFromViper 从 viper 实例构建配置，未出现的键沿用默认值
func configFromViper(v *viper.Viper, opts ...Option) (*Config, error) {
	c := DefaultConfig()

	if v.IsSet(keyPath) {
		c.Path = v.GetString(keyPath)
	}
	if v.IsSet(keyDefaultRooms) {
		c.DefaultRooms = v.GetStringSlice(keyDefaultRooms)
	}
	if v.IsSet(keyAuthTimeout) {
		c.AuthTimeout = v.GetDuration(keyAuthTimeout)
	}
	if v.IsSet(keyHeartbeatInterval) {
		c.HeartbeatInterval = v.GetDuration(keyHeartbeatInterval)
	}
	if v.IsSet(keyHeartbeatTimeout) {
		c.HeartbeatTimeout = v.GetDuration(keyHeartbeatTimeout)
	}
	if v.IsSet(keyEncryptedBatchLimit) {
		c.EncryptedBatchLimit = v.GetInt(keyEncryptedBatchLimit)
	}
	if v.IsSet(keyRequireEncryption) {
		c.RequireEncryption = v.GetBool(keyRequireEncryption)
	}
	if v.IsSet(keyAllowAuthRetry) {
		c.AllowAuthRetry = v.GetBool(keyAllowAuthRetry)
	}
	if v.IsSet(keyMaxConnections) {
		c.MaxConnections = v.GetInt(keyMaxConnections)
	}
	if v.IsSet(keyMaxMessageSize) {
		c.MaxMessageSize = v.GetInt64(keyMaxMessageSize)
	}
	if v.IsSet(keySendQueueSize) {
		c.SendQueueSize = v.GetInt(keySendQueueSize)
	}
	if v.IsSet(keyWriteWait) {
		c.WriteWait = v.GetDuration(keyWriteWait)
	}
	if v.IsSet(keyInvalidFrameLimit) {
		c.InvalidFrameLimit = v.GetInt32(keyInvalidFrameLimit)
	}
	if v.IsSet(keyReadBufferSize) {
		c.ReadBufferSize = v.GetInt(keyReadBufferSize)
	}
	if v.IsSet(keyWriteBufferSize) {
		c.WriteBufferSize = v.GetInt(keyWriteBufferSize)
	}
	if v.IsSet(keyAllowedOrigins) {
		c.AllowedOrigins = v.GetStringSlice(keyAllowedOrigins)
	}
	if v.IsSet(keyServerID) {
		c.ServerID = v.GetString(keyServerID)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}
