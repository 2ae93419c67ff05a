package realtime

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig 测试默认配置
func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "/ws", c.Path)
	assert.Equal(t, 5*time.Second, c.AuthTimeout)
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, c.HeartbeatTimeout)
	assert.Equal(t, 10, c.EncryptedBatchLimit)
	assert.Equal(t, 10000, c.MaxConnections)
	assert.Equal(t, int64(512*1024), c.MaxMessageSize)
	assert.False(t, c.RequireEncryption)
}

// TestConfig_Validate 测试配置校验
func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.Authenticate = testAuthenticate
		return c
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing authenticate hook", func(t *testing.T) {
		c := valid()
		c.Authenticate = nil
		assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
	})

	t.Run("encryption without handshake", func(t *testing.T) {
		c := valid()
		c.RequireEncryption = true
		assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
	})

	t.Run("encryption with handshake", func(t *testing.T) {
		c := valid()
		c.RequireEncryption = true
		c.Handshake = NewX25519Handshake()
		assert.NoError(t, c.Validate())
	})

	t.Run("heartbeat timeout below interval", func(t *testing.T) {
		c := valid()
		c.HeartbeatTimeout = c.HeartbeatInterval / 2
		assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
	})

	t.Run("non-positive limits", func(t *testing.T) {
		for _, mutate := range []func(*Config){
			func(c *Config) { c.AuthTimeout = 0 },
			func(c *Config) { c.EncryptedBatchLimit = 0 },
			func(c *Config) { c.MaxConnections = -1 },
			func(c *Config) { c.SendQueueSize = 0 },
			func(c *Config) { c.InvalidFrameLimit = 0 },
			func(c *Config) { c.Path = "" },
		} {
			c := valid()
			mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		}
	})
}

// TestLoadConfig 测试从配置文件加载
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	content := []byte(`
path: /socket
default_rooms:
  - lobby
  - announcements
auth_timeout: 2s
heartbeat_interval: 10s
heartbeat_timeout: 30s
encrypted_batch_limit: 4
require_encryption: true
allow_auth_retry: true
max_connections: 500
send_queue_size: 64
allowed_origins:
  - https://example.com
server_id: srv_test
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/socket", c.Path)
	assert.Equal(t, []string{"lobby", "announcements"}, c.DefaultRooms)
	assert.Equal(t, 2*time.Second, c.AuthTimeout)
	assert.Equal(t, 10*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, c.HeartbeatTimeout)
	assert.Equal(t, 4, c.EncryptedBatchLimit)
	assert.True(t, c.RequireEncryption)
	assert.True(t, c.AllowAuthRetry)
	assert.Equal(t, 500, c.MaxConnections)
	assert.Equal(t, 64, c.SendQueueSize)
	assert.Equal(t, []string{"https://example.com"}, c.AllowedOrigins)
	assert.Equal(t, "srv_test", c.ServerID)

	// 未出现的键沿用默认值
	assert.Equal(t, int64(512*1024), c.MaxMessageSize)
	assert.Equal(t, 10*time.Second, c.WriteWait)
}

// TestLoadConfig_MissingFile 测试配置文件不存在
func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestLoadConfig_OptionOverride 测试 Option 覆盖文件配置
func TestLoadConfig_OptionOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_connections: 500\n"), 0o644))

	c, err := LoadConfig(path, WithMaxConnections(7))
	require.NoError(t, err)
	assert.Equal(t, 7, c.MaxConnections)
}

// TestOriginChecker 测试 Origin 检查策略
func TestOriginChecker(t *testing.T) {
	request := func(origin, host string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = host
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	t.Run("same origin default", func(t *testing.T) {
		check := DefaultConfig().originChecker()
		assert.True(t, check(request("https://example.com", "example.com")))
		assert.False(t, check(request("https://evil.com", "example.com")))
		// 无 Origin 头（非浏览器客户端）放行
		assert.True(t, check(request("", "example.com")))
	})

	t.Run("whitelist", func(t *testing.T) {
		c := DefaultConfig()
		c.AllowedOrigins = []string{"https://app.example.com"}
		check := c.originChecker()
		assert.True(t, check(request("https://app.example.com", "other.com")))
		assert.False(t, check(request("https://example.com", "example.com")))
	})

	t.Run("custom check wins", func(t *testing.T) {
		c := DefaultConfig()
		c.AllowedOrigins = []string{"https://app.example.com"}
		c.CheckOrigin = func(*http.Request) bool { return true }
		check := c.originChecker()
		assert.True(t, check(request("https://evil.com", "example.com")))
	})
}
