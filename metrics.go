package realtime

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)

	// 消息指标
	IncrementMessageCount(event string)
	IncrementInvalidFrames()
	IncrementDroppedFrames()

	// 认证指标
	IncrementAuthSuccess()
	IncrementAuthFailures()
	IncrementHandshakeFailures()

	// 心跳指标
	IncrementHeartbeatTimeouts()

	// Bridge 指标
	IncrementBridgePublished()
	IncrementBridgeReceived()
	IncrementBridgeErrors()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (m *NoopMetrics) IncrementConnections()              {}
func (m *NoopMetrics) DecrementConnections()              {}
func (m *NoopMetrics) SetConnectionCount(count int)       {}
func (m *NoopMetrics) IncrementMessageCount(event string) {}
func (m *NoopMetrics) IncrementInvalidFrames()            {}
func (m *NoopMetrics) IncrementDroppedFrames()            {}
func (m *NoopMetrics) IncrementAuthSuccess()              {}
func (m *NoopMetrics) IncrementAuthFailures()             {}
func (m *NoopMetrics) IncrementHandshakeFailures()        {}
func (m *NoopMetrics) IncrementHeartbeatTimeouts()        {}
func (m *NoopMetrics) IncrementBridgePublished()          {}
func (m *NoopMetrics) IncrementBridgeReceived()           {}
func (m *NoopMetrics) IncrementBridgeErrors()             {}
