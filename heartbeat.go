package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// heartbeatMonitor 心跳监视器
//
// 固定间隔巡检注册表：空闲超过 HeartbeatTimeout 的已认证
// 连接被强制断开，其余连接收到一条心跳探测。纯活性机制，
// 不参与认证与房间逻辑。
type heartbeatMonitor struct {
	config  *Config
	reg     *Registry
	disp    *Dispatcher
	logger  *zap.Logger
	metrics Metrics

	// closeConn 强制断开回调，由 Server 注入
	closeConn func(conn *Connection, code int, reason string)
}

// newHeartbeatMonitor 创建心跳监视器
func newHeartbeatMonitor(config *Config, reg *Registry, disp *Dispatcher, logger *zap.Logger, metrics Metrics, closeConn func(*Connection, int, string)) *heartbeatMonitor {
	return &heartbeatMonitor{
		config:    config,
		reg:       reg,
		disp:      disp,
		logger:    logger,
		metrics:   metrics,
		closeConn: closeConn,
	}
}

// Run 运行巡检循环
func (h *heartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep 单次巡检
func (h *heartbeatMonitor) sweep() {
	now := time.Now()
	h.reg.Range(func(conn *Connection) bool {
		if conn.State() != StateAuthenticated {
			return true
		}

		idle := now.Sub(conn.LastActivity())
		if idle > h.config.HeartbeatTimeout {
			h.metrics.IncrementHeartbeatTimeouts()
			h.logger.Info("heartbeat timeout, disconnecting",
				zap.String("conn_id", conn.ID),
				zap.Duration("idle", idle))
			h.closeConn(conn, CloseHeartbeatTimeout, "heartbeat timeout")
			return true
		}

		probe := &Envelope{Event: EventHeartbeat}
		if err := h.disp.sendSystem(conn, probe); err != nil {
			h.logger.Debug("heartbeat probe failed",
				zap.String("conn_id", conn.ID), zap.Error(err))
		}
		return true
	})
}
