package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher 出站调度器
//
// 负责将一条逻辑消息投递到单连接、单用户（全部设备）、
// 房间或全体连接；按需应用出站变换钩子与每连接加密，
// 并在配置了 Broker 时同步镜像到其他服务实例。
type Dispatcher struct {
	config  *Config
	reg     *Registry
	logger  *zap.Logger
	metrics Metrics

	// bridge 为 nil 时表示单实例部署，只做本地投递
	bridge *Bridge
}

// newDispatcher 创建调度器
func newDispatcher(config *Config, reg *Registry, logger *zap.Logger, metrics Metrics) *Dispatcher {
	return &Dispatcher{
		config:  config,
		reg:     reg,
		logger:  logger,
		metrics: metrics,
	}
}

// SendToClient 发送到单个连接
func (d *Dispatcher) SendToClient(ctx context.Context, connID, event string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}

	conn, ok := d.reg.Get(connID)
	if ok {
		d.deliverLocal(ctx, []*Connection{conn}, event, raw, nil)
		return nil
	}
	// 本地未命中，目标可能在其他实例上
	if d.bridge != nil {
		d.bridge.Publish(ctx, BridgeTypeClient, connID, event, raw, nil)
		return nil
	}
	return ErrConnectionNotFound
}

// SendToUser 发送到某用户的全部连接
func (d *Dispatcher) SendToUser(ctx context.Context, userID, event string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}

	conns := d.reg.ConnectionsByUser(userID)
	delivered := d.deliverLocal(ctx, conns, event, raw, nil)
	if d.bridge != nil {
		d.bridge.Publish(ctx, BridgeTypeUser, userID, event, raw, delivered)
	}
	return nil
}

// SendToRoom 发送到房间，exclude 中的连接不投递
func (d *Dispatcher) SendToRoom(ctx context.Context, room, event string, data any, exclude ...string) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}

	conns := d.reg.ConnectionsByRoom(room)
	excludeSet := toSet(exclude)
	delivered := d.deliverLocal(ctx, conns, event, raw, excludeSet)
	if d.bridge != nil {
		d.bridge.Publish(ctx, BridgeTypeRoom, room, event, raw, append(exclude, delivered...))
	}
	return nil
}

// Broadcast 全局广播，exclude 中的连接不投递
func (d *Dispatcher) Broadcast(ctx context.Context, event string, data any, exclude ...string) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}

	conns := make([]*Connection, 0, d.reg.Count())
	d.reg.Range(func(c *Connection) bool {
		conns = append(conns, c)
		return true
	})
	excludeSet := toSet(exclude)
	delivered := d.deliverLocal(ctx, conns, event, raw, excludeSet)
	if d.bridge != nil {
		d.bridge.Publish(ctx, BridgeTypeBroadcast, "", event, raw, append(exclude, delivered...))
	}
	return nil
}

// deliverLocal 本地投递，返回实际投递到的连接 ID
//
// 明文连接顺序投递；加密连接的加密与发送放入并发组，
// 并发度受 EncryptedBatchLimit 约束，防止一次大批量
// 发送占满 CPU 或内存。
func (d *Dispatcher) deliverLocal(ctx context.Context, conns []*Connection, event string, data json.RawMessage, exclude map[string]struct{}) []string {
	if len(conns) == 0 {
		return nil
	}

	delivered := make([]string, 0, len(conns))
	var encrypted []*Connection
	for _, conn := range conns {
		if _, skip := exclude[conn.ID]; skip {
			continue
		}
		if conn.IsClosed() || conn.State() != StateAuthenticated {
			continue
		}
		if enc, _ := conn.encryptionState(); enc {
			encrypted = append(encrypted, conn)
			delivered = append(delivered, conn.ID)
			continue
		}
		// 背压等失败也计入已处理，避免其他实例重复投递
		if err := d.deliverOne(conn, event, data); err != nil {
			d.logger.Debug("local delivery failed",
				zap.String("conn_id", conn.ID), zap.Error(err))
		}
		delivered = append(delivered, conn.ID)
	}

	if len(encrypted) > 0 {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(d.config.EncryptedBatchLimit)
		for _, conn := range encrypted {
			conn := conn
			g.Go(func() error {
				if err := d.deliverOne(conn, event, data); err != nil {
					d.logger.Debug("encrypted delivery failed",
						zap.String("conn_id", conn.ID), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return delivered
}

// deliverOne 投递单连接：变换 -> 加密 -> 发送
func (d *Dispatcher) deliverOne(conn *Connection, event string, data json.RawMessage) error {
	ev, payload := event, data
	if t := d.config.OutboundTransformer; t != nil {
		if newEvent, newData, ok := t(conn, event, data); ok {
			ev, payload = newEvent, newData
		}
	}

	env := &Envelope{Event: ev, Data: payload}
	if enc, cipher := conn.encryptionState(); enc && cipher != nil {
		sealed, err := sealEnvelope(cipher, env)
		if err != nil {
			return err
		}
		env = sealed
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return d.sendFrame(conn, frame)
}

// sendSystem 发送系统封包（按连接加密状态加密）
func (d *Dispatcher) sendSystem(conn *Connection, env *Envelope) error {
	if enc, cipher := conn.encryptionState(); enc && cipher != nil {
		sealed, err := sealEnvelope(cipher, env)
		if err != nil {
			return err
		}
		env = sealed
	}
	return d.sendPlain(conn, env)
}

// sendPlain 明文发送封包，握手参数下发等场景使用
func (d *Dispatcher) sendPlain(conn *Connection, env *Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return d.sendFrame(conn, frame)
}

// sendFrame 发送单帧，处理背压
//
// 背压期间不再向该连接入队；帧交由背压策略钩子处置而非
// 静默丢弃。传输层排空后恢复投递。
func (d *Dispatcher) sendFrame(conn *Connection, frame []byte) error {
	if conn.IsClosed() {
		return ErrConnectionClosed
	}
	if conn.Backpressured() {
		d.holdBack(conn, frame)
		return ErrBackpressured
	}

	err := conn.transport.Send(frame)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSendBufferFull) {
		conn.backpressured.Store(true)
		d.holdBack(conn, frame)
		return ErrBackpressured
	}
	return err
}

// holdBack 背压处置
func (d *Dispatcher) holdBack(conn *Connection, frame []byte) {
	d.metrics.IncrementDroppedFrames()
	if d.config.Backpressure != nil {
		d.config.Backpressure(conn, frame)
		return
	}
	d.logger.Warn("outbound frame held back by backpressure",
		zap.String("conn_id", conn.ID),
		zap.Int("frame_size", len(frame)))
}

// sealEnvelope 加密封包，密文封装进 $encrypted 外层封包
func sealEnvelope(cipher *sessionCipher, env *Envelope) (*Envelope, error) {
	plain, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	sealed, err := cipher.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: EventEncrypted, Data: data}, nil
}

// marshalData 序列化事件数据
func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return b, nil
}

// toSet 切片转集合
func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
