package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// 主题命名
const (
	topicPrefix = "realtime"

	// TopicBroadcast 全局广播主题
	TopicBroadcast = topicPrefix + ":broadcast"

	// 非广播主题的通配订阅模式
	patternRoom   = topicPrefix + ":room:*"
	patternClient = topicPrefix + ":client:*"
	patternUser   = topicPrefix + ":user:*"
)

// TopicRoom 房间主题
func TopicRoom(room string) string {
	return topicPrefix + ":room:" + room
}

// TopicClient 连接主题
func TopicClient(connID string) string {
	return topicPrefix + ":client:" + connID
}

// TopicUser 用户主题
func TopicUser(userID string) string {
	return topicPrefix + ":user:" + userID
}

// topicFor 按目标类型推导主题
func topicFor(typ, target string) string {
	switch typ {
	case BridgeTypeClient:
		return TopicClient(target)
	case BridgeTypeUser:
		return TopicUser(target)
	case BridgeTypeRoom:
		return TopicRoom(target)
	default:
		return TopicBroadcast
	}
}

// Bridge 跨实例桥接器
//
// 将本地出站发送镜像到共享 Broker，并消费其他实例发布的
// 封包执行本地投递，使多个服务进程对外表现为一个逻辑服务。
// Broker 故障只降级为本地投递，从不影响本地发送。
type Bridge struct {
	serverID string
	broker   Broker
	disp     *Dispatcher
	reg      *Registry
	logger   *zap.Logger
	metrics  Metrics

	// retryInterval 订阅中断后的重连间隔
	retryInterval time.Duration
}

// newBridge 创建桥接器
func newBridge(serverID string, broker Broker, disp *Dispatcher, reg *Registry, logger *zap.Logger, metrics Metrics) *Bridge {
	return &Bridge{
		serverID:      serverID,
		broker:        broker,
		disp:          disp,
		reg:           reg,
		logger:        logger,
		metrics:       metrics,
		retryInterval: time.Second,
	}
}

// Publish 将一次出站发送镜像到共享 Broker
// 发布失败只记录日志，跨实例扇出降级为本地投递
func (b *Bridge) Publish(ctx context.Context, typ, target, event string, data json.RawMessage, exclude []string) {
	env := BridgeEnvelope{
		ServerID: b.serverID,
		Type:     typ,
		Target:   target,
		Event:    event,
		Data:     data,
		Exclude:  exclude,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("marshal bridge envelope", zap.Error(err))
		return
	}
	if err := b.broker.Publish(ctx, topicFor(typ, target), payload); err != nil {
		b.metrics.IncrementBridgeErrors()
		b.logger.Warn("bridge publish failed, degraded to local-only delivery",
			zap.String("type", typ), zap.String("target", target), zap.Error(err))
		return
	}
	b.metrics.IncrementBridgePublished()
}

// Run 运行订阅监听循环，订阅中断后按间隔重连
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub, err := b.broker.Subscribe(ctx, []string{TopicBroadcast},
			[]string{patternRoom, patternClient, patternUser})
		if err != nil {
			b.metrics.IncrementBridgeErrors()
			b.logger.Warn("bridge subscribe failed", zap.Error(err))
			if !b.sleep(ctx) {
				return
			}
			continue
		}

		b.consume(ctx, sub)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("bridge subscription lost, reconnecting")
		if !b.sleep(ctx) {
			return
		}
	}
}

// consume 消费订阅消息直至通道关闭或上下文取消
func (b *Bridge) consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			b.handle(ctx, msg)
		}
	}
}

// handle 处理一条跨实例封包
func (b *Bridge) handle(ctx context.Context, msg BrokerMessage) {
	var env BridgeEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		b.metrics.IncrementBridgeErrors()
		b.logger.Warn("invalid bridge envelope", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	// 本实例发布的封包已完成本地投递，直接忽略
	if env.ServerID == b.serverID {
		return
	}
	b.metrics.IncrementBridgeReceived()

	exclude := toSet(env.Exclude)
	switch env.Type {
	case BridgeTypeClient:
		if conn, ok := b.reg.Get(env.Target); ok {
			b.disp.deliverLocal(ctx, []*Connection{conn}, env.Event, env.Data, exclude)
		}
	case BridgeTypeUser:
		b.disp.deliverLocal(ctx, b.reg.ConnectionsByUser(env.Target), env.Event, env.Data, exclude)
	case BridgeTypeRoom:
		b.disp.deliverLocal(ctx, b.reg.ConnectionsByRoom(env.Target), env.Event, env.Data, exclude)
	case BridgeTypeBroadcast:
		conns := make([]*Connection, 0, b.reg.Count())
		b.reg.Range(func(c *Connection) bool {
			conns = append(conns, c)
			return true
		})
		b.disp.deliverLocal(ctx, conns, env.Event, env.Data, exclude)
	default:
		b.logger.Warn("unknown bridge envelope type", zap.String("type", env.Type))
	}
}

// sleep 等待重连间隔，返回 false 表示上下文已取消
func (b *Bridge) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.retryInterval):
		return true
	}
}
