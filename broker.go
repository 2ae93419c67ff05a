package realtime

import "context"

// BrokerMessage Broker 投递的一条消息
type BrokerMessage struct {
	// Topic 消息所在主题（Broker 原生形式）
	Topic string

	// Payload 消息内容
	Payload []byte
}

// Subscription 订阅句柄
type Subscription interface {
	// Messages 获取消息通道，订阅关闭后通道关闭
	Messages() <-chan BrokerMessage

	// Close 关闭订阅
	Close() error
}

// Broker 共享发布/订阅抽象
//
// Bridge 依赖该接口在多个服务进程间镜像出站消息。
// Publish 必须容忍来自多个调度器调用的并发写入。
type Broker interface {
	// Publish 向指定主题发布消息
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe 订阅若干精确主题与若干通配模式
	Subscribe(ctx context.Context, topics []string, patterns []string) (Subscription, error)

	// Close 关闭 Broker 连接
	Close() error
}
