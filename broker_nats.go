package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBroker 基于 NATS 的 Broker 实现
//
// 主题中的 ":" 分隔符映射为 NATS 的 "." 分层，
// 尾部通配 "*" 正好对应 NATS 的单层通配符。
type NATSBroker struct {
	conn     *nats.Conn
	ownsConn bool
}

// NewNATSBroker 基于已有连接创建 Broker，连接生命周期由调用方管理
func NewNATSBroker(conn *nats.Conn) *NATSBroker {
	return &NATSBroker{conn: conn}
}

// NewNATSBrokerURL 连接指定 URL 创建 Broker
func NewNATSBrokerURL(url string, opts ...nats.Option) (*NATSBroker, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return &NATSBroker{conn: conn, ownsConn: true}, nil
}

// natsSubject 将主题转换为 NATS subject
func natsSubject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Publish 发布消息
func (b *NATSBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(natsSubject(topic), payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe 订阅精确主题与通配模式
func (b *NATSBroker) Subscribe(ctx context.Context, topics []string, patterns []string) (Subscription, error) {
	inner := make(chan *nats.Msg, 256)
	subs := make([]*nats.Subscription, 0, len(topics)+len(patterns))

	subjects := make([]string, 0, len(topics)+len(patterns))
	for _, t := range topics {
		subjects = append(subjects, natsSubject(t))
	}
	for _, p := range patterns {
		subjects = append(subjects, natsSubject(p))
	}

	for _, subject := range subjects {
		sub, err := b.conn.ChanSubscribe(subject, inner)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		subs = append(subs, sub)
	}

	out := make(chan BrokerMessage, 256)
	quit := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-quit:
				return
			case msg := <-inner:
				if msg == nil {
					return
				}
				out <- BrokerMessage{Topic: msg.Subject, Payload: msg.Data}
			}
		}
	}()

	return &natsSubscription{subs: subs, quit: quit, ch: out}, nil
}

// Close 关闭 Broker
func (b *NATSBroker) Close() error {
	if b.ownsConn {
		b.conn.Close()
	}
	return nil
}

// natsSubscription NATS 订阅
type natsSubscription struct {
	subs []*nats.Subscription
	quit chan struct{}
	ch   chan BrokerMessage
	once sync.Once
}

// Messages 获取消息通道
func (s *natsSubscription) Messages() <-chan BrokerMessage {
	return s.ch
}

// Close 关闭订阅
func (s *natsSubscription) Close() error {
	s.once.Do(func() {
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
		close(s.quit)
	})
	return nil
}
