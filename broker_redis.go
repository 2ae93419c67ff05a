package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker 基于 Redis PUBLISH/PSUBSCRIBE 的 Broker 实现
type RedisBroker struct {
	client     redis.UniversalClient
	ownsClient bool
}

// NewRedisBroker 基于已有客户端创建 Broker，客户端生命周期由调用方管理
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

// NewRedisBrokerAddr 连接指定地址创建 Broker
func NewRedisBrokerAddr(addr, username, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       db,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	return &RedisBroker{client: client, ownsClient: true}, nil
}

// Publish 发布消息
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe 订阅精确主题与通配模式
func (b *RedisBroker) Subscribe(ctx context.Context, topics []string, patterns []string) (Subscription, error) {
	var ps *redis.PubSub
	if len(topics) > 0 {
		ps = b.client.Subscribe(ctx, topics...)
		if len(patterns) > 0 {
			if err := ps.PSubscribe(ctx, patterns...); err != nil {
				_ = ps.Close()
				return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
			}
		}
	} else {
		ps = b.client.PSubscribe(ctx, patterns...)
	}

	out := make(chan BrokerMessage, 256)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- BrokerMessage{Topic: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()

	return &redisSubscription{ps: ps, ch: out}, nil
}

// Close 关闭 Broker
func (b *RedisBroker) Close() error {
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

// redisSubscription Redis 订阅
type redisSubscription struct {
	ps *redis.PubSub
	ch chan BrokerMessage
}

// Messages 获取消息通道
func (s *redisSubscription) Messages() <-chan BrokerMessage {
	return s.ch
}

// Close 关闭订阅，底层通道关闭后消息通道随之关闭
func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
