package realtime

import (
	"context"
	"strings"
	"sync"
)

// MemoryBroker 进程内 Broker 实现
//
// 供测试与单实例部署使用；同进程内的多个 Server 共享同一实例
// 即可获得与外部 Broker 一致的跨实例语义。
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBroker 创建内存 Broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[*memorySubscription]struct{}),
	}
}

// Publish 向所有匹配的订阅投递，队列满时丢弃该订阅的消息
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- BrokerMessage{Topic: topic, Payload: payload}:
		default:
		}
	}
	return nil
}

// Subscribe 订阅主题与模式
func (b *MemoryBroker) Subscribe(ctx context.Context, topics []string, patterns []string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	sub := &memorySubscription{
		broker:   b,
		topics:   make(map[string]struct{}, len(topics)),
		patterns: patterns,
		ch:       make(chan BrokerMessage, 256),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close 关闭 Broker，所有订阅通道随之关闭
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	b.subs = make(map[*memorySubscription]struct{})
	return nil
}

// memorySubscription 内存订阅
type memorySubscription struct {
	broker    *MemoryBroker
	topics    map[string]struct{}
	patterns  []string
	ch        chan BrokerMessage
	closeOnce sync.Once
}

// Messages 获取消息通道
func (s *memorySubscription) Messages() <-chan BrokerMessage {
	return s.ch
}

// Close 关闭订阅
func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

// matches 主题匹配，模式仅支持尾部通配
func (s *memorySubscription) matches(topic string) bool {
	if _, ok := s.topics[topic]; ok {
		return true
	}
	for _, p := range s.patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(topic, prefix) {
				return true
			}
		} else if p == topic {
			return true
		}
	}
	return false
}
