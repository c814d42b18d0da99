// Package localbus 进程内传输，多个 participant 共享一个 Hub
package localbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bedside-monitor/internal/bus"
)

type topicState struct {
	// 每个存活实例的最新样本，用于迟加入订阅者的回放
	instances   map[string]bus.RawSample
	subscribers map[*subscription]struct{}
}

// Hub 进程内总线
type Hub struct {
	// sendMu 串行化投递与迟加入回放，订阅者按发布顺序看到同一实例的样本
	sendMu sync.Mutex

	mu     sync.Mutex
	topics map[string]*topicState
}

// NewHub 创建空的 Hub
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topicState)}
}

// Dialer 返回在该 Hub 上创建传输的 bus.Dialer
func (h *Hub) Dialer() bus.Dialer {
	return func(ctx context.Context, p bus.Participant) (bus.Transport, error) {
		return h.Transport(p.DomainID), nil
	}
}

// Transport 返回某个域上的传输
func (h *Hub) Transport(domainID int) *Transport {
	return &Transport{hub: h, domainID: domainID, subs: make(map[*subscription]struct{})}
}

// Fail 向某个 topic 的所有订阅者上报错误
func (h *Hub) Fail(domainID int, topic string, err error) {
	for _, s := range h.subscribersOf(topicKey(domainID, topic)) {
		s.handler.OnError(err)
	}
}

func topicKey(domainID int, topic string) string {
	return fmt.Sprintf("%d/%s", domainID, topic)
}

func (h *Hub) topicLocked(key string) *topicState {
	t, ok := h.topics[key]
	if !ok {
		t = &topicState{
			instances:   make(map[string]bus.RawSample),
			subscribers: make(map[*subscription]struct{}),
		}
		h.topics[key] = t
	}
	return t
}

func (h *Hub) subscribersOf(key string) []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(key)
	subs := make([]*subscription, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	return subs
}

func (h *Hub) deliver(key string, sample bus.RawSample) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	t := h.topicLocked(key)
	if sample.Alive {
		t.instances[sample.Key] = sample
	} else {
		delete(t.instances, sample.Key)
	}
	subs := make([]*subscription, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.handler.OnSample(sample)
	}
}

// Transport 进程内传输
type Transport struct {
	hub      *Hub
	domainID int

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Publish 实现 bus.Transport
func (t *Transport) Publish(ctx context.Context, topic bus.TopicDescriptor, key string, payload []byte) error {
	if t.isClosed() {
		return bus.ErrClosed
	}
	t.hub.deliver(topicKey(t.domainID, topic.Name), bus.RawSample{
		Key:             key,
		Payload:         append([]byte(nil), payload...),
		Alive:           true,
		SourceTimestamp: time.Now(),
	})
	return nil
}

// Unregister 实现 bus.Transport
func (t *Transport) Unregister(ctx context.Context, topic bus.TopicDescriptor, key string) error {
	if t.isClosed() {
		return bus.ErrClosed
	}
	t.hub.deliver(topicKey(t.domainID, topic.Name), bus.RawSample{
		Key:             key,
		Alive:           false,
		SourceTimestamp: time.Now(),
	})
	return nil
}

// Subscribe 实现 bus.Transport；transient_local 订阅先回放所有存活实例
func (t *Transport) Subscribe(ctx context.Context, topic bus.TopicDescriptor, h bus.SampleHandler) (bus.Subscription, error) {
	if t.isClosed() {
		return nil, bus.ErrClosed
	}
	key := topicKey(t.domainID, topic.Name)
	s := &subscription{transport: t, key: key, handler: h}

	t.hub.sendMu.Lock()
	defer t.hub.sendMu.Unlock()

	t.hub.mu.Lock()
	ts := t.hub.topicLocked(key)
	var replay []bus.RawSample
	if topic.Profile.Durable() {
		for _, sample := range ts.instances {
			replay = append(replay, sample)
		}
	}
	ts.subscribers[s] = struct{}{}
	t.hub.mu.Unlock()

	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	for _, sample := range replay {
		h.OnSample(sample)
	}
	return s, nil
}

// Close 实现 bus.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type subscription struct {
	transport *Transport
	key       string
	handler   bus.SampleHandler
}

// Cancel 实现 bus.Subscription
func (s *subscription) Cancel() error {
	hub := s.transport.hub
	hub.mu.Lock()
	if t, ok := hub.topics[s.key]; ok {
		delete(t.subscribers, s)
	}
	hub.mu.Unlock()

	s.transport.mu.Lock()
	delete(s.transport.subs, s)
	s.transport.mu.Unlock()
	return nil
}
