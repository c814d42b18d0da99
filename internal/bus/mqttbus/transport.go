// Package mqttbus MQTT 传输：每个实例一个主题 ice/<domain>/<topic>/<key>
// durable topic 使用 retained 消息保存最新值，空的 retained 消息表示实例注销
package mqttbus

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"bedside-monitor/internal/bus"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Conn 传输依赖的 MQTT 操作，由 *Client 实现
type Conn interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
	Disconnect()
}

// Transport MQTT 传输
type Transport struct {
	client      Conn
	participant bus.Participant
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New 基于已连接的客户端创建传输；Close 时断开客户端
func New(client Conn, participant bus.Participant, logger *zap.Logger) *Transport {
	return &Transport{
		client:      client,
		participant: participant,
		logger:      logger.With(zap.String("transport", "mqtt")),
	}
}

func qosOf(topic bus.TopicDescriptor) byte {
	if topic.Profile.Reliability == bus.Reliable {
		return 1
	}
	return 0
}

func (t *Transport) instanceTopic(topic, key string) string {
	return fmt.Sprintf("ice/%d/%s/%s", t.participant.DomainID, topic, url.PathEscape(key))
}

func (t *Transport) filter(topic string) string {
	return fmt.Sprintf("ice/%d/%s/+", t.participant.DomainID, topic)
}

// Publish 实现 bus.Transport
func (t *Transport) Publish(ctx context.Context, topic bus.TopicDescriptor, key string, payload []byte) error {
	if t.isClosed() {
		return bus.ErrClosed
	}
	if len(payload) == 0 {
		return fmt.Errorf("empty payload for %s on %s", key, topic.Name)
	}
	return t.client.Publish(t.instanceTopic(topic.Name, key), qosOf(topic), topic.Profile.Durable(), payload)
}

// Unregister 实现 bus.Transport：发布空消息；durable topic 同时清除 retained 值
func (t *Transport) Unregister(ctx context.Context, topic bus.TopicDescriptor, key string) error {
	if t.isClosed() {
		return bus.ErrClosed
	}
	return t.client.Publish(t.instanceTopic(topic.Name, key), qosOf(topic), topic.Profile.Durable(), nil)
}

// Subscribe 实现 bus.Transport
// volatile 订阅忽略 broker 在订阅时回放的 retained 消息
func (t *Transport) Subscribe(ctx context.Context, topic bus.TopicDescriptor, h bus.SampleHandler) (bus.Subscription, error) {
	if t.isClosed() {
		return nil, bus.ErrClosed
	}
	filter := t.filter(topic.Name)
	durable := topic.Profile.Durable()

	err := t.client.Subscribe(filter, qosOf(topic), func(msg mqtt.Message) {
		if msg.Retained() && !durable {
			return
		}
		sample, err := toSample(msg)
		if err != nil {
			t.logger.Warn("Skipping MQTT message", zap.String("mqtt_topic", msg.Topic()), zap.Error(err))
			return
		}
		h.OnSample(sample)
	})
	if err != nil {
		return nil, err
	}
	return &subscription{transport: t, filter: filter}, nil
}

// toSample 从主题最后一段解析实例 key；空消息表示注销
func toSample(msg mqtt.Message) (bus.RawSample, error) {
	topic := msg.Topic()
	i := strings.LastIndex(topic, "/")
	if i < 0 || i == len(topic)-1 {
		return bus.RawSample{}, fmt.Errorf("no instance key in topic %q", topic)
	}
	key, err := url.PathUnescape(topic[i+1:])
	if err != nil {
		return bus.RawSample{}, fmt.Errorf("invalid instance key in topic %q: %w", topic, err)
	}
	payload := msg.Payload()
	return bus.RawSample{
		Key:             key,
		Payload:         payload,
		Alive:           len(payload) > 0,
		SourceTimestamp: time.Now(),
	}, nil
}

// Close 实现 bus.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.client.Disconnect()
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type subscription struct {
	transport *Transport
	filter    string
}

// Cancel 实现 bus.Subscription
func (s *subscription) Cancel() error {
	if s.transport.isClosed() {
		return nil
	}
	return s.transport.client.Unsubscribe(s.filter)
}
