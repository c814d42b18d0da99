// Package kafkabus Kafka 传输：每个 topic 一个单分区 Kafka topic，消息 key 即实例 key
// durable topic 开启日志压缩并从最早位点读取，tombstone（空 value）表示实例注销
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"bedside-monitor/internal/bus"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	kafkaMaxBytes   = 10_000_000 // 10MB
	volatileRetain  = "3600000"  // 1h
	headerSource    = "ice-source"
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
	defaultMaxWait  = 100 * time.Millisecond
	defaultReplicas = 1
)

var invalidTopicChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// TopicName topic 对应的 Kafka topic 名
func TopicName(domainID int, topic string) string {
	return fmt.Sprintf("ice.%d.%s", domainID, invalidTopicChars.ReplaceAllString(topic, "_"))
}

// Transport Kafka 传输
type Transport struct {
	brokers     []string
	participant bus.Participant
	logger      *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
	writers map[string]*kafka.Writer
	subs    map[*subscription]struct{}
	closed  bool
}

// New 创建传输
func New(brokers []string, participant bus.Participant, logger *zap.Logger) *Transport {
	return &Transport{
		brokers:     brokers,
		participant: participant,
		logger:      logger.With(zap.String("transport", "kafka")),
		ensured:     make(map[string]bool),
		writers:     make(map[string]*kafka.Writer),
		subs:        make(map[*subscription]struct{}),
	}
}

func topicConfig(durable bool) map[string]string {
	if durable {
		return map[string]string{"cleanup.policy": "compact"}
	}
	return map[string]string{"cleanup.policy": "delete", "retention.ms": volatileRetain}
}

func toConfigEntries(m map[string]string) []kafka.ConfigEntry {
	out := make([]kafka.ConfigEntry, 0, len(m))
	for k, v := range m {
		out = append(out, kafka.ConfigEntry{ConfigName: k, ConfigValue: v})
	}
	return out
}

// ensureTopic 通过 controller 创建 topic，已存在时忽略
func ensureTopic(ctx context.Context, broker, topic string, durable bool) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: defaultReplicas,
		ConfigEntries:     toConfigEntries(topicConfig(durable)),
	})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "exists") {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) prepare(ctx context.Context, topic bus.TopicDescriptor) (string, error) {
	name := TopicName(t.participant.DomainID, topic.Name)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", bus.ErrClosed
	}
	if t.ensured[name] {
		return name, nil
	}
	if len(t.brokers) == 0 {
		return "", errors.New("no kafka brokers configured")
	}
	if err := ensureTopic(ctx, t.brokers[0], name, topic.Profile.Durable()); err != nil {
		return "", err
	}
	t.ensured[name] = true
	return name, nil
}

func (t *Transport) writer(name string, topic bus.TopicDescriptor) *kafka.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.writers[name]; ok {
		return w
	}
	acks := kafka.RequireOne
	if topic.Profile.Reliability == bus.Reliable {
		acks = kafka.RequireAll
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(t.brokers...),
		Topic:        name,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: acks,
		Async:        false,
	}
	t.writers[name] = w
	return w
}

func (t *Transport) write(ctx context.Context, topic bus.TopicDescriptor, key string, payload []byte) error {
	name, err := t.prepare(ctx, topic)
	if err != nil {
		return err
	}
	return t.writer(name, topic).WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: headerSource, Value: []byte(t.participant.GUID)}},
	})
}

// Publish 实现 bus.Transport
func (t *Transport) Publish(ctx context.Context, topic bus.TopicDescriptor, key string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload for %s on %s", key, topic.Name)
	}
	if err := t.write(ctx, topic, key, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic.Name, err)
	}
	return nil
}

// Unregister 实现 bus.Transport：写入 tombstone
func (t *Transport) Unregister(ctx context.Context, topic bus.TopicDescriptor, key string) error {
	if err := t.write(ctx, topic, key, nil); err != nil {
		return fmt.Errorf("failed to unregister %s on %s: %w", key, topic.Name, err)
	}
	return nil
}

// Subscribe 实现 bus.Transport：durable 从最早位点回放，volatile 从末尾开始
func (t *Transport) Subscribe(ctx context.Context, topic bus.TopicDescriptor, h bus.SampleHandler) (bus.Subscription, error) {
	name, err := t.prepare(ctx, topic)
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   t.brokers,
		Topic:     name,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  kafkaMaxBytes,
		MaxWait:   defaultMaxWait,
	})
	offset := kafka.LastOffset
	if topic.Profile.Durable() {
		offset = kafka.FirstOffset
	}
	if err := reader.SetOffset(offset); err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to set offset on %s: %w", name, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{transport: t, reader: reader, cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.consume(subCtx, h)
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
	writers := t.writers
	t.writers = make(map[string]*kafka.Writer)
	t.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscription struct {
	transport *Transport
	reader    *kafka.Reader
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) consume(ctx context.Context, h bus.SampleHandler) {
	defer close(s.done)
	logger := s.transport.logger
	backoff := initialBackoff

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			logger.Error("Failed to read kafka message", zap.Error(err), zap.Duration("backoff", backoff))
			h.OnError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = initialBackoff
		h.OnSample(toSample(msg))
	}
}

func toSample(msg kafka.Message) bus.RawSample {
	alive := len(msg.Value) > 0
	s := bus.RawSample{Key: string(msg.Key), Alive: alive, SourceTimestamp: msg.Time}
	if alive {
		s.Payload = msg.Value
	}
	return s
}

// Cancel 实现 bus.Subscription
func (s *subscription) Cancel() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
		t := s.transport
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	})
	return err
}
