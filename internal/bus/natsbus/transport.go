// Package natsbus NATS JetStream 传输：每个 topic 一个 KV bucket，实例 key 经 base64url 编码后作为 KV key
// KV watch 交付 put（存活）与 delete/purge（注销）；volatile 订阅只关注更新
package natsbus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"bedside-monitor/internal/bus"
	"bedside-monitor/internal/config"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

var invalidBucketChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Connect 连接 NATS 并创建 JetStream 上下文
func Connect(cfg *config.NATSConfig, clientName string, logger *zap.Logger) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return conn, js, nil
}

// Transport NATS 传输
type Transport struct {
	conn        *nats.Conn
	js          jetstream.JetStream
	participant bus.Participant
	logger      *zap.Logger

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
	subs    map[*subscription]struct{}
	closed  bool
}

// New 创建传输；Close 时关闭连接（conn 可为 nil）
func New(conn *nats.Conn, js jetstream.JetStream, participant bus.Participant, logger *zap.Logger) *Transport {
	return &Transport{
		conn:        conn,
		js:          js,
		participant: participant,
		logger:      logger.With(zap.String("transport", "nats")),
		buckets:     make(map[string]jetstream.KeyValue),
		subs:        make(map[*subscription]struct{}),
	}
}

// EncodeKey 实例 key 编码为 KV key；KV key 只允许 [-/_=.a-zA-Z0-9]
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeKey EncodeKey 的逆操作
func DecodeKey(kvKey string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(kvKey)
	if err != nil {
		return "", fmt.Errorf("invalid KV key %q: %w", kvKey, err)
	}
	return string(raw), nil
}

// BucketName topic 对应的 KV bucket 名
func BucketName(domainID int, topic string) string {
	return fmt.Sprintf("ICE_%d_%s", domainID, invalidBucketChars.ReplaceAllString(topic, "_"))
}

// bucket 获取或创建 topic 的 KV bucket
func (t *Transport) bucket(ctx context.Context, topic bus.TopicDescriptor) (jetstream.KeyValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, bus.ErrClosed
	}

	name := BucketName(t.participant.DomainID, topic.Name)
	if kv, ok := t.buckets[name]; ok {
		return kv, nil
	}

	kv, err := t.js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		storage := jetstream.MemoryStorage
		if topic.Profile.Durable() {
			storage = jetstream.FileStorage
		}
		kv, err = t.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  name,
			History: 1,
			Storage: storage,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = t.js.KeyValue(ctx, name)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", name, err)
	}

	t.buckets[name] = kv
	return kv, nil
}

// Publish 实现 bus.Transport
func (t *Transport) Publish(ctx context.Context, topic bus.TopicDescriptor, key string, payload []byte) error {
	kv, err := t.bucket(ctx, topic)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, EncodeKey(key), payload); err != nil {
		return fmt.Errorf("failed to put %s on %s: %w", key, topic.Name, err)
	}
	return nil
}

// Unregister 实现 bus.Transport
func (t *Transport) Unregister(ctx context.Context, topic bus.TopicDescriptor, key string) error {
	kv, err := t.bucket(ctx, topic)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, EncodeKey(key)); err != nil {
		return fmt.Errorf("failed to delete %s on %s: %w", key, topic.Name, err)
	}
	return nil
}

// Subscribe 实现 bus.Transport
func (t *Transport) Subscribe(ctx context.Context, topic bus.TopicDescriptor, h bus.SampleHandler) (bus.Subscription, error) {
	kv, err := t.bucket(ctx, topic)
	if err != nil {
		return nil, err
	}

	var opts []jetstream.WatchOpt
	if !topic.Profile.Durable() {
		opts = append(opts, jetstream.UpdatesOnly())
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	watcher, err := kv.WatchAll(watchCtx, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch %s: %w", topic.Name, err)
	}

	s := &subscription{transport: t, watcher: watcher, cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.consume(watchCtx, h, t.logger.With(zap.String("topic", topic.Name)))
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
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}

type subscription struct {
	transport *Transport
	watcher   jetstream.KeyWatcher
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) consume(ctx context.Context, h bus.SampleHandler, logger *zap.Logger) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				if ctx.Err() == nil {
					h.OnError(errors.New("kv watcher closed"))
				}
				return
			}
			// nil 标记初始值回放结束
			if entry == nil {
				continue
			}
			sample, err := toSample(entry)
			if err != nil {
				logger.Warn("Skipping KV entry", zap.Error(err))
				continue
			}
			h.OnSample(sample)
		}
	}
}

func toSample(entry jetstream.KeyValueEntry) (bus.RawSample, error) {
	key, err := DecodeKey(entry.Key())
	if err != nil {
		return bus.RawSample{}, err
	}
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return bus.RawSample{Key: key, Alive: false, SourceTimestamp: entry.Created()}, nil
	default:
		return bus.RawSample{Key: key, Payload: entry.Value(), Alive: true, SourceTimestamp: entry.Created()}, nil
	}
}

// Cancel 实现 bus.Subscription
func (s *subscription) Cancel() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.watcher.Stop()
		t := s.transport
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	})
	return err
}
