// Package redisbus Redis 传输：每个 topic 一个 stream 承载样本流，一个 hash 保存存活实例的最新值
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bedside-monitor/internal/bus"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	defaultBlock    = time.Second
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
	defaultReadSize = 256
)

// Options 传输选项
type Options struct {
	// StreamMaxLen stream 近似最大长度，0 表示不裁剪
	StreamMaxLen int64
	// Block 单次 XREAD 最长阻塞时间
	Block time.Duration
}

// Transport Redis 传输
type Transport struct {
	client      *redis.Client
	participant bus.Participant
	opts        Options
	logger      *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New 基于已有客户端创建传输；Close 时关闭客户端
func New(client *redis.Client, participant bus.Participant, opts Options, logger *zap.Logger) *Transport {
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	return &Transport{
		client:      client,
		participant: participant,
		opts:        opts,
		logger:      logger.With(zap.String("transport", "redis")),
		subs:        make(map[*subscription]struct{}),
	}
}

func (t *Transport) streamKey(topic string) string {
	return fmt.Sprintf("ice:%d:%s:stream", t.participant.DomainID, topic)
}

func (t *Transport) stateKey(topic string) string {
	return fmt.Sprintf("ice:%d:%s:state", t.participant.DomainID, topic)
}

// Publish 实现 bus.Transport：更新状态 hash 并追加到 stream
func (t *Transport) Publish(ctx context.Context, topic bus.TopicDescriptor, key string, payload []byte) error {
	entry := streamEntry{
		Key:       key,
		Payload:   string(payload),
		Alive:     true,
		Timestamp: time.Now(),
		Source:    t.participant.GUID,
	}
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if topic.Profile.Durable() {
			pipe.HSet(ctx, t.stateKey(topic.Name), key, entry.Payload)
		}
		_, err := PublishToStream(ctx, pipe, t.streamKey(topic.Name), t.opts.StreamMaxLen, entry.values())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic.Name, err)
	}
	return nil
}

// Unregister 实现 bus.Transport：删除状态并追加一条 alive=0 的消息
func (t *Transport) Unregister(ctx context.Context, topic bus.TopicDescriptor, key string) error {
	entry := streamEntry{
		Key:       key,
		Alive:     false,
		Timestamp: time.Now(),
		Source:    t.participant.GUID,
	}
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, t.stateKey(topic.Name), key)
		_, err := PublishToStream(ctx, pipe, t.streamKey(topic.Name), t.opts.StreamMaxLen, entry.values())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to unregister %s on %s: %w", key, topic.Name, err)
	}
	return nil
}

// Subscribe 实现 bus.Transport
// 先记下 stream 末尾位置，durable topic 再回放状态 hash，然后从该位置开始读 stream
func (t *Transport) Subscribe(ctx context.Context, topic bus.TopicDescriptor, h bus.SampleHandler) (bus.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, bus.ErrClosed
	}
	t.mu.Unlock()

	stream := t.streamKey(topic.Name)
	lastID, err := LastStreamID(ctx, t.client, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream position of %s: %w", stream, err)
	}

	if topic.Profile.Durable() {
		state, err := t.client.HGetAll(ctx, t.stateKey(topic.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read state of %s: %w", topic.Name, err)
		}
		for key, payload := range state {
			h.OnSample(bus.RawSample{Key: key, Payload: []byte(payload), Alive: true})
		}
	}

	count := int64(topic.Profile.MaxSamplesPerTake)
	if count <= 0 {
		count = defaultReadSize
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		transport: t,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.consume(subCtx, stream, lastID, count, h)

	t.logger.Debug("Subscribed",
		zap.String("stream", stream),
		zap.String("from_id", lastID),
		zap.Bool("durable", topic.Profile.Durable()),
	)
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
	return t.client.Close()
}

type subscription struct {
	transport *Transport
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

// consume 读取循环；出错时上报并指数退避后重试
func (s *subscription) consume(ctx context.Context, stream, lastID string, count int64, h bus.SampleHandler) {
	defer close(s.done)
	t := s.transport
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := ReadFromStream(ctx, t.client, stream, lastID, count, t.opts.Block)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			t.logger.Error("Failed to read stream",
				zap.String("stream", stream),
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
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

		for _, msg := range messages {
			lastID = msg.ID
			entry, err := parseStreamEntry(msg.Values)
			if err != nil {
				t.logger.Warn("Skipping malformed stream entry",
					zap.String("stream", stream),
					zap.String("id", msg.ID),
					zap.Error(err),
				)
				continue
			}
			sample := bus.RawSample{Key: entry.Key, Alive: entry.Alive, SourceTimestamp: entry.Timestamp}
			if entry.Alive {
				sample.Payload = []byte(entry.Payload)
			}
			h.OnSample(sample)
		}
	}
}

// Cancel 实现 bus.Subscription，等待读取循环退出
func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		t := s.transport
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	})
	return nil
}
