package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Writer 某个 topic 的类型化写者
// 跟踪已注册的实例；Retract 注销实例并回收其空间
type Writer[T any, K comparable] struct {
	topic     TopicDescriptor
	topicType TopicType[T, K]
	transport Transport
	logger    *zap.Logger

	mu         sync.Mutex
	registered map[K]struct{}
	closed     bool
}

// NewWriter 在 pub 所属通信器上为 topicName 创建写者
func NewWriter[T any, K comparable](pub *Publisher, topicType TopicType[T, K], topicName, profileName string) (*Writer[T, K], error) {
	comm := pub.comm
	topic, err := comm.Topic(topicName, topicType.Name)
	if err != nil {
		return nil, err
	}
	profile, err := comm.Profile(profileName)
	if err != nil {
		return nil, &InitializationError{Op: "create writer " + topicName, Err: err}
	}
	transport, err := comm.transportFor()
	if err != nil {
		return nil, &InitializationError{Op: "create writer " + topicName, Err: err}
	}

	w := &Writer[T, K]{
		topic:      TopicDescriptor{Name: topic.Name, TypeName: topic.TypeName, Profile: profile},
		topicType:  topicType,
		transport:  transport,
		logger:     comm.logger.With(zap.String("topic", topicName)),
		registered: make(map[K]struct{}),
	}
	comm.track(w)
	return w, nil
}

// Publish 发布（或更新）value 对应的实例
func (w *Writer[T, K]) Publish(ctx context.Context, value T) error {
	key := w.topicType.KeyOf(value)
	wireKey := w.topicType.Keys.Format(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return &PublishError{Topic: w.topic.Name, Key: wireKey, Err: ErrClosed}
	}
	_, known := w.registered[key]
	if max := w.topic.Profile.MaxInstances; !known && max > 0 && len(w.registered) >= max {
		return &PublishError{Topic: w.topic.Name, Key: wireKey, Err: ErrResourceLimits}
	}

	payload, err := w.topicType.encode(value)
	if err != nil {
		return &PublishError{Topic: w.topic.Name, Key: wireKey, Err: fmt.Errorf("encode: %w", err)}
	}
	if err := w.transport.Publish(ctx, w.topic, wireKey, payload); err != nil {
		return &PublishError{Topic: w.topic.Name, Key: wireKey, Err: err}
	}

	w.registered[key] = struct{}{}
	return nil
}

// Retract 注销实例（而不是保留一个已删除的占位实例）
func (w *Writer[T, K]) Retract(ctx context.Context, key K) error {
	wireKey := w.topicType.Keys.Format(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return &PublishError{Topic: w.topic.Name, Key: wireKey, Err: ErrClosed}
	}
	if _, ok := w.registered[key]; !ok {
		return &PublishError{Topic: w.topic.Name, Key: wireKey, Err: ErrInstanceNotRegistered}
	}
	if err := w.transport.Unregister(ctx, w.topic, wireKey); err != nil {
		return &PublishError{Topic: w.topic.Name, Key: wireKey, Err: err}
	}

	delete(w.registered, key)
	return nil
}

// IsRegistered 实例是否已注册
func (w *Writer[T, K]) IsRegistered(key K) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.registered[key]
	return ok
}

// Instances 已注册实例数
func (w *Writer[T, K]) Instances() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.registered)
}

// Topic 写者所在 topic
func (w *Writer[T, K]) Topic() TopicDescriptor {
	return w.topic
}

// Close 关闭写者；profile 开启 unregister_on_close 时注销所有实例
func (w *Writer[T, K]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if !w.topic.Profile.ShouldUnregisterOnClose() {
		return nil
	}

	var errs []error
	for key := range w.registered {
		wireKey := w.topicType.Keys.Format(key)
		if err := w.transport.Unregister(context.Background(), w.topic, wireKey); err != nil {
			errs = append(errs, &PublishError{Topic: w.topic.Name, Key: wireKey, Err: err})
		}
	}
	w.registered = make(map[K]struct{})
	if len(errs) > 0 {
		w.logger.Warn("Failed to unregister instances on close", zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}
